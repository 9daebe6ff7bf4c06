// Copyright 2021 FerretDB Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package connpool

// EventType represents pool event type.
type EventType string

// Pool event types.
const (
	EventConnectionCreated   EventType = "connection-created"
	EventConnectionAcquired  EventType = "connection-acquired"
	EventConnectionReleased  EventType = "connection-released"
	EventConnectionDestroyed EventType = "connection-destroyed"
	EventPoolFull            EventType = "pool-full"
	EventError               EventType = "error"
)

// Event represents a pool lifecycle notification.
type Event struct {
	Type EventType

	// ConnectionID is set for connection events.
	ConnectionID string

	// Err is set for error events.
	Err error
}

// Listener receives pool events.
//
// It is called synchronously and must not block or call back into the pool's blocking methods.
type Listener func(Event)

// Subscribe registers a listener and returns a function that removes it.
func (p *Pool) Subscribe(l Listener) (unsubscribe func()) {
	return p.hub.Subscribe(l)
}

// publish delivers events to listeners.
//
// It must be called without holding p.mu.
func (p *Pool) publish(evs ...Event) {
	for _, e := range evs {
		p.hub.Publish(e)
	}
}
