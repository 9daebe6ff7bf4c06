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

package txn

// EventType represents transaction event type.
type EventType string

// Transaction event types.
const (
	EventStarted    EventType = "transaction-started"
	EventCommitted  EventType = "transaction-committed"
	EventRolledBack EventType = "transaction-rolled-back"
	EventFailed     EventType = "transaction-failed"

	EventSavepointCreated  EventType = "savepoint-created"
	EventSavepointRollback EventType = "savepoint-rollback"
	EventSavepointReleased EventType = "savepoint-released"
)

// Event represents a transaction lifecycle notification.
type Event struct {
	Type EventType
	TxID string

	// Savepoint is set for savepoint events.
	Savepoint string

	// Stats is set for transaction events.
	Stats *Stats
}

// Listener receives transaction events.
//
// It is called synchronously and must not call back into the same transaction.
type Listener func(Event)

// Subscribe registers a listener and returns a function that removes it.
func (t *Tx) Subscribe(l Listener) (unsubscribe func()) {
	return t.hub.Subscribe(l)
}
