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

// Package events provides a minimal publish/subscribe hub for lifecycle notifications.
package events

import (
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Hub delivers published events of type E to all subscribed listeners.
//
// Listeners are called synchronously, in subscription order, by the publishing goroutine.
// They must not block.
//
// The zero value is ready to use.
type Hub[E any] struct {
	rw        sync.RWMutex
	next      int
	listeners map[int]func(E)
}

// Subscribe adds a listener and returns a function that removes it.
//
// The returned function is safe to call multiple times.
func (h *Hub[E]) Subscribe(f func(E)) (unsubscribe func()) {
	h.rw.Lock()
	defer h.rw.Unlock()

	if h.listeners == nil {
		h.listeners = make(map[int]func(E))
	}

	id := h.next
	h.next++
	h.listeners[id] = f

	return func() {
		h.rw.Lock()
		defer h.rw.Unlock()

		delete(h.listeners, id)
	}
}

// Publish calls all listeners with the given event.
func (h *Hub[E]) Publish(e E) {
	h.rw.RLock()

	ids := maps.Keys(h.listeners)
	slices.Sort(ids)

	fs := make([]func(E), len(ids))
	for i, id := range ids {
		fs[i] = h.listeners[id]
	}

	h.rw.RUnlock()

	for _, f := range fs {
		f(e)
	}
}

// Len returns the number of listeners.
func (h *Hub[E]) Len() int {
	h.rw.RLock()
	defer h.rw.RUnlock()

	return len(h.listeners)
}
