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

package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHub(t *testing.T) {
	t.Parallel()

	var h Hub[string]

	var got []string

	unsubA := h.Subscribe(func(e string) { got = append(got, "a:"+e) })
	unsubB := h.Subscribe(func(e string) { got = append(got, "b:"+e) })
	assert.Equal(t, 2, h.Len())

	h.Publish("one")
	assert.Equal(t, []string{"a:one", "b:one"}, got)

	unsubA()
	unsubA()
	assert.Equal(t, 1, h.Len())

	h.Publish("two")
	assert.Equal(t, []string{"a:one", "b:one", "b:two"}, got)

	unsubB()
	h.Publish("three")
	assert.Len(t, got, 3)
}

func TestHubListenerMaySubscribe(t *testing.T) {
	t.Parallel()

	var h Hub[int]

	var calls int

	h.Subscribe(func(int) {
		calls++
		h.Subscribe(func(int) { calls++ })
	})

	h.Publish(1)
	assert.Equal(t, 1, calls)

	h.Publish(2)
	assert.Equal(t, 3, calls)
}
