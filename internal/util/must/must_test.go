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

package must

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNotFail(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 42, NotFail(42, nil))

	err := errors.New("boom")
	assert.PanicsWithError(t, "boom", func() { NotFail(0, err) })
	assert.PanicsWithError(t, "boom", func() { NoError(err) })
}

func TestNotBeZero(t *testing.T) {
	t.Parallel()

	assert.NotPanics(t, func() { NotBeZero("x") })
	assert.PanicsWithValue(t, "v has zero value", func() { NotBeZero(0) })

	var p *int
	assert.PanicsWithValue(t, "v has zero value", func() { NotBeZero(p) })
}
