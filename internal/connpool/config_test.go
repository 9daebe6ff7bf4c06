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

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig(t *testing.T) {
	t.Parallel()

	t.Run("Defaults", func(t *testing.T) {
		t.Parallel()

		var nilConfig *Config
		assert.Equal(t, DefaultConfig(), nilConfig.withDefaults())

		c := (&Config{Max: 3, AcquireTimeout: time.Second}).withDefaults()
		expected := DefaultConfig()
		expected.Min = 0
		expected.Max = 3
		expected.AcquireTimeout = time.Second
		assert.Equal(t, expected, c)
	})

	t.Run("Validate", func(t *testing.T) {
		t.Parallel()

		for name, tc := range map[string]struct {
			config *Config
			err    string
		}{
			"Valid": {
				config: DefaultConfig(),
			},
			"ZeroMin": {
				config: &Config{Min: 0, Max: 1},
			},
			"NegativeMin": {
				config: &Config{Min: -1, Max: 1},
				err:    "connpool: min must be non-negative, got -1",
			},
			"ZeroMax": {
				config: &Config{Min: 0, Max: 0},
				err:    "connpool: max must be at least 1, got 0",
			},
			"MinOverMax": {
				config: &Config{Min: 3, Max: 2},
				err:    "connpool: min (3) must not exceed max (2)",
			},
			"NegativeTimeout": {
				config: &Config{Min: 1, Max: 2, AcquireTimeout: -time.Second},
				err:    "connpool: acquire timeout must be non-negative, got -1s",
			},
		} {
			name, tc := name, tc
			t.Run(name, func(t *testing.T) {
				t.Parallel()

				err := tc.config.Validate()
				if tc.err == "" {
					assert.NoError(t, err)
					return
				}

				assert.EqualError(t, err, tc.err)
			})
		}
	})
}

func TestNewInvalidConfig(t *testing.T) {
	t.Parallel()

	_, err := New(nil, &Config{Min: 5, Max: 2}, nil)
	require.Error(t, err)
}
