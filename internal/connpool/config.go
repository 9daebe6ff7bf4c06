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
	"fmt"
	"time"
)

// Config represents pool configuration.
//
// It is copied by [New] and can't be changed afterward.
type Config struct {
	// Min is the number of connections created by [Pool.Initialize]
	// and kept by the idle reaper. Zero is allowed.
	Min int

	// Max is the upper bound of open connections, both idle and leased.
	Max int

	// AcquireTimeout bounds the time [Pool.Acquire] waits in the queue.
	AcquireTimeout time.Duration

	// IdleTimeout is the idle age after which a connection may be reaped.
	IdleTimeout time.Duration

	// CreateTimeout bounds a single connection creation attempt.
	CreateTimeout time.Duration

	// ReapInterval is the period of the idle reaper.
	ReapInterval time.Duration

	// CreateRetryInterval is the pause between failed creation attempts during warm-up.
	CreateRetryInterval time.Duration
}

// DefaultConfig returns configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		Min:                 1,
		Max:                 10,
		AcquireTimeout:      30 * time.Second,
		IdleTimeout:         30 * time.Second,
		CreateTimeout:       30 * time.Second,
		ReapInterval:        time.Second,
		CreateRetryInterval: 200 * time.Millisecond,
	}
}

// withDefaults returns a copy of the configuration with zero fields set to default values.
//
// Min is kept as is.
func (c *Config) withDefaults() *Config {
	d := DefaultConfig()
	if c == nil {
		return d
	}

	res := *c

	if res.Max == 0 {
		res.Max = d.Max
	}

	if res.AcquireTimeout == 0 {
		res.AcquireTimeout = d.AcquireTimeout
	}

	if res.IdleTimeout == 0 {
		res.IdleTimeout = d.IdleTimeout
	}

	if res.CreateTimeout == 0 {
		res.CreateTimeout = d.CreateTimeout
	}

	if res.ReapInterval == 0 {
		res.ReapInterval = d.ReapInterval
	}

	if res.CreateRetryInterval == 0 {
		res.CreateRetryInterval = d.CreateRetryInterval
	}

	return &res
}

// Validate checks that configuration values are consistent.
func (c *Config) Validate() error {
	switch {
	case c.Min < 0:
		return fmt.Errorf("connpool: min must be non-negative, got %d", c.Min)
	case c.Max < 1:
		return fmt.Errorf("connpool: max must be at least 1, got %d", c.Max)
	case c.Min > c.Max:
		return fmt.Errorf("connpool: min (%d) must not exceed max (%d)", c.Min, c.Max)
	}

	for name, d := range map[string]time.Duration{
		"acquire timeout":       c.AcquireTimeout,
		"idle timeout":          c.IdleTimeout,
		"create timeout":        c.CreateTimeout,
		"reap interval":         c.ReapInterval,
		"create retry interval": c.CreateRetryInterval,
	} {
		if d < 0 {
			return fmt.Errorf("connpool: %s must be non-negative, got %s", name, d)
		}
	}

	return nil
}
