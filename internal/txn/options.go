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

import (
	"fmt"
	"time"
)

// IsolationLevel represents top-level transaction behavior.
type IsolationLevel string

// Isolation levels.
const (
	Deferred  IsolationLevel = "DEFERRED"
	Immediate IsolationLevel = "IMMEDIATE"
	Exclusive IsolationLevel = "EXCLUSIVE"
)

// Validate checks that isolation level is known.
func (il IsolationLevel) Validate() error {
	switch il {
	case Deferred, Immediate, Exclusive:
		return nil
	default:
		return fmt.Errorf("txn: unknown isolation level %q", string(il))
	}
}

// Options represents transaction options.
type Options struct {
	// Timeout is the time after which an active transaction is rolled back automatically.
	// Zero disables the watchdog.
	Timeout time.Duration

	// IsolationLevel is used only by top-level transactions.
	// Empty value means Deferred.
	IsolationLevel IsolationLevel

	// SavepointsEnabled allows Executor savepoint methods.
	SavepointsEnabled bool

	// RetryOnDeadlock and MaxRetries are hints for callers such as [Registry.InTransaction].
	// Tx itself never retries.
	RetryOnDeadlock bool
	MaxRetries      int
}

// DefaultOptions returns options with default values.
func DefaultOptions() *Options {
	return &Options{
		Timeout:           30 * time.Second,
		IsolationLevel:    Deferred,
		SavepointsEnabled: true,
		RetryOnDeadlock:   true,
		MaxRetries:        3,
	}
}

// normalize returns a copy of options; nil means [DefaultOptions].
func (o *Options) normalize() Options {
	if o == nil {
		return *DefaultOptions()
	}

	res := *o
	if res.IsolationLevel == "" {
		res.IsolationLevel = Deferred
	}

	return res
}
