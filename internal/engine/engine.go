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

// Package engine defines the contract of a single-writer embedded SQL engine.
//
// The connection pool and the transaction manager treat the engine as opaque:
// they only open and close physical connections and submit statements to them.
// Statements submitted to a single connection are executed one at a time, in submission order.
package engine

import (
	"context"
	"errors"
	"fmt"
)

// Row represents a single result row, keyed by column name.
type Row map[string]any

// Result describes the effect of a statement executed by [Conn.Run].
type Result struct {
	LastInsertID int64
	RowsChanged  int64
}

// Conn is a physical engine connection.
//
// Implementations must be safe for concurrent use, but callers should not rely on that:
// a connection is exclusively owned by a single holder at a time.
type Conn interface {
	// Run executes a statement that returns no rows.
	Run(ctx context.Context, query string, args ...any) (Result, error)

	// Get executes a query and returns the first row, or nil if there are no rows.
	Get(ctx context.Context, query string, args ...any) (Row, error)

	// All executes a query and returns all rows.
	All(ctx context.Context, query string, args ...any) ([]Row, error)

	// Close closes the physical connection.
	Close() error
}

// Engine opens physical connections.
type Engine interface {
	// Open opens a new physical connection.
	//
	// Open may block; the caller decides how long it is willing to wait.
	Open(ctx context.Context) (Conn, error)
}

// ExecutionError is returned by [Conn] methods when the engine fails to execute a statement.
type ExecutionError struct {
	// Query is the failed statement.
	Query string

	// Retryable is true if the statement failed because the database was busy or locked
	// and may succeed if retried later.
	Retryable bool

	// Err is the underlying driver error.
	Err error
}

// Error implements error interface.
func (e *ExecutionError) Error() string {
	return fmt.Sprintf("engine: %q: %s", e.Query, e.Err)
}

// Unwrap returns the underlying driver error.
func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// IsRetryable returns true if err contains a retryable [*ExecutionError].
func IsRetryable(err error) bool {
	var e *ExecutionError
	if !errors.As(err, &e) {
		return false
	}

	return e.Retryable
}

// check interfaces
var (
	_ error = (*ExecutionError)(nil)
)
