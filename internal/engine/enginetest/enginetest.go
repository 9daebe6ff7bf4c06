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

// Package enginetest provides an in-memory [engine.Engine] for tests.
//
// It records every submitted statement and allows tests to inject failures and delays.
package enginetest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/vulgatecnn/afa100-sub008/internal/engine"
)

// ErrClosed is the driver error for statements submitted to a closed connection.
var ErrClosed = errors.New("connection is closed")

// Engine is a fake engine.
type Engine struct {
	mu        sync.Mutex
	conns     []*Conn
	failNext  []error
	failAll   error
	openDelay time.Duration
}

// New creates a new fake engine.
func New() *Engine {
	return new(Engine)
}

// FailNextOpens makes the next n Open calls fail with err.
func (e *Engine) FailNextOpens(n int, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i := 0; i < n; i++ {
		e.failNext = append(e.failNext, err)
	}
}

// FailOpens makes all Open calls fail with err until it is called with nil.
func (e *Engine) FailOpens(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.failAll = err
}

// SetOpenDelay makes Open calls block for d.
//
// Like real engines, blocked Open calls ignore context cancellation.
func (e *Engine) SetOpenDelay(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.openDelay = d
}

// Open implements [engine.Engine].
func (e *Engine) Open(ctx context.Context) (engine.Conn, error) {
	e.mu.Lock()
	delay := e.openDelay
	e.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.failAll != nil {
		return nil, e.failAll
	}

	if len(e.failNext) > 0 {
		err := e.failNext[0]
		e.failNext = e.failNext[1:]

		return nil, err
	}

	c := &Conn{
		id:       len(e.conns) + 1,
		failures: map[string]error{},
	}
	e.conns = append(e.conns, c)

	return c, nil
}

// Conns returns all connections opened so far, in opening order.
func (e *Engine) Conns() []*Conn {
	e.mu.Lock()
	defer e.mu.Unlock()

	return append([]*Conn(nil), e.conns...)
}

// Conn is a fake physical connection.
type Conn struct {
	mu         sync.Mutex
	id         int
	statements []string
	failures   map[string]error
	delay      time.Duration
	closed     bool
	inserted   int64
}

// ID returns connection's sequence number, starting from 1.
func (c *Conn) ID() int {
	return c.id
}

// Fail makes statements that start with the given prefix fail with err.
//
// A nil err removes the failure.
func (c *Conn) Fail(prefix string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err == nil {
		delete(c.failures, prefix)
		return
	}

	c.failures[prefix] = err
}

// SetDelay makes every statement take at least d.
func (c *Conn) SetDelay(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.delay = d
}

// Statements returns all statements submitted to the connection, in submission order.
func (c *Conn) Statements() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]string(nil), c.statements...)
}

// Closed returns true if the connection was closed.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closed
}

// exec records the statement and returns injected error, if any.
func (c *Conn) exec(query string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.statements = append(c.statements, query)

	if c.delay > 0 {
		time.Sleep(c.delay)
	}

	if c.closed {
		return &engine.ExecutionError{Query: query, Err: ErrClosed}
	}

	for prefix, err := range c.failures {
		if strings.HasPrefix(query, prefix) {
			var ee *engine.ExecutionError
			if errors.As(err, &ee) {
				return err
			}

			return &engine.ExecutionError{Query: query, Err: err}
		}
	}

	return nil
}

// Run implements [engine.Conn].
func (c *Conn) Run(ctx context.Context, query string, args ...any) (engine.Result, error) {
	if err := c.exec(query); err != nil {
		return engine.Result{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.inserted++

	return engine.Result{LastInsertID: c.inserted, RowsChanged: 1}, nil
}

// Get implements [engine.Conn].
func (c *Conn) Get(ctx context.Context, query string, args ...any) (engine.Row, error) {
	if err := c.exec(query); err != nil {
		return nil, err
	}

	return engine.Row{"query": query, "args": args}, nil
}

// All implements [engine.Conn].
func (c *Conn) All(ctx context.Context, query string, args ...any) ([]engine.Row, error) {
	if err := c.exec(query); err != nil {
		return nil, err
	}

	return []engine.Row{{"query": query, "args": args}}, nil
}

// Close implements [engine.Conn].
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	c.closed = true

	return nil
}

// check interfaces
var (
	_ engine.Engine = (*Engine)(nil)
	_ engine.Conn   = (*Conn)(nil)
)
