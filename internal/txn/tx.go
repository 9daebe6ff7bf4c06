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

// Package txn provides nested, timeout-bounded transactions over a leased engine connection.
//
// A top-level [Tx] issues BEGIN, COMMIT and ROLLBACK statements.
// A nested [Tx] shares its parent's connection and uses savepoints instead.
// Transactions are created by [Registry] that tracks all active ones.
package txn

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/vulgatecnn/afa100-sub008/internal/engine"
	"github.com/vulgatecnn/afa100-sub008/internal/util/events"
	"github.com/vulgatecnn/afa100-sub008/internal/util/lazyerrors"
	"github.com/vulgatecnn/afa100-sub008/internal/util/observability"
)

// TimeoutReason is the rollback reason of transactions rolled back by the watchdog.
const TimeoutReason = "transaction timeout"

var (
	// ErrState is returned when an operation is not allowed in the current transaction state.
	ErrState = errors.New("txn: invalid transaction state")

	// ErrAlreadyStarted is returned by Begin called more than once.
	ErrAlreadyStarted = fmt.Errorf("%w: transaction already started", ErrState)

	// ErrSavepoint is the base error for savepoint misuse.
	ErrSavepoint = errors.New("txn: savepoint error")

	// ErrSavepointExists is returned when a savepoint name is already in use.
	ErrSavepointExists = fmt.Errorf("%w: savepoint already exists", ErrSavepoint)

	// ErrSavepointNotFound is returned for unknown savepoint names.
	ErrSavepointNotFound = fmt.Errorf("%w: savepoint not found", ErrSavepoint)

	// ErrSavepointsDisabled is returned when savepoints are disabled by options.
	ErrSavepointsDisabled = fmt.Errorf("%w: savepoints not supported", ErrSavepoint)
)

// savepointName matches valid savepoint names; they are used in SQL text as is.
var savepointName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// generateName returns a new unique savepoint name.
func generateName() string {
	return "sp_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// hooks are called by Tx on state changes, without holding Tx locks.
type hooks struct {
	activated func(*Tx)
	finished  func(*Tx, *Stats)
}

// Tx drives a single connection through the transaction state machine.
//
//nolint:vet // for readability
type Tx struct {
	id     string
	conn   engine.Conn
	parent *Tx
	opts   Options
	l      *zap.Logger
	tracer trace.Tracer
	hooks  hooks
	hub    events.Hub[Event]

	// serializes statements on the connection; shared with the parent
	opMu *sync.Mutex

	mu         sync.Mutex
	state      State
	name       string // savepoint name of nested transaction
	savepoints []string
	children   []*Tx // active nested transactions, oldest first
	startTime  time.Time
	endTime    time.Time
	opCount    int
	reason     string
	timer      *time.Timer
	span       trace.Span
}

// ID returns unique transaction ID.
func (t *Tx) ID() string {
	return t.id
}

// Conn returns the connection used by the transaction.
func (t *Tx) Conn() engine.Conn {
	return t.conn
}

// Parent returns parent transaction, or nil.
func (t *Tx) Parent() *Tx {
	return t.parent
}

// IsNested returns true if the transaction has a parent.
func (t *Tx) IsNested() bool {
	return t.parent != nil
}

// State returns the current state.
func (t *Tx) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.state
}

// Stats returns a snapshot of transaction statistics.
func (t *Tx) Stats() *Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.statsLocked()
}

// statsLocked returns transaction statistics.
func (t *Tx) statsLocked() *Stats {
	s := &Stats{
		ID:             t.id,
		State:          t.state,
		StartTime:      t.startTime,
		OperationCount: t.opCount,
		SavepointCount: len(t.savepoints),
		IsNested:       t.parent != nil,
		RollbackReason: t.reason,
	}

	if t.state.Terminal() {
		s.EndTime = t.endTime
		s.Duration = t.endTime.Sub(t.startTime)
	}

	return s
}

// depth returns the number of ancestors.
func (t *Tx) depth() int {
	var d int
	for p := t.parent; p != nil; p = p.parent {
		d++
	}

	return d
}

// Begin starts the transaction.
//
// Nested transactions require the parent to be active.
func (t *Tx) Begin(ctx context.Context) error {
	defer observability.FuncCall(ctx)()

	t.opMu.Lock()
	defer t.opMu.Unlock()

	t.mu.Lock()

	if t.state != Pending {
		t.mu.Unlock()
		return lazyerrors.Error(ErrAlreadyStarted)
	}

	var query string

	if t.parent != nil {
		if ps := t.parent.State(); ps != Active {
			t.mu.Unlock()
			return lazyerrors.Errorf("%w: parent transaction is %s", ErrState, ps)
		}

		t.name = generateName()
		query = "SAVEPOINT " + t.name
	} else {
		if err := t.opts.IsolationLevel.Validate(); err != nil {
			t.mu.Unlock()
			return lazyerrors.Error(err)
		}

		query = "BEGIN " + string(t.opts.IsolationLevel) + " TRANSACTION"
	}

	t.startTime = time.Now()
	t.span = t.startSpan(ctx)
	t.mu.Unlock()

	if _, err := t.conn.Run(ctx, query); err != nil {
		return t.end(Failed, err)
	}

	t.mu.Lock()

	t.state = Active

	if t.opts.Timeout > 0 {
		t.timer = time.AfterFunc(t.opts.Timeout, t.expire)
	}

	stats := t.statsLocked()
	t.mu.Unlock()

	if t.parent != nil {
		t.parent.addChild(t)
	}

	t.l.Debug("Transaction started.", zap.String("id", t.id), zap.Bool("nested", stats.IsNested))

	if t.hooks.activated != nil {
		t.hooks.activated(t)
	}

	t.hub.Publish(Event{Type: EventStarted, TxID: t.id, Stats: stats})

	return nil
}

// addChild tracks an active nested transaction.
func (t *Tx) addChild(child *Tx) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.children = append(t.children, child)
}

// removeChild stops tracking a terminal nested transaction.
func (t *Tx) removeChild(child *Tx) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if i := slices.Index(t.children, child); i >= 0 {
		t.children = slices.Delete(t.children, i, i+1)
	}
}

// startSpan starts a tracing span for the transaction.
//
// Nested transaction spans are children of the parent's span.
func (t *Tx) startSpan(ctx context.Context) trace.Span {
	if t.parent != nil {
		t.parent.mu.Lock()
		ps := t.parent.span
		t.parent.mu.Unlock()

		if ps != nil {
			ctx = trace.ContextWithSpan(ctx, ps)
		}
	}

	name := "transaction"
	if t.parent != nil {
		name = "nested transaction"
	}

	_, span := t.tracer.Start(
		ctx, name,
		trace.WithAttributes(
			attribute.String("accessdb.tx.id", t.id),
			attribute.Bool("accessdb.tx.nested", t.parent != nil),
			attribute.String("accessdb.tx.isolation", string(t.opts.IsolationLevel)),
		),
	)

	return span
}

// Commit commits the transaction or releases the nested transaction's savepoint.
//
// Nested transactions must be committed or rolled back first.
func (t *Tx) Commit(ctx context.Context) error {
	defer observability.FuncCall(ctx)()

	t.opMu.Lock()
	defer t.opMu.Unlock()

	t.mu.Lock()

	if t.state != Active {
		s := t.state
		t.mu.Unlock()

		return lazyerrors.Errorf("%w: can't commit %s transaction", ErrState, s)
	}

	if n := len(t.children); n > 0 {
		t.mu.Unlock()
		return lazyerrors.Errorf("%w: can't commit transaction with %d active nested transaction(s)", ErrState, n)
	}

	t.stopTimerLocked()

	query := "COMMIT"
	if t.parent != nil {
		query = "RELEASE SAVEPOINT " + t.name
	}

	t.mu.Unlock()

	if _, err := t.conn.Run(ctx, query); err != nil {
		return t.end(Failed, err)
	}

	return t.end(Committed, nil)
}

// Rollback rolls back the transaction or the nested transaction's savepoint.
//
// Rollback of a pending transaction does nothing.
// Active nested transactions are rolled back first, most recent first.
// The reason, if any, is recorded in [Stats] even if the rollback statement fails.
func (t *Tx) Rollback(ctx context.Context, reason string) error {
	defer observability.FuncCall(ctx)()

	t.opMu.Lock()
	defer t.opMu.Unlock()

	return t.rollback(ctx, reason)
}

// rollback implements [Tx.Rollback]; the caller must hold opMu.
func (t *Tx) rollback(ctx context.Context, reason string) error {
	t.mu.Lock()

	switch t.state {
	case Pending:
		t.mu.Unlock()
		return nil

	case Active:
		// rollback below

	default:
		s := t.state
		t.mu.Unlock()

		return lazyerrors.Errorf("%w: can't roll back %s transaction", ErrState, s)
	}

	t.stopTimerLocked()
	t.reason = reason
	children := slices.Clone(t.children)

	query := "ROLLBACK"
	if t.parent != nil {
		query = "ROLLBACK TO SAVEPOINT " + t.name
	}

	t.mu.Unlock()

	for i := len(children) - 1; i >= 0; i-- {
		c := children[i]
		if err := c.rollback(ctx, reason); err != nil && !errors.Is(err, ErrState) {
			t.l.Warn("Failed to roll back nested transaction.", zap.String("nested", c.id), zap.Error(err))
		}
	}

	if _, err := t.conn.Run(ctx, query); err != nil {
		return t.end(Failed, err)
	}

	return t.end(RolledBack, nil)
}

// expire is called by the watchdog timer.
func (t *Tx) expire() {
	ctx := context.Background()

	if t.State() != Active {
		return
	}

	t.l.Warn("Transaction timed out.", zap.String("id", t.id), zap.Duration("timeout", t.opts.Timeout))

	if err := t.Rollback(ctx, TimeoutReason); err != nil && !errors.Is(err, ErrState) {
		t.l.Error("Failed to roll back timed out transaction.", zap.String("id", t.id), zap.Error(err))
	}
}

// stopTimerLocked stops the watchdog timer.
func (t *Tx) stopTimerLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// end moves transaction to the terminal state; Failed if err is not nil.
//
// It returns wrapped err.
func (t *Tx) end(target State, err error) error {
	if err != nil {
		target = Failed
	}

	t.mu.Lock()

	t.stopTimerLocked()
	t.state = target
	t.endTime = time.Now()
	t.savepoints = nil
	children := t.children
	t.children = nil

	stats := t.statsLocked()
	span := t.span

	t.mu.Unlock()

	if t.parent != nil {
		t.parent.removeChild(t)
	}

	// normally empty; nested transactions can't outlive the parent
	for _, c := range children {
		c.abandon(target)
	}

	if span != nil {
		span.SetAttributes(
			attribute.String("accessdb.tx.state", target.String()),
			attribute.Int("accessdb.tx.operations", stats.OperationCount),
		)

		if stats.RollbackReason != "" {
			span.SetAttributes(attribute.String("accessdb.tx.rollback_reason", stats.RollbackReason))
		}

		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}

		span.End()
	}

	var typ EventType

	switch target {
	case Committed:
		typ = EventCommitted
	case RolledBack:
		typ = EventRolledBack
	default:
		typ = EventFailed
	}

	if err != nil {
		t.l.Warn("Transaction failed.", zap.String("id", t.id), zap.Error(err))
	} else {
		t.l.Debug("Transaction finished.", zap.String("id", t.id), zap.Stringer("state", target))
	}

	if t.hooks.finished != nil {
		t.hooks.finished(t, stats)
	}

	t.hub.Publish(Event{Type: typ, TxID: t.id, Stats: stats})

	if err != nil {
		return lazyerrors.Error(err)
	}

	return nil
}

// abandon fails an active nested transaction whose parent became terminal.
func (t *Tx) abandon(parent State) {
	t.mu.Lock()

	if t.state != Active {
		t.mu.Unlock()
		return
	}

	t.reason = "parent transaction is " + parent.String()
	t.mu.Unlock()

	_ = t.end(Failed, nil)
}
