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
	"context"

	"golang.org/x/exp/slices"

	"github.com/vulgatecnn/afa100-sub008/internal/engine"
	"github.com/vulgatecnn/afa100-sub008/internal/util/lazyerrors"
	"github.com/vulgatecnn/afa100-sub008/internal/util/observability"
)

// Executor submits statements within an active transaction.
type Executor struct {
	t *Tx
}

// Executor returns executor for the transaction.
func (t *Tx) Executor() *Executor {
	return &Executor{t: t}
}

// enter locks the connection for a single operation if the transaction and all its ancestors are active.
// The returned function must be called to unlock it.
//
// Every call counts as an operation of an active transaction, including calls rejected later.
func (t *Tx) enter() (func(), error) {
	t.opMu.Lock()

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != Active {
		t.opMu.Unlock()
		return nil, lazyerrors.Errorf("%w: transaction is %s", ErrState, t.state)
	}

	for p := t.parent; p != nil; p = p.parent {
		if ps := p.State(); ps != Active {
			t.opMu.Unlock()
			return nil, lazyerrors.Errorf("%w: parent transaction is %s", ErrState, ps)
		}
	}

	t.opCount++

	return t.opMu.Unlock, nil
}

// Run executes a statement that returns no rows.
//
// Engine errors are returned as is; they don't change transaction state.
func (e *Executor) Run(ctx context.Context, query string, args ...any) (engine.Result, error) {
	defer observability.FuncCall(ctx)()

	unlock, err := e.t.enter()
	if err != nil {
		return engine.Result{}, err
	}
	defer unlock()

	return e.t.conn.Run(ctx, query, args...)
}

// Get executes a query and returns the first row or nil.
//
// Engine errors are returned as is; they don't change transaction state.
func (e *Executor) Get(ctx context.Context, query string, args ...any) (engine.Row, error) {
	defer observability.FuncCall(ctx)()

	unlock, err := e.t.enter()
	if err != nil {
		return nil, err
	}
	defer unlock()

	return e.t.conn.Get(ctx, query, args...)
}

// All executes a query and returns all rows.
//
// Engine errors are returned as is; they don't change transaction state.
func (e *Executor) All(ctx context.Context, query string, args ...any) ([]engine.Row, error) {
	defer observability.FuncCall(ctx)()

	unlock, err := e.t.enter()
	if err != nil {
		return nil, err
	}
	defer unlock()

	return e.t.conn.All(ctx, query, args...)
}

// CreateSavepoint creates a savepoint and returns its name.
//
// If name is empty, a unique name is generated.
// Failure of the SAVEPOINT statement fails the transaction.
func (e *Executor) CreateSavepoint(ctx context.Context, name string) (string, error) {
	defer observability.FuncCall(ctx)()

	t := e.t

	unlock, err := t.enter()
	if err != nil {
		return "", err
	}
	defer unlock()

	t.mu.Lock()

	if !t.opts.SavepointsEnabled {
		t.mu.Unlock()
		return "", lazyerrors.Error(ErrSavepointsDisabled)
	}

	if name == "" {
		name = generateName()
	}

	if !savepointName.MatchString(name) {
		t.mu.Unlock()
		return "", lazyerrors.Errorf("%w: invalid savepoint name %q", ErrSavepoint, name)
	}

	if slices.Contains(t.savepoints, name) {
		t.mu.Unlock()
		return "", lazyerrors.Errorf("%w: %q", ErrSavepointExists, name)
	}

	t.mu.Unlock()

	if _, err = t.conn.Run(ctx, "SAVEPOINT "+name); err != nil {
		return "", t.end(Failed, err)
	}

	t.mu.Lock()
	t.savepoints = append(t.savepoints, name)
	t.mu.Unlock()

	t.hub.Publish(Event{Type: EventSavepointCreated, TxID: t.id, Savepoint: name})

	return name, nil
}

// RollbackToSavepoint rolls back to the savepoint.
//
// The savepoint and older ones are kept; newer ones are discarded.
// Failure of the statement fails the transaction.
func (e *Executor) RollbackToSavepoint(ctx context.Context, name string) error {
	defer observability.FuncCall(ctx)()

	t := e.t

	unlock, err := t.enter()
	if err != nil {
		return err
	}
	defer unlock()

	if _, err = t.savepointIndex(name); err != nil {
		return err
	}

	if _, err = t.conn.Run(ctx, "ROLLBACK TO SAVEPOINT "+name); err != nil {
		return t.end(Failed, err)
	}

	t.mu.Lock()
	if i := slices.Index(t.savepoints, name); i >= 0 {
		t.savepoints = t.savepoints[:i+1]
	}
	t.mu.Unlock()

	t.hub.Publish(Event{Type: EventSavepointRollback, TxID: t.id, Savepoint: name})

	return nil
}

// ReleaseSavepoint releases the savepoint, removing only it from tracking.
//
// Failure of the statement fails the transaction.
func (e *Executor) ReleaseSavepoint(ctx context.Context, name string) error {
	defer observability.FuncCall(ctx)()

	t := e.t

	unlock, err := t.enter()
	if err != nil {
		return err
	}
	defer unlock()

	if _, err = t.savepointIndex(name); err != nil {
		return err
	}

	if _, err = t.conn.Run(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return t.end(Failed, err)
	}

	t.mu.Lock()
	if i := slices.Index(t.savepoints, name); i >= 0 {
		t.savepoints = slices.Delete(t.savepoints, i, i+1)
	}
	t.mu.Unlock()

	t.hub.Publish(Event{Type: EventSavepointReleased, TxID: t.id, Savepoint: name})

	return nil
}

// savepointIndex returns the position of the savepoint in creation order.
func (t *Tx) savepointIndex(name string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := slices.Index(t.savepoints, name)
	if i < 0 {
		return -1, lazyerrors.Errorf("%w: %q", ErrSavepointNotFound, name)
	}

	return i, nil
}
