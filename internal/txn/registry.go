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
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/vulgatecnn/afa100-sub008/internal/engine"
	"github.com/vulgatecnn/afa100-sub008/internal/util/observability"
)

// tracerName is the instrumentation scope name.
const tracerName = "github.com/vulgatecnn/afa100-sub008/internal/txn"

// RegistryStats represents aggregated statistics of all transactions created by [Registry].
type RegistryStats struct {
	ActiveCount  int
	TotalCreated int64

	// AverageDuration is computed over terminal transactions.
	AverageDuration time.Duration
}

// Registry creates transactions and tracks active ones.
//
// A single Registry is expected to live as long as the process
// and to be passed explicitly to code that needs it.
//
//nolint:vet // for readability
type Registry struct {
	l      *zap.Logger
	tracer trace.Tracer

	rw            sync.RWMutex
	active        map[string]*Tx
	totalCreated  int64
	completed     map[State]int64
	totalDuration time.Duration
}

// NewRegistry creates a new registry.
//
// If tp is nil, the global tracer provider is used.
func NewRegistry(l *zap.Logger, tp trace.TracerProvider) *Registry {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	return &Registry{
		l:         l,
		tracer:    tp.Tracer(tracerName),
		active:    map[string]*Tx{},
		completed: map[State]int64{},
	}
}

// Create returns a new pending transaction.
//
// If parent is not nil, the transaction is nested and uses parent's connection; conn is ignored.
// Nil opts means [DefaultOptions].
// The transaction is registered once Begin succeeds and deregistered when it becomes terminal.
func (r *Registry) Create(conn engine.Conn, opts *Options, parent *Tx) *Tx {
	t := &Tx{
		id:     uuid.NewString(),
		conn:   conn,
		parent: parent,
		opts:   opts.normalize(),
		tracer: r.tracer,
		hooks: hooks{
			activated: r.activated,
			finished:  r.finished,
		},
		opMu:  new(sync.Mutex),
		state: Pending,
	}

	if parent != nil {
		t.conn = parent.conn
		t.opMu = parent.opMu
	}

	t.l = r.l.Named("txn").With(zap.String("tx", t.id))

	r.rw.Lock()
	r.totalCreated++
	r.rw.Unlock()

	return t
}

// activated registers an active transaction.
func (r *Registry) activated(t *Tx) {
	r.rw.Lock()
	defer r.rw.Unlock()

	r.active[t.id] = t
}

// finished deregisters a terminal transaction.
func (r *Registry) finished(t *Tx, s *Stats) {
	r.rw.Lock()
	defer r.rw.Unlock()

	delete(r.active, t.id)

	r.completed[s.State]++
	r.totalDuration += s.Duration
}

// snapshot returns active transactions, oldest first.
func (r *Registry) snapshot() []*Tx {
	r.rw.RLock()
	txs := maps.Values(r.active)
	r.rw.RUnlock()

	starts := make(map[*Tx]time.Time, len(txs))
	for _, t := range txs {
		starts[t] = t.Stats().StartTime
	}

	slices.SortFunc(txs, func(a, b *Tx) int {
		return starts[a].Compare(starts[b])
	})

	return txs
}

// ActiveTransactions returns statistics of active transactions, oldest first.
func (r *Registry) ActiveTransactions() []*Stats {
	txs := r.snapshot()

	res := make([]*Stats, len(txs))
	for i, t := range txs {
		res[i] = t.Stats()
	}

	return res
}

// TransactionStats returns aggregated statistics.
func (r *Registry) TransactionStats() RegistryStats {
	r.rw.RLock()
	defer r.rw.RUnlock()

	res := RegistryStats{
		ActiveCount:  len(r.active),
		TotalCreated: r.totalCreated,
	}

	var completed int64
	for _, n := range r.completed {
		completed += n
	}

	if completed > 0 {
		res.AverageDuration = r.totalDuration / time.Duration(completed)
	}

	return res
}

// RollbackAllActive rolls back all active transactions with the given reason.
//
// Nested transactions are rolled back before their parents.
// Failures are logged and don't stop the sweep.
// It returns the number of swept transactions.
func (r *Registry) RollbackAllActive(ctx context.Context, reason string) int {
	defer observability.FuncCall(ctx)()

	txs := r.snapshot()

	slices.SortStableFunc(txs, func(a, b *Tx) int {
		return b.depth() - a.depth()
	})

	for _, t := range txs {
		if err := t.Rollback(ctx, reason); err != nil {
			r.l.Warn(
				"Failed to roll back transaction.",
				zap.String("tx", t.id), zap.String("reason", reason), zap.Error(err),
			)
		}
	}

	if len(txs) > 0 {
		r.l.Info("Active transactions rolled back.", zap.Int("count", len(txs)), zap.String("reason", reason))
	}

	return len(txs)
}
