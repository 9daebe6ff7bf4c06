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

// Package connpool provides a bounded pool of physical engine connections.
//
// The pool leases each connection to at most one caller at a time.
// Callers that can't be served immediately wait in a strict FIFO queue;
// released connections are handed directly to the oldest waiter.
package connpool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vulgatecnn/afa100-sub008/internal/engine"
	"github.com/vulgatecnn/afa100-sub008/internal/util/contract"
	"github.com/vulgatecnn/afa100-sub008/internal/util/ctxutil"
	"github.com/vulgatecnn/afa100-sub008/internal/util/events"
	"github.com/vulgatecnn/afa100-sub008/internal/util/lazyerrors"
	"github.com/vulgatecnn/afa100-sub008/internal/util/observability"
	"github.com/vulgatecnn/afa100-sub008/internal/util/resource"
)

var (
	// ErrAcquireTimeout is returned when a queued acquire request was not fulfilled in time.
	ErrAcquireTimeout = errors.New("connpool: acquire timeout")

	// ErrCreateTimeout is returned when connection creation took too long.
	ErrCreateTimeout = errors.New("connpool: connection create timeout")

	// ErrCreateFailure is returned when the engine failed to open a connection.
	ErrCreateFailure = errors.New("connpool: connection create failure")

	// ErrPoolDestroyed is returned by operations on a destroyed pool.
	ErrPoolDestroyed = errors.New("connpool: pool destroyed")
)

// waiter is a queued acquire request.
type waiter struct {
	// buffered; receives exactly one connection or is closed on destroy
	ch    chan *PooledConn
	armed time.Time
}

// Pool leases physical engine connections.
//
//nolint:vet // for readability
type Pool struct {
	e      engine.Engine
	config Config
	l      *zap.Logger
	hub    events.Hub[Event]
	token  *resource.Token

	mu        sync.Mutex
	conns     map[string]*PooledConn
	idle      []*PooledConn // ordered by release time, the most recent is the last
	waiters   []*waiter
	creating  int // reserved creation slots
	destroyed bool

	totalCreated   int64
	totalDestroyed int64
	totalAcquired  int64
	totalReleased  int64
	totalErrors    int64
	acquireTime    time.Duration

	reaperStop chan struct{}
	reaperDone chan struct{}
}

// New creates a new pool for the given engine and starts the idle reaper.
//
// Nil config means [DefaultConfig].
// No connections are opened until [Pool.Initialize] or [Pool.Acquire] is called.
func New(e engine.Engine, config *Config, l *zap.Logger) (*Pool, error) {
	c := config.withDefaults()
	if err := c.Validate(); err != nil {
		return nil, lazyerrors.Error(err)
	}

	p := &Pool{
		e:          e,
		config:     *c,
		l:          l,
		token:      resource.NewToken(),
		conns:      map[string]*PooledConn{},
		reaperStop: make(chan struct{}),
		reaperDone: make(chan struct{}),
	}

	resource.Track(p, p.token)

	go p.runReaper()

	return p, nil
}

// Config returns a copy of the pool configuration.
func (p *Pool) Config() Config {
	return p.config
}

// Initialize opens [Config.Min] connections.
//
// Engine failures of individual attempts are counted and tolerated,
// with [Config.CreateRetryInterval] pause after each of them.
// It returns an error if any attempt times out,
// or if no connection could be opened at all.
func (p *Pool) Initialize(ctx context.Context) error {
	defer observability.FuncCall(ctx)()

	var created int
	var lastErr error

	for i := 0; i < p.config.Min; i++ {
		if i > 0 && lastErr != nil {
			ctxutil.Sleep(ctx, p.config.CreateRetryInterval)
		}

		if !p.reserve() {
			break
		}

		c, err := p.open(ctx)
		if err != nil {
			if errors.Is(err, ErrCreateTimeout) || errors.Is(err, ErrPoolDestroyed) || ctx.Err() != nil {
				return err
			}

			lastErr = err

			continue
		}

		p.park(c)
		created++
	}

	if p.config.Min > 0 && created == 0 {
		return lazyerrors.Errorf("connpool: no connections could be opened: %w", lastErr)
	}

	s := p.Stats()
	p.l.Info(
		"Pool initialized.",
		zap.Int("connections", s.TotalConnections), zap.Int64("errors", s.TotalErrors),
	)

	return nil
}

// reserve reserves a creation slot if the pool is not full.
func (p *Pool) reserve() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.reserveLocked()
}

// reserveLocked is [Pool.reserve] for callers that hold p.mu.
func (p *Pool) reserveLocked() bool {
	if p.destroyed || len(p.conns)+p.creating >= p.config.Max {
		return false
	}

	p.creating++

	return true
}

// Acquire leases a connection.
//
// An idle connection is reused first, the most recently released one.
// If there are none, a new connection is created while under [Config.Max].
// Otherwise the caller waits in a FIFO queue for up to [Config.AcquireTimeout].
func (p *Pool) Acquire(ctx context.Context) (res *PooledConn, err error) {
	defer observability.FuncCall(ctx)()

	defer func() {
		contract.EnsureError(
			err,
			ErrAcquireTimeout, ErrCreateTimeout, ErrCreateFailure, ErrPoolDestroyed,
			context.Canceled, context.DeadlineExceeded,
		)
	}()

	start := time.Now()

	p.mu.Lock()

	if p.destroyed {
		p.mu.Unlock()
		return nil, lazyerrors.Error(ErrPoolDestroyed)
	}

	if n := len(p.idle); n > 0 {
		pc := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.leaseLocked(pc, start)
		p.mu.Unlock()

		p.publish(Event{Type: EventConnectionAcquired, ConnectionID: pc.id})

		return pc, nil
	}

	if p.reserveLocked() {
		p.mu.Unlock()

		c, err := p.open(ctx)
		if err != nil {
			return nil, err
		}

		p.mu.Lock()

		pc := p.addLocked(c)
		if pc == nil {
			p.mu.Unlock()
			p.closeEngineConn(c)

			return nil, lazyerrors.Error(ErrPoolDestroyed)
		}

		p.leaseLocked(pc, start)
		p.mu.Unlock()

		p.publish(
			Event{Type: EventConnectionCreated, ConnectionID: pc.id},
			Event{Type: EventConnectionAcquired, ConnectionID: pc.id},
		)

		return pc, nil
	}

	w := &waiter{
		ch:    make(chan *PooledConn, 1),
		armed: start,
	}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	p.publish(Event{Type: EventPoolFull})

	timer := time.NewTimer(p.config.AcquireTimeout)
	defer timer.Stop()

	select {
	case pc, ok := <-w.ch:
		if !ok {
			return nil, lazyerrors.Error(ErrPoolDestroyed)
		}

		return pc, nil

	case <-timer.C:
		err = ErrAcquireTimeout

	case <-ctx.Done():
		err = ctx.Err()
	}

	p.mu.Lock()

	removed := p.removeWaiterLocked(w)
	if removed && err == ErrAcquireTimeout {
		p.totalErrors++
	}

	p.mu.Unlock()

	if !removed {
		// fulfilled or rejected concurrently
		pc, ok := <-w.ch
		if !ok {
			return nil, lazyerrors.Error(ErrPoolDestroyed)
		}

		return pc, nil
	}

	if err == ErrAcquireTimeout {
		p.publish(Event{Type: EventError, Err: err})
	}

	return nil, lazyerrors.Error(err)
}

// removeWaiterLocked removes w from the queue.
// It returns false if w is not queued anymore.
func (p *Pool) removeWaiterLocked(w *waiter) bool {
	for i, qw := range p.waiters {
		if qw == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return true
		}
	}

	return false
}

// Release returns a leased connection to the pool.
//
// Nil, unknown, or not leased connections are ignored.
// If there are queued acquire requests, the connection is handed to the oldest one.
func (p *Pool) Release(pc *PooledConn) {
	if pc == nil {
		return
	}

	p.mu.Lock()

	if p.destroyed || p.conns[pc.id] != pc || !pc.inUse {
		p.mu.Unlock()
		return
	}

	p.totalReleased++

	evs := []Event{{Type: EventConnectionReleased, ConnectionID: pc.id}}

	if pc.invalid {
		p.removeLocked(pc)

		replenish := len(p.waiters) > 0 && p.reserveLocked()
		p.mu.Unlock()

		p.publish(evs...)
		p.closeConn(pc)

		if replenish {
			go p.replenish(0)
		}

		return
	}

	evs = append(evs, p.checkinLocked(pc)...)
	p.mu.Unlock()

	p.publish(evs...)
}

// replenish creates a connection for queued acquire requests after the given delay.
// The creation slot must be reserved.
//
// If creation fails, [Pool.open] schedules another attempt while requests are still queued.
func (p *Pool) replenish(delay time.Duration) {
	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()

		select {
		case <-t.C:
		case <-p.reaperStop:
			p.mu.Lock()
			p.creating--
			p.mu.Unlock()

			return
		}
	}

	c, err := p.open(context.Background())
	if err != nil {
		return
	}

	p.park(c)
}

// freeSlotLocked releases the creation slot of a failed attempt.
//
// If acquire requests are queued, the slot is reserved again for them and true is returned;
// the caller must start [Pool.replenish] then.
func (p *Pool) freeSlotLocked() bool {
	p.creating--

	return len(p.waiters) > 0 && p.reserveLocked()
}

// Stats returns a snapshot of pool statistics.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.statsLocked()
}

// statsLocked returns pool statistics.
func (p *Pool) statsLocked() Stats {
	var active int

	for _, pc := range p.conns {
		if pc.inUse {
			active++
		}
	}

	s := Stats{
		TotalConnections:  len(p.conns),
		ActiveConnections: active,
		IdleConnections:   len(p.idle),
		PendingRequests:   len(p.waiters),
		TotalCreated:      p.totalCreated,
		TotalDestroyed:    p.totalDestroyed,
		TotalAcquired:     p.totalAcquired,
		TotalReleased:     p.totalReleased,
		TotalErrors:       p.totalErrors,
	}

	if p.totalAcquired > 0 {
		s.AverageAcquireTime = p.acquireTime / time.Duration(p.totalAcquired)
	}

	contract.Ensure(
		s.ActiveConnections+s.IdleConnections == s.TotalConnections,
		"active (%d) + idle (%d) != total (%d)", s.ActiveConnections, s.IdleConnections, s.TotalConnections,
	)

	return s
}

// Destroy closes all connections, idle and leased, and rejects all queued acquire requests.
//
// It is safe to call Destroy multiple times.
func (p *Pool) Destroy() {
	p.mu.Lock()

	if p.destroyed {
		p.mu.Unlock()
		return
	}

	p.destroyed = true

	for _, w := range p.waiters {
		close(w.ch)
	}

	p.waiters = nil

	conns := make([]*PooledConn, 0, len(p.conns))
	for _, pc := range p.conns {
		conns = append(conns, pc)
		p.removeLocked(pc)
	}

	p.idle = nil

	p.mu.Unlock()

	close(p.reaperStop)
	<-p.reaperDone

	for _, pc := range conns {
		p.closeConn(pc)
	}

	p.l.Debug("Pool destroyed.", zap.Int("connections", len(conns)))

	resource.Untrack(p, p.token)
}

// open opens a new physical connection within [Config.CreateTimeout].
//
// The creation slot must be reserved by the caller.
// On success, the caller is responsible for the slot; see [Pool.addLocked].
// On failure, the slot is released once the engine call completes.
// A connection that is opened after the caller stopped waiting is parked in the pool.
func (p *Pool) open(ctx context.Context) (engine.Conn, error) {
	defer observability.FuncCall(ctx)()

	type result struct {
		c   engine.Conn
		err error
	}

	ch := make(chan result, 1)

	go func() {
		c, err := p.e.Open(context.WithoutCancel(ctx))
		ch <- result{c: c, err: err}
	}()

	timer := time.NewTimer(p.config.CreateTimeout)
	defer timer.Stop()

	var err error

	select {
	case r := <-ch:
		if r.err == nil {
			return r.c, nil
		}

		p.mu.Lock()
		retry := p.freeSlotLocked()
		p.totalErrors++
		p.mu.Unlock()

		err = lazyerrors.Errorf("%w: %w", ErrCreateFailure, r.err)
		p.l.Warn("Failed to open connection.", zap.Error(r.err), zap.Bool("retry", retry))
		p.publish(Event{Type: EventError, Err: err})

		if retry {
			go p.replenish(p.config.CreateRetryInterval)
		}

		return nil, err

	case <-timer.C:
		p.mu.Lock()
		p.totalErrors++
		p.mu.Unlock()

		err = lazyerrors.Error(ErrCreateTimeout)
		p.l.Warn("Connection open timed out.", zap.Duration("timeout", p.config.CreateTimeout))
		p.publish(Event{Type: EventError, Err: err})

	case <-ctx.Done():
		err = lazyerrors.Error(ctx.Err())
	}

	go func() {
		r := <-ch
		if r.err != nil {
			p.mu.Lock()
			retry := p.freeSlotLocked()
			p.mu.Unlock()

			p.l.Debug("Late connection open failed.", zap.Error(r.err), zap.Bool("retry", retry))

			if retry {
				p.replenish(p.config.CreateRetryInterval)
			}

			return
		}

		p.park(r.c)
	}()

	return nil, err
}

// park adds a newly opened connection to the pool
// and hands it to the oldest waiter or makes it idle.
//
// The creation slot must be reserved.
func (p *Pool) park(c engine.Conn) {
	p.mu.Lock()

	pc := p.addLocked(c)
	if pc == nil {
		p.mu.Unlock()
		p.closeEngineConn(c)

		return
	}

	evs := append([]Event{{Type: EventConnectionCreated, ConnectionID: pc.id}}, p.checkinLocked(pc)...)
	p.mu.Unlock()

	p.publish(evs...)
}

// addLocked starts tracking a newly opened connection and releases its creation slot.
//
// It returns nil if the pool was destroyed; the caller should close the connection then.
// The returned connection is neither idle nor leased; the caller must make it one of those.
func (p *Pool) addLocked(c engine.Conn) *PooledConn {
	p.creating--

	if p.destroyed {
		return nil
	}

	now := time.Now()
	pc := &PooledConn{
		p:          p,
		id:         uuid.NewString(),
		conn:       c,
		createdAt:  now,
		lastUsedAt: now,
		token:      resource.NewToken(),
	}

	resource.Track(pc, pc.token)

	p.conns[pc.id] = pc
	p.totalCreated++

	p.l.Debug("Connection created.", zap.String("id", pc.id))

	return pc
}

// leaseLocked marks connection as leased.
func (p *Pool) leaseLocked(pc *PooledConn, start time.Time) {
	pc.inUse = true
	pc.lastUsedAt = time.Now()

	p.totalAcquired++
	p.acquireTime += pc.lastUsedAt.Sub(start)
}

// checkinLocked hands the connection to the oldest waiter or makes it idle.
// It returns events to publish.
func (p *Pool) checkinLocked(pc *PooledConn) []Event {
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]

		p.leaseLocked(pc, w.armed)
		w.ch <- pc

		return []Event{{Type: EventConnectionAcquired, ConnectionID: pc.id}}
	}

	pc.inUse = false
	pc.lastUsedAt = time.Now()
	p.idle = append(p.idle, pc)

	return nil
}

// removeLocked stops tracking the connection.
// The caller must close it with [Pool.closeConn].
func (p *Pool) removeLocked(pc *PooledConn) {
	delete(p.conns, pc.id)
	p.totalDestroyed++
}

// closeConn closes a connection that is not tracked anymore.
func (p *Pool) closeConn(pc *PooledConn) {
	resource.Untrack(pc, pc.token)

	if err := pc.conn.Close(); err != nil {
		p.l.Warn("Failed to close connection.", zap.String("id", pc.id), zap.Error(err))
	}

	p.l.Debug("Connection destroyed.", zap.String("id", pc.id))

	p.publish(Event{Type: EventConnectionDestroyed, ConnectionID: pc.id})
}

// closeEngineConn closes a connection that was never tracked.
func (p *Pool) closeEngineConn(c engine.Conn) {
	if err := c.Close(); err != nil {
		p.l.Warn("Failed to close connection.", zap.Error(err))
	}
}
