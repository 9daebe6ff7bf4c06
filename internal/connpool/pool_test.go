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
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vulgatecnn/afa100-sub008/internal/engine/enginetest"
	"github.com/vulgatecnn/afa100-sub008/internal/util/testutil"
	"github.com/vulgatecnn/afa100-sub008/internal/util/testutil/teststress"
)

// setup creates a new pool over a fake engine.
func setup(t *testing.T, config *Config) (*Pool, *enginetest.Engine) {
	t.Helper()

	e := enginetest.New()

	p, err := New(e, config, testutil.Logger(t))
	require.NoError(t, err)

	t.Cleanup(p.Destroy)

	return p, e
}

// acquireN leases n connections.
func acquireN(t *testing.T, p *Pool, n int) []*PooledConn {
	t.Helper()

	ctx := testutil.Ctx(t)

	res := make([]*PooledConn, n)
	for i := range res {
		pc, err := p.Acquire(ctx)
		require.NoError(t, err)

		res[i] = pc
	}

	return res
}

// creatingSlots returns the number of reserved creation slots.
func (p *Pool) creatingSlots() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.creating
}

// acquireAsync starts Acquire in a goroutine and waits until it is queued.
func acquireAsync(t *testing.T, p *Pool) (<-chan *PooledConn, <-chan error) {
	t.Helper()

	ctx := testutil.Ctx(t)
	pending := p.Stats().PendingRequests

	connCh := make(chan *PooledConn, 1)
	errCh := make(chan error, 1)

	go func() {
		pc, err := p.Acquire(ctx)
		if err != nil {
			errCh <- err
			return
		}

		connCh <- pc
	}()

	require.Eventually(t, func() bool {
		return p.Stats().PendingRequests == pending+1
	}, time.Second, time.Millisecond)

	return connCh, errCh
}

func TestInitialize(t *testing.T) {
	t.Parallel()

	for name, config := range map[string]*Config{
		"Default":  nil,
		"ZeroMin":  {Min: 0, Max: 2},
		"MinIsMax": {Min: 3, Max: 3},
		"Range":    {Min: 2, Max: 5},
	} {
		name, config := name, config
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			p, e := setup(t, config)
			require.NoError(t, p.Initialize(testutil.Ctx(t)))

			c := p.Config()
			s := p.Stats()
			assert.Equal(t, c.Min, s.TotalConnections)
			assert.LessOrEqual(t, c.Min, s.TotalConnections)
			assert.LessOrEqual(t, s.TotalConnections, c.Max)
			assert.Equal(t, s.TotalConnections, s.IdleConnections)
			assert.Len(t, e.Conns(), c.Min)
		})
	}
}

func TestInitializeFailures(t *testing.T) {
	t.Parallel()

	t.Run("Tolerated", func(t *testing.T) {
		t.Parallel()

		p, e := setup(t, &Config{Min: 3, Max: 3, CreateRetryInterval: time.Millisecond})
		e.FailNextOpens(1, errors.New("disk I/O error"))

		require.NoError(t, p.Initialize(testutil.Ctx(t)))

		s := p.Stats()
		assert.Equal(t, 2, s.TotalConnections)
		assert.Equal(t, int64(1), s.TotalErrors)
	})

	t.Run("NoConnections", func(t *testing.T) {
		t.Parallel()

		p, e := setup(t, &Config{Min: 2, Max: 2, CreateRetryInterval: time.Millisecond})
		e.FailOpens(errors.New("unable to open database file"))

		err := p.Initialize(testutil.Ctx(t))
		require.ErrorIs(t, err, ErrCreateFailure)
		assert.ErrorContains(t, err, "unable to open database file")

		s := p.Stats()
		assert.Equal(t, 0, s.TotalConnections)
		assert.Equal(t, int64(2), s.TotalErrors)
	})

	t.Run("Timeout", func(t *testing.T) {
		t.Parallel()

		p, e := setup(t, &Config{Min: 1, Max: 1, CreateTimeout: 20 * time.Millisecond})
		e.SetOpenDelay(100 * time.Millisecond)

		err := p.Initialize(testutil.Ctx(t))
		require.ErrorIs(t, err, ErrCreateTimeout)

		// creation completes anyway
		require.Eventually(t, func() bool {
			return p.Stats().IdleConnections == 1
		}, time.Second, time.Millisecond)
	})
}

func TestAcquireRelease(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)

	p, _ := setup(t, &Config{Min: 2, Max: 4})
	require.NoError(t, p.Initialize(ctx))

	held := acquireN(t, p, 1)[0]
	before := p.Stats()

	pc, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, pc.InUse())
	assert.True(t, pc.IsValid())
	assert.NotSame(t, held, pc)

	p.Release(pc)
	assert.False(t, pc.InUse())

	after := p.Stats()
	assert.Equal(t, before.ActiveConnections, after.ActiveConnections)
	assert.Equal(t, before.IdleConnections, after.IdleConnections)
	assert.Equal(t, before.TotalAcquired+1, after.TotalAcquired)
	assert.Equal(t, before.TotalReleased+1, after.TotalReleased)

	// the most recently released connection is reused
	again, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Same(t, pc, again)
	assert.False(t, again.LastUsedAt().Before(pc.CreatedAt()))
}

func TestReleaseIgnored(t *testing.T) {
	t.Parallel()

	p, _ := setup(t, &Config{Min: 0, Max: 2})
	other, _ := setup(t, &Config{Min: 0, Max: 2})

	pc := acquireN(t, p, 1)[0]
	foreign := acquireN(t, other, 1)[0]
	before := p.Stats()

	p.Release(nil)
	p.Release(foreign)
	assert.Equal(t, before, p.Stats())

	p.Release(pc)
	after := p.Stats()

	p.Release(pc)
	assert.Equal(t, after, p.Stats())
}

func TestFIFO(t *testing.T) {
	t.Parallel()

	p, _ := setup(t, &Config{Min: 0, Max: 3, AcquireTimeout: 10 * time.Second})

	conns := acquireN(t, p, 3)

	var waiters []<-chan *PooledConn

	for i := 0; i < 3; i++ {
		ch, _ := acquireAsync(t, p)
		waiters = append(waiters, ch)
		assert.Equal(t, i+1, p.Stats().PendingRequests)
	}

	for i, ch := range waiters {
		p.Release(conns[i])

		// hand-off is immediate
		select {
		case pc := <-ch:
			assert.Same(t, conns[i], pc)
		case <-time.After(time.Second):
			t.Fatalf("waiter %d was not resolved", i)
		}

		s := p.Stats()
		assert.Equal(t, len(waiters)-i-1, s.PendingRequests)
		assert.Equal(t, 3, s.ActiveConnections)
		assert.Equal(t, 0, s.IdleConnections)
	}
}

func TestScenario(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)

	p, _ := setup(t, &Config{Min: 1, Max: 3, AcquireTimeout: 100 * time.Millisecond})
	require.NoError(t, p.Initialize(ctx))

	conns := acquireN(t, p, 3)

	connCh, errCh := acquireAsync(t, p)
	assert.Equal(t, 1, p.Stats().PendingRequests)

	p.Release(conns[0])

	select {
	case pc := <-connCh:
		assert.Same(t, conns[0], pc)
	case err := <-errCh:
		t.Fatal(err)
	}

	s := p.Stats()
	assert.Equal(t, 3, s.ActiveConnections)
	assert.Equal(t, 0, s.IdleConnections)
	assert.Equal(t, 0, s.PendingRequests)

	start := time.Now()

	_, err := p.Acquire(ctx)
	require.ErrorIs(t, err, ErrAcquireTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	after := p.Stats()
	assert.Equal(t, s.TotalErrors+1, after.TotalErrors)
	assert.Equal(t, 0, after.PendingRequests)
}

func TestAcquireCreate(t *testing.T) {
	t.Parallel()

	t.Run("Failure", func(t *testing.T) {
		t.Parallel()

		p, e := setup(t, &Config{Min: 0, Max: 1})
		e.FailNextOpens(1, errors.New("disk I/O error"))

		_, err := p.Acquire(testutil.Ctx(t))
		require.ErrorIs(t, err, ErrCreateFailure)

		s := p.Stats()
		assert.Equal(t, int64(1), s.TotalErrors)
		assert.Equal(t, 0, s.TotalConnections)

		// the slot is free again
		pc, err := p.Acquire(testutil.Ctx(t))
		require.NoError(t, err)
		p.Release(pc)
	})

	t.Run("Timeout", func(t *testing.T) {
		t.Parallel()

		p, e := setup(t, &Config{Min: 0, Max: 1, CreateTimeout: 20 * time.Millisecond})
		e.SetOpenDelay(100 * time.Millisecond)

		_, err := p.Acquire(testutil.Ctx(t))
		require.ErrorIs(t, err, ErrCreateTimeout)
		assert.Equal(t, int64(1), p.Stats().TotalErrors)

		// late connection joins the idle set
		require.Eventually(t, func() bool {
			s := p.Stats()
			return s.IdleConnections == 1 && s.TotalConnections == 1
		}, time.Second, time.Millisecond)

		e.SetOpenDelay(0)

		pc, err := p.Acquire(testutil.Ctx(t))
		require.NoError(t, err)
		assert.Len(t, e.Conns(), 1)
		p.Release(pc)
	})

	// a request queued behind a failed creation gets the freed slot
	for name, failures := range map[string]int{
		"FailureWithQueue": 1,
		"RetryWhileQueued": 3,
	} {
		name, failures := name, failures
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			p, e := setup(t, &Config{
				Min:                 0,
				Max:                 1,
				AcquireTimeout:      5 * time.Second,
				CreateRetryInterval: 10 * time.Millisecond,
			})
			e.SetOpenDelay(100 * time.Millisecond)
			e.FailNextOpens(failures, errors.New("disk I/O error"))

			firstErr := make(chan error, 1)

			go func() {
				_, err := p.Acquire(testutil.Ctx(t))
				firstErr <- err
			}()

			require.Eventually(t, func() bool {
				return p.creatingSlots() == 1
			}, time.Second, time.Millisecond)

			start := time.Now()
			connCh, errCh := acquireAsync(t, p)
			e.SetOpenDelay(0)

			require.ErrorIs(t, <-firstErr, ErrCreateFailure)

			select {
			case pc := <-connCh:
				assert.Less(t, time.Since(start), 2*time.Second)
				p.Release(pc)
			case err := <-errCh:
				t.Fatalf("queued request was rejected although the pool is empty: %s", err)
			}

			s := p.Stats()
			assert.Equal(t, int64(failures), s.TotalErrors)
			assert.Equal(t, 1, s.TotalConnections)
			assert.Equal(t, 0, s.PendingRequests)
		})
	}
}

func TestAcquireCanceled(t *testing.T) {
	t.Parallel()

	p, _ := setup(t, &Config{Min: 0, Max: 1, AcquireTimeout: 10 * time.Second})
	pc := acquireN(t, p, 1)[0]

	ctx, cancel := context.WithCancel(testutil.Ctx(t))
	errCh := make(chan error, 1)

	go func() {
		_, err := p.Acquire(ctx)
		errCh <- err
	}()

	require.Eventually(t, func() bool {
		return p.Stats().PendingRequests == 1
	}, time.Second, time.Millisecond)

	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)
	assert.Equal(t, 0, p.Stats().PendingRequests)

	// released connection goes to idle, not to the abandoned request
	p.Release(pc)
	assert.Equal(t, 1, p.Stats().IdleConnections)
}

func TestReaper(t *testing.T) {
	t.Parallel()

	t.Run("Periodic", func(t *testing.T) {
		t.Parallel()

		p, _ := setup(t, &Config{
			Min:          1,
			Max:          3,
			IdleTimeout:  100 * time.Millisecond,
			ReapInterval: 50 * time.Millisecond,
		})
		require.NoError(t, p.Initialize(testutil.Ctx(t)))

		for _, pc := range acquireN(t, p, 3) {
			p.Release(pc)
		}

		require.Equal(t, 3, p.Stats().IdleConnections)

		require.Eventually(t, func() bool {
			return p.Stats().TotalConnections == 1
		}, 2*time.Second, 10*time.Millisecond)

		time.Sleep(200 * time.Millisecond)

		s := p.Stats()
		assert.Equal(t, 1, s.TotalConnections)
		assert.Equal(t, int64(2), s.TotalDestroyed)
	})

	t.Run("Leased", func(t *testing.T) {
		t.Parallel()

		p, e := setup(t, &Config{Min: 0, Max: 3, IdleTimeout: time.Millisecond, ReapInterval: time.Hour})

		conns := acquireN(t, p, 2)
		p.Release(conns[1])

		assert.Equal(t, 1, p.reap(time.Now().Add(time.Minute)))

		s := p.Stats()
		assert.Equal(t, 1, s.TotalConnections)
		assert.Equal(t, 1, s.ActiveConnections)
		assert.True(t, conns[0].InUse())
		assert.False(t, e.Conns()[0].Closed())
		assert.True(t, e.Conns()[1].Closed())

		assert.Equal(t, 0, p.reap(time.Now().Add(time.Minute)))
	})

	t.Run("Fresh", func(t *testing.T) {
		t.Parallel()

		p, _ := setup(t, &Config{Min: 0, Max: 3, IdleTimeout: time.Hour, ReapInterval: time.Hour})

		for _, pc := range acquireN(t, p, 2) {
			p.Release(pc)
		}

		assert.Equal(t, 0, p.reap(time.Now()))
		assert.Equal(t, 2, p.Stats().IdleConnections)
	})
}

func TestDestroy(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)

	p, e := setup(t, &Config{Min: 2, Max: 2, AcquireTimeout: 10 * time.Second})
	require.NoError(t, p.Initialize(ctx))

	conns := acquireN(t, p, 2)
	_, errCh := acquireAsync(t, p)

	p.Destroy()
	p.Destroy()

	require.ErrorIs(t, <-errCh, ErrPoolDestroyed)

	for i := 0; i < 3; i++ {
		_, err := p.Acquire(ctx)
		require.ErrorIs(t, err, ErrPoolDestroyed)
	}

	_, err := p.HealthCheck(ctx)
	require.ErrorIs(t, err, ErrPoolDestroyed)

	for _, c := range e.Conns() {
		assert.True(t, c.Closed())
	}

	p.Release(conns[0])

	s := p.Stats()
	assert.Equal(t, 0, s.TotalConnections)
	assert.Equal(t, 0, s.PendingRequests)
	assert.Equal(t, int64(2), s.TotalDestroyed)
}

func TestHealthCheck(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)

	p, e := setup(t, &Config{Min: 2, Max: 2})
	require.NoError(t, p.Initialize(ctx))

	report, err := p.HealthCheck(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusHealthy, report.Status)
	require.Len(t, report.Connections, 2)

	for _, h := range report.Connections {
		assert.True(t, h.Success)
		assert.NoError(t, h.Err)
	}

	assert.Equal(t, 2, report.Stats.TotalConnections)
	assert.False(t, report.Timestamp.IsZero())

	leased := acquireN(t, p, 1)[0]

	for _, c := range e.Conns() {
		assert.Equal(t, []string{checkQuery}, c.Statements())
		c.Fail(checkQuery, errors.New("disk I/O error"))
	}

	report, err = p.HealthCheck(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusDegraded, report.Status)
	require.Len(t, report.Connections, 2)

	for _, h := range report.Connections {
		assert.False(t, h.Success)
		assert.ErrorContains(t, h.Err, "disk I/O error")
	}

	// idle connection is destroyed, leased one is marked
	assert.Equal(t, 1, report.Stats.TotalConnections)
	assert.Equal(t, 1, report.Stats.ActiveConnections)
	assert.False(t, leased.IsValid())

	p.Release(leased)

	s := p.Stats()
	assert.Equal(t, 0, s.TotalConnections)
	assert.Equal(t, int64(2), s.TotalDestroyed)

	for _, c := range e.Conns() {
		assert.True(t, c.Closed())
	}
}

func TestReleaseInvalidReplenish(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)

	p, e := setup(t, &Config{Min: 0, Max: 1, AcquireTimeout: 10 * time.Second})

	pc := acquireN(t, p, 1)[0]
	e.Conns()[0].Fail(checkQuery, errors.New("disk I/O error"))

	_, err := p.HealthCheck(ctx)
	require.NoError(t, err)
	require.False(t, pc.IsValid())

	connCh, errCh := acquireAsync(t, p)

	p.Release(pc)

	select {
	case got := <-connCh:
		assert.NotSame(t, pc, got)
		assert.True(t, got.IsValid())
		p.Release(got)
	case err = <-errCh:
		t.Fatal(err)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter was not resolved")
	}

	assert.Len(t, e.Conns(), 2)
	assert.True(t, e.Conns()[0].Closed())
}

func TestEvents(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)

	p, _ := setup(t, &Config{Min: 0, Max: 1, AcquireTimeout: 50 * time.Millisecond})

	var mu sync.Mutex
	var got []Event

	unsubscribe := p.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()

		got = append(got, e)
	})

	pc, err := p.Acquire(ctx)
	require.NoError(t, err)

	_, err = p.Acquire(ctx)
	require.ErrorIs(t, err, ErrAcquireTimeout)

	p.Release(pc)

	p.Destroy()
	unsubscribe()

	mu.Lock()
	defer mu.Unlock()

	types := make([]EventType, len(got))
	for i, ev := range got {
		types[i] = ev.Type
	}

	expected := []EventType{
		EventConnectionCreated,
		EventConnectionAcquired,
		EventPoolFull,
		EventError,
		EventConnectionReleased,
		EventConnectionDestroyed,
	}
	require.Equal(t, expected, types)

	assert.Equal(t, pc.ID(), got[0].ConnectionID)
	assert.Equal(t, pc.ID(), got[1].ConnectionID)
	assert.ErrorIs(t, got[3].Err, ErrAcquireTimeout)
	assert.Equal(t, pc.ID(), got[5].ConnectionID)
}

func TestStress(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)

	const maxConns = 4

	p, e := setup(t, &Config{Min: 1, Max: maxConns, AcquireTimeout: 30 * time.Second})
	require.NoError(t, p.Initialize(ctx))

	var held sync.Map
	var active, peak atomic.Int32

	teststress.Stress(t, func(ready chan<- struct{}, start <-chan struct{}) {
		ready <- struct{}{}
		<-start

		for i := 0; i < 20; i++ {
			pc, err := p.Acquire(ctx)
			if !assert.NoError(t, err) {
				return
			}

			_, loaded := held.LoadOrStore(pc.ID(), struct{}{})
			assert.False(t, loaded, "connection %s leased twice", pc.ID())

			n := active.Add(1)
			for {
				m := peak.Load()
				if n <= m || peak.CompareAndSwap(m, n) {
					break
				}
			}

			_, err = pc.Conn().Run(ctx, "INSERT INTO t VALUES (?)", i)
			assert.NoError(t, err)

			active.Add(-1)
			held.Delete(pc.ID())
			p.Release(pc)
		}
	})

	s := p.Stats()
	assert.Equal(t, 0, s.ActiveConnections)
	assert.Equal(t, 0, s.PendingRequests)
	assert.Equal(t, s.TotalAcquired, s.TotalReleased)
	assert.LessOrEqual(t, s.TotalConnections, maxConns)
	assert.LessOrEqual(t, len(e.Conns()), maxConns)
	assert.LessOrEqual(t, peak.Load(), int32(maxConns))
	assert.Zero(t, s.TotalErrors)
}

func TestCollector(t *testing.T) {
	t.Parallel()

	p, _ := setup(t, &Config{Min: 0, Max: 2})

	pc := acquireN(t, p, 1)[0]
	p.Release(pc)
	acquireN(t, p, 1)

	assert.Equal(t, 9, promtestutil.CollectAndCount(p))

	expected := `
		# HELP accessdb_pool_connections The current number of connections by state.
		# TYPE accessdb_pool_connections gauge
		accessdb_pool_connections{state="active"} 1
		accessdb_pool_connections{state="idle"} 0
		# HELP accessdb_pool_acquired_total The total number of leases.
		# TYPE accessdb_pool_acquired_total counter
		accessdb_pool_acquired_total 2
		# HELP accessdb_pool_released_total The total number of releases.
		# TYPE accessdb_pool_released_total counter
		accessdb_pool_released_total 1
	`
	err := promtestutil.CollectAndCompare(
		p, strings.NewReader(expected),
		"accessdb_pool_connections", "accessdb_pool_acquired_total", "accessdb_pool_released_total",
	)
	assert.NoError(t, err)
}
