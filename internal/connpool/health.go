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
	"time"

	"go.uber.org/zap"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/vulgatecnn/afa100-sub008/internal/util/lazyerrors"
	"github.com/vulgatecnn/afa100-sub008/internal/util/observability"
)

// checkQuery is a trivial round-trip statement.
const checkQuery = "SELECT 1"

// HealthStatus represents overall pool health.
type HealthStatus string

// Health statuses.
const (
	StatusHealthy  HealthStatus = "healthy"
	StatusDegraded HealthStatus = "degraded"
)

// ConnHealth represents the result of a single connection check.
type ConnHealth struct {
	ConnectionID string
	Success      bool
	ResponseTime time.Duration
	Err          error
}

// HealthReport represents [Pool.HealthCheck] result.
type HealthReport struct {
	Status      HealthStatus
	Connections []ConnHealth
	Stats       Stats
	Timestamp   time.Time
}

// HealthCheck checks every tracked connection, idle and leased, in creation order.
//
// Failed idle connections are destroyed.
// Failed leased connections are marked invalid and destroyed on release.
func (p *Pool) HealthCheck(ctx context.Context) (*HealthReport, error) {
	defer observability.FuncCall(ctx)()

	p.mu.Lock()

	if p.destroyed {
		p.mu.Unlock()
		return nil, lazyerrors.Error(ErrPoolDestroyed)
	}

	conns := maps.Values(p.conns)
	p.mu.Unlock()

	slices.SortFunc(conns, func(a, b *PooledConn) int {
		return a.createdAt.Compare(b.createdAt)
	})

	res := &HealthReport{
		Status:      StatusHealthy,
		Connections: make([]ConnHealth, 0, len(conns)),
	}

	var failed []*PooledConn

	for _, pc := range conns {
		start := time.Now()
		_, err := pc.conn.Get(ctx, checkQuery)

		h := ConnHealth{
			ConnectionID: pc.id,
			Success:      err == nil,
			ResponseTime: time.Since(start),
			Err:          err,
		}
		res.Connections = append(res.Connections, h)

		if err != nil {
			res.Status = StatusDegraded
			failed = append(failed, pc)

			p.l.Warn("Connection health check failed.", zap.String("id", pc.id), zap.Error(err))
		}
	}

	var victims []*PooledConn

	p.mu.Lock()

	for _, pc := range failed {
		if p.conns[pc.id] != pc {
			continue
		}

		if pc.inUse {
			pc.invalid = true
			continue
		}

		if i := slices.Index(p.idle, pc); i >= 0 {
			p.idle = slices.Delete(p.idle, i, i+1)
		}

		p.removeLocked(pc)
		victims = append(victims, pc)
	}

	p.mu.Unlock()

	for _, pc := range victims {
		p.closeConn(pc)
	}

	res.Stats = p.Stats()
	res.Timestamp = time.Now()

	return res, nil
}
