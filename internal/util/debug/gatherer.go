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

package debug

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"go.uber.org/zap"
)

// defaultCacheTTL is the default lifetime of cached pool and transaction metrics.
const defaultCacheTTL = time.Second

// cachingGatherer serves metric families gathered at most once per TTL.
//
// Graphs refresh every second and the metrics handler may be scraped at the same time,
// so both share one gatherer.
// If gathering fails without returning any families, the last good result is served.
type cachingGatherer struct {
	next prometheus.Gatherer
	ttl  time.Duration
	l    *zap.Logger

	mu       sync.Mutex
	families []*dto.MetricFamily
	expires  time.Time
}

// newGatherer returns a gatherer over next.
//
// Zero or negative ttl means defaultCacheTTL.
func newGatherer(next prometheus.Gatherer, ttl time.Duration, l *zap.Logger) *cachingGatherer {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}

	return &cachingGatherer{
		next: next,
		ttl:  ttl,
		l:    l,
	}
}

// Gather implements [prometheus.Gatherer].
//
// Errors are logged, not returned.
func (cg *cachingGatherer) Gather() ([]*dto.MetricFamily, error) {
	cg.mu.Lock()
	defer cg.mu.Unlock()

	now := time.Now()
	if now.Before(cg.expires) {
		return cg.families, nil
	}

	families, err := cg.next.Gather()

	switch {
	case err == nil:
		cg.l.Debug("Metrics gathered.", zap.Int("families", len(families)), zap.Duration("took", time.Since(now)))

	case len(families) == 0 && cg.families != nil:
		cg.l.Warn("Failed to gather metrics, serving previous result.", zap.Error(err))
		families = cg.families

	default:
		cg.l.Warn("Metrics gathered partially.", zap.Int("families", len(families)), zap.Error(err))
	}

	cg.families = families
	cg.expires = now.Add(cg.ttl)

	return families, nil
}

// check interfaces
var (
	_ prometheus.Gatherer = (*cachingGatherer)(nil)
)
