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
	"github.com/prometheus/client_golang/prometheus"
)

// Parts of Prometheus metric names.
const (
	namespace = "accessdb"
	subsystem = "txn"
)

// Describe implements prometheus.Collector.
func (r *Registry) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(r, ch)
}

// Collect implements prometheus.Collector.
func (r *Registry) Collect(ch chan<- prometheus.Metric) {
	s := r.TransactionStats()

	ch <- prometheus.MustNewConstMetric(
		prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "active"),
			"The current number of active transactions.",
			nil, nil,
		),
		prometheus.GaugeValue,
		float64(s.ActiveCount),
	)

	ch <- prometheus.MustNewConstMetric(
		prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "created_total"),
			"The total number of created transactions.",
			nil, nil,
		),
		prometheus.CounterValue,
		float64(s.TotalCreated),
	)

	completed := prometheus.NewDesc(
		prometheus.BuildFQName(namespace, subsystem, "completed_total"),
		"The total number of finished transactions by final state.",
		[]string{"state"}, nil,
	)

	r.rw.RLock()

	for _, state := range []State{Committed, RolledBack, Failed} {
		ch <- prometheus.MustNewConstMetric(completed, prometheus.CounterValue, float64(r.completed[state]), state.String())
	}

	r.rw.RUnlock()

	ch <- prometheus.MustNewConstMetric(
		prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "duration_seconds_avg"),
			"The average duration of finished transactions.",
			nil, nil,
		),
		prometheus.GaugeValue,
		s.AverageDuration.Seconds(),
	)
}

// check interfaces
var (
	_ prometheus.Collector = (*Registry)(nil)
)
