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
	"github.com/prometheus/client_golang/prometheus"
)

// Parts of Prometheus metric names.
const (
	namespace = "accessdb"
	subsystem = "pool"
)

// Describe implements prometheus.Collector.
func (p *Pool) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(p, ch)
}

// Collect implements prometheus.Collector.
func (p *Pool) Collect(ch chan<- prometheus.Metric) {
	s := p.Stats()

	connections := prometheus.NewDesc(
		prometheus.BuildFQName(namespace, subsystem, "connections"),
		"The current number of connections by state.",
		[]string{"state"}, nil,
	)
	ch <- prometheus.MustNewConstMetric(connections, prometheus.GaugeValue, float64(s.ActiveConnections), "active")
	ch <- prometheus.MustNewConstMetric(connections, prometheus.GaugeValue, float64(s.IdleConnections), "idle")

	ch <- prometheus.MustNewConstMetric(
		prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "pending_requests"),
			"The current number of queued acquire requests.",
			nil, nil,
		),
		prometheus.GaugeValue,
		float64(s.PendingRequests),
	)

	for name, v := range map[string]struct {
		help  string
		value int64
	}{
		"created_total":   {"The total number of created connections.", s.TotalCreated},
		"destroyed_total": {"The total number of destroyed connections.", s.TotalDestroyed},
		"acquired_total":  {"The total number of leases.", s.TotalAcquired},
		"released_total":  {"The total number of releases.", s.TotalReleased},
		"errors_total":    {"The total number of acquire and create errors.", s.TotalErrors},
	} {
		ch <- prometheus.MustNewConstMetric(
			prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), v.help, nil, nil),
			prometheus.CounterValue,
			float64(v.value),
		)
	}

	ch <- prometheus.MustNewConstMetric(
		prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "acquire_seconds_avg"),
			"The average time to lease a connection, including waiting.",
			nil, nil,
		),
		prometheus.GaugeValue,
		s.AverageAcquireTime.Seconds(),
	)
}

// check interfaces
var (
	_ prometheus.Collector = (*Pool)(nil)
)
