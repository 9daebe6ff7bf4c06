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
	"github.com/arl/statsviz"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/vulgatecnn/afa100-sub008/internal/util/lazyerrors"
)

// plotter builds statsviz plots from Prometheus metrics.
type plotter struct {
	g prometheus.Gatherer
}

// newPlotter returns a new plotter.
func newPlotter(g prometheus.Gatherer) *plotter {
	return &plotter{
		g: g,
	}
}

// series describes a single plotted metric.
type series struct {
	name       string
	metric     string
	labelName  string
	labelValue string
}

// plots returns pool and transaction plots.
func (p *plotter) plots() ([]statsviz.TimeSeriesPlot, error) {
	var res []statsviz.TimeSeriesPlot

	for _, c := range []struct {
		name   string
		title  string
		info   string
		yTitle string
		series []series
	}{
		{
			name:   "pool-connections",
			title:  "Pool connections",
			info:   "Leased and idle physical connections.",
			yTitle: "connections",
			series: []series{
				{name: "active", metric: "accessdb_pool_connections", labelName: "state", labelValue: "active"},
				{name: "idle", metric: "accessdb_pool_connections", labelName: "state", labelValue: "idle"},
			},
		},
		{
			name:   "pool-pending",
			title:  "Pending acquire requests",
			info:   "Callers waiting for a connection.",
			yTitle: "requests",
			series: []series{
				{name: "pending", metric: "accessdb_pool_pending_requests"},
			},
		},
		{
			name:   "txn-active",
			title:  "Active transactions",
			info:   "Transactions between Begin and a terminal state, nested included.",
			yTitle: "transactions",
			series: []series{
				{name: "active", metric: "accessdb_txn_active"},
			},
		},
	} {
		ts := make([]statsviz.TimeSeries, len(c.series))
		for i, s := range c.series {
			s := s
			ts[i] = statsviz.TimeSeries{
				Name:    s.name,
				Unitfmt: "%{y:.4s}",
				GetValue: func() float64 {
					return p.value(s)
				},
			}
		}

		plot, err := statsviz.TimeSeriesPlotConfig{
			Name:       c.name,
			Title:      c.title,
			Type:       statsviz.Scatter,
			InfoText:   c.info,
			YAxisTitle: c.yTitle,
			Series:     ts,
		}.Build()
		if err != nil {
			return nil, lazyerrors.Error(err)
		}

		res = append(res, plot)
	}

	return res, nil
}

// value returns the current metric value, or 0 if it is not found.
func (p *plotter) value(s series) float64 {
	mfs, _ := p.g.Gather()

	for _, mf := range mfs {
		if mf.GetName() != s.metric {
			continue
		}

		for _, m := range mf.GetMetric() {
			if s.labelName != "" && !hasLabel(m, s.labelName, s.labelValue) {
				continue
			}

			return metricValue(mf.GetType(), m)
		}
	}

	return 0
}

// hasLabel returns true if metric has the given label pair.
func hasLabel(m *dto.Metric, name, value string) bool {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name && lp.GetValue() == value {
			return true
		}
	}

	return false
}

// metricValue returns a single value of the metric.
func metricValue(t dto.MetricType, m *dto.Metric) float64 {
	switch t {
	case dto.MetricType_COUNTER:
		return m.GetCounter().GetValue()
	case dto.MetricType_GAUGE:
		return m.GetGauge().GetValue()
	case dto.MetricType_UNTYPED:
		return m.GetUntyped().GetValue()
	case dto.MetricType_SUMMARY:
		return m.GetSummary().GetSampleSum()
	case dto.MetricType_HISTOGRAM:
		return m.GetHistogram().GetSampleSum()
	default:
		return 0
	}
}
