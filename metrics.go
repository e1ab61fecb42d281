//  Copyright (c) 2024 Couchbase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// 		http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package fathom

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the engine's instrumentation points. They are plain
// collectors; call Register to expose them, or leave them unregistered
// and they cost almost nothing.
type Metrics struct {
	DocsAdded       prometheus.Counter
	DocsDeleted     prometheus.Counter
	Flushes         prometheus.Counter
	Merges          prometheus.Counter
	ActiveSnapshots prometheus.Gauge
	QuerySeconds    prometheus.Histogram
}

func NewMetrics() *Metrics {
	return &Metrics{
		DocsAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fathom", Name: "docs_added_total",
			Help: "Documents accepted into the RAM buffer.",
		}),
		DocsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fathom", Name: "docs_deleted_total",
			Help: "Documents marked deleted at flush time.",
		}),
		Flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fathom", Name: "flushes_total",
			Help: "RAM buffer flushes producing a segment.",
		}),
		Merges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fathom", Name: "merges_total",
			Help: "Completed background segment merges.",
		}),
		ActiveSnapshots: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fathom", Name: "active_snapshots",
			Help: "Open point-in-time index snapshots.",
		}),
		QuerySeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fathom", Name: "query_seconds",
			Help:    "Query execution latency.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
	}
}

// Register registers every collector with r.
func (m *Metrics) Register(r prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.DocsAdded, m.DocsDeleted, m.Flushes, m.Merges,
		m.ActiveSnapshots, m.QuerySeconds,
	} {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}
