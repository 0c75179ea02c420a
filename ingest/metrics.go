// Copyright 2025 Machine King Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the ingestion counters. Every increment is also written
// to the server log, so the counters survive in the event stream even
// when nothing scrapes the registry.
type Metrics struct {
	Batches     *prometheus.CounterVec // index
	Events      *prometheus.CounterVec // index, source_type
	ParseErrors prometheus.Counter
	Dropped     *prometheus.CounterVec // reason
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Batches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lognog",
			Subsystem: "ingest",
			Name:      "batches_total",
			Help:      "Batches flushed to the event store.",
		}, []string{"index"}),
		Events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lognog",
			Subsystem: "ingest",
			Name:      "events_total",
			Help:      "Events accepted, by index and wire format.",
		}, []string{"index", "source_type"}),
		ParseErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "lognog",
			Subsystem: "ingest",
			Name:      "parse_errors_total",
			Help:      "Frames that fell through to the raw parser.",
		}),
		Dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lognog",
			Subsystem: "ingest",
			Name:      "dropped_total",
			Help:      "Events discarded, by reason (overflow, write_failed).",
		}, []string{"reason"}),
	}
}
