// Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
//
// WSO2 LLC. licenses this file to you under the Apache License,
// Version 2.0 (the "License"); you may not use this file except
// in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied. See the License for the
// specific language governing permissions and limitations
// under the License.

package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "permission_transitions_total",
			Help: "Committed permission status transitions by target status",
		},
		[]string{"status"},
	)

	TransitionErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "permission_transition_errors_total",
			Help: "Rejected permission transitions by cause",
		},
		[]string{"cause"},
	)

	SweepRunsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stale_sweep_runs_total",
			Help: "Completed stale sweep runs",
		},
	)

	SweepSkippedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stale_sweep_skipped_total",
			Help: "Sweep ticks skipped because a previous run was still active",
		},
	)

	SweepTransitionedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stale_sweep_transitioned_total",
			Help: "Permissions reclaimed by the stale sweep",
		},
	)

	SweepFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stale_sweep_failures_total",
			Help: "Per-permission failures during the stale sweep",
		},
	)

	EnvelopesRoutedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "envelopes_routed_total",
			Help: "Envelopes dispatched to subscribers or destinations by kind",
		},
		[]string{"kind"},
	)

	EnvelopesDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "envelopes_dropped_total",
			Help: "Envelopes dropped by kind and reason",
		},
		[]string{"kind", "reason"},
	)

	SourceFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "envelope_source_failures_total",
			Help: "Region connector streams dropped from the fan-in after an error",
		},
		[]string{"kind"},
	)

	ActiveSubscriptions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "envelope_subscriptions_active",
			Help: "Open subscriptions per envelope kind",
		},
		[]string{"kind"},
	)

	RetransmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retransmissions_total",
			Help: "Retransmission requests by outcome",
		},
		[]string{"outcome"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP API requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "status"},
	)
)

var registerOnce sync.Once

// Register registers all Prometheus metrics with the default registry.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(TransitionsTotal)
		prometheus.MustRegister(TransitionErrorsTotal)
		prometheus.MustRegister(SweepRunsTotal)
		prometheus.MustRegister(SweepSkippedTotal)
		prometheus.MustRegister(SweepTransitionedTotal)
		prometheus.MustRegister(SweepFailuresTotal)
		prometheus.MustRegister(EnvelopesRoutedTotal)
		prometheus.MustRegister(EnvelopesDroppedTotal)
		prometheus.MustRegister(SourceFailuresTotal)
		prometheus.MustRegister(ActiveSubscriptions)
		prometheus.MustRegister(RetransmissionsTotal)
		prometheus.MustRegister(HTTPRequestDuration)
	})
}
