// Package metrics defines the Prometheus instrumentation for the engine.
//
// Exposed series:
//   - arb_executions_total{result}            — executions by outcome (success|single_leg|failed)
//   - arb_execution_duration_seconds          — end-to-end execution latency
//   - arb_single_leg_exposures_total          — one-leg-filled events
//   - arb_exits_total{type}                   — exits by trigger (take_profit|stop_loss|time_based)
//   - arb_normalize_duration_ms{venue}        — per-call book normalization latency
//   - arb_degradation_active{venue}           — 1 while the degradation protocol is active
//   - arb_reconciliation_discrepancies_total{kind}
//
// All collectors are registered via promauto and served at /metrics on the
// dashboard mux (Prometheus text exposition format).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arb_executions_total",
			Help: "Opportunity executions by outcome",
		},
		[]string{"result"}, // success | single_leg | failed
	)

	ExecutionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "arb_execution_duration_seconds",
			Help:    "End-to-end two-leg execution latency",
			Buckets: prometheus.DefBuckets,
		},
	)

	SingleLegExposures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "arb_single_leg_exposures_total",
			Help: "Executions that left one leg unhedged",
		},
	)

	ExitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arb_exits_total",
			Help: "Position exits by trigger type",
		},
		[]string{"type"},
	)

	NormalizeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "arb_normalize_duration_ms",
			Help:    "Order book normalization latency in milliseconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 50, 100, 500, 1000},
		},
		[]string{"venue"},
	)

	DegradationActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "arb_degradation_active",
			Help: "1 while the degradation protocol is active for a venue",
		},
		[]string{"venue"},
	)

	ReconDiscrepancies = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arb_reconciliation_discrepancies_total",
			Help: "Reconciliation discrepancies by kind",
		},
		[]string{"kind"},
	)
)
