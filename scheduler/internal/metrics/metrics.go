// Package metrics exposes the scheduler's Prometheus instrumentation,
// grounded on pkg/metrics/prometheus.go from the logistics example: a
// struct of promauto-registered vectors plus small Record* helpers
// rather than scattering prometheus calls through business logic.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the scheduler's metric container.
type Metrics struct {
	gatherer prometheus.Gatherer

	QueueDepth *prometheus.GaugeVec

	ClaimOutcomesTotal *prometheus.CounterVec

	RPCLatency *prometheus.HistogramVec
	RPCErrors  *prometheus.CounterVec

	JobsCompletedTotal *prometheus.CounterVec
	StaleSweptTotal     prometheus.Counter

	ActiveJobs prometheus.Gauge
}

// New registers all metrics against reg. Pass prometheus.NewRegistry()
// in tests to avoid collisions with the global default registry.
func New(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		gatherer: reg,

		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "kpipeline",
				Subsystem: "scheduler",
				Name:      "queue_depth",
				Help:      "Approximate number of ready messages on a stage queue; registered but not set by the scheduler process.",
			},
			[]string{"worker_type"},
		),

		ClaimOutcomesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "kpipeline",
				Subsystem: "scheduler",
				Name:      "claim_outcomes_total",
				Help:      "Outcomes of focus_job claim attempts.",
			},
			[]string{"outcome"}, // focused, rejected
		),

		RPCLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "kpipeline",
				Subsystem: "scheduler",
				Name:      "rpc_duration_seconds",
				Help:      "Handler latency for each scheduler RPC.",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"rpc"},
		),

		RPCErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "kpipeline",
				Subsystem: "scheduler",
				Name:      "rpc_errors_total",
				Help:      "Errors returned by scheduler RPC handlers.",
			},
			[]string{"rpc"},
		),

		JobsCompletedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "kpipeline",
				Subsystem: "scheduler",
				Name:      "jobs_completed_total",
				Help:      "Jobs that reached a terminal status.",
			},
			[]string{"status"}, // succeeded, failed, aborted
		),

		StaleSweptTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "kpipeline",
				Subsystem: "scheduler",
				Name:      "stale_jobs_swept_total",
				Help:      "Digests reclaimed by the crash-recovery sweep (startup or recurring).",
			},
		),

		ActiveJobs: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "kpipeline",
				Subsystem: "scheduler",
				Name:      "active_jobs",
				Help:      "Jobs currently InProgress; registered but not set by the scheduler process.",
			},
		),
	}
}

// ObserveRPC wraps an RPC handler invocation, recording latency and
// incrementing RPCErrors when fn returns a non-nil error.
func (m *Metrics) ObserveRPC(rpcName string, fn func() error) error {
	start := time.Now()
	err := fn()
	m.RPCLatency.WithLabelValues(rpcName).Observe(time.Since(start).Seconds())
	if err != nil {
		m.RPCErrors.WithLabelValues(rpcName).Inc()
	}
	return err
}

// RecordClaimOutcome increments the claim-outcome counter for outcome.
func (m *Metrics) RecordClaimOutcome(outcome string) {
	m.ClaimOutcomesTotal.WithLabelValues(outcome).Inc()
}

// RecordJobCompleted increments the terminal-status counter. The
// scheduler's RPC handlers and HTTP facade do not call it.
func (m *Metrics) RecordJobCompleted(status string) {
	m.JobsCompletedTotal.WithLabelValues(status).Inc()
}

// Handler returns the HTTP handler to mount at /metrics, serving
// exactly the registry this Metrics was built against.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
