// Package metrics exposes a worker's Prometheus instrumentation, built
// the same way as scheduler/internal/metrics: a struct of
// promauto-registered vectors plus small Record* helpers, grounded on
// pkg/metrics/prometheus.go from the logistics example.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is a worker process's metric container.
type Metrics struct {
	gatherer prometheus.Gatherer

	TasksCompletedTotal *prometheus.CounterVec
	TaskDuration        *prometheus.HistogramVec
	ActiveTasks         prometheus.Gauge
}

// New registers all metrics against reg, namespacing them with
// workerType so one Prometheus instance can scrape many worker
// processes bound to different worker types.
func New(reg *prometheus.Registry, workerType string) *Metrics {
	factory := promauto.With(reg)
	constLabels := prometheus.Labels{"worker_type": workerType}

	return &Metrics{
		gatherer: reg,

		TasksCompletedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   "kpipeline",
				Subsystem:   "worker",
				Name:        "tasks_completed_total",
				Help:        "Stage tasks this worker has finished, by outcome.",
				ConstLabels: constLabels,
			},
			[]string{"outcome"}, // ok, job_failure, aborted, yielded, unexpected_failure
		),

		TaskDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   "kpipeline",
				Subsystem:   "worker",
				Name:        "task_duration_seconds",
				Help:        "Wall-clock time spent running one stage task in the harness, from task start to outcome.",
				Buckets:     prometheus.ExponentialBuckets(1, 2, 12), // 1s .. ~34min
				ConstLabels: constLabels,
			},
			[]string{"outcome"},
		),

		ActiveTasks: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace:   "kpipeline",
				Subsystem:   "worker",
				Name:        "active_tasks",
				Help:        "1 while a task is running, 0 while idle (this worker runs one task at a time).",
				ConstLabels: constLabels,
			},
		),
	}
}

// RecordTask records the outcome and duration of one completed task.
func (m *Metrics) RecordTask(outcome string, duration time.Duration) {
	m.TasksCompletedTotal.WithLabelValues(outcome).Inc()
	m.TaskDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// Handler returns the HTTP handler to mount at /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
