package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the queue's prometheus collectors.
type Metrics struct {
	enqueued      *prometheus.CounterVec
	finished      *prometheus.CounterVec
	applyDuration *prometheus.HistogramVec
	pending       prometheus.Gauge
	workers       prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		enqueued: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docgate",
			Subsystem: "queue",
			Name:      "tasks_enqueued_total",
			Help:      "Tasks accepted, by task type",
		}, []string{"type"}),

		finished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docgate",
			Subsystem: "queue",
			Name:      "tasks_finished_total",
			Help:      "Tasks that reached a terminal status, by task type and status",
		}, []string{"type", "status"}),

		applyDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "docgate",
			Subsystem: "queue",
			Name:      "apply_duration_seconds",
			Help:      "Time spent applying a mutation to the engine, retries included",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		}, []string{"type"}),

		pending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "docgate",
			Subsystem: "queue",
			Name:      "pending_tasks",
			Help:      "Tasks waiting for a worker across all indexes",
		}),

		workers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "docgate",
			Subsystem: "queue",
			Name:      "active_workers",
			Help:      "Index workers currently running",
		}),
	}
}
