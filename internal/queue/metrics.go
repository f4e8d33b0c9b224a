// Package queue buffers updates for disconnected sibling devices and runs
// the periodic quota-reset/key-expiry scheduler (spec §4.F).
package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks offline-queue depth and eviction behavior.
type Metrics struct {
	// EvictionsTotal counts entries dropped by age or by the size cap, by reason.
	EvictionsTotal *prometheus.CounterVec

	// Depth is the current number of buffered updates across every queue.
	Depth prometheus.Gauge

	// SweepDuration times each maintenance pass.
	SweepDuration prometheus.Histogram

	// SchedulerTicksTotal counts scheduler ticks by kind and outcome.
	SchedulerTicksTotal *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		EvictionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "evictions_total",
			Help:      "Total number of offline queue entries evicted, by reason",
		}, []string{"reason"}),

		Depth: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Current number of buffered updates across every offline queue",
		}),

		SweepDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of each maintenance sweep (seconds)",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 10),
		}),

		SchedulerTicksTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "scheduler_ticks_total",
			Help:      "Total number of scheduler ticks, by kind and outcome",
		}, []string{"kind", "outcome"}),
	}
}
