package apikey

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks admission-gate outcomes.
type Metrics struct {
	// AdmissionsTotal counts admission decisions, by result (admitted/rejected).
	AdmissionsTotal *prometheus.CounterVec

	// ViolationsTotal counts admissions rejected by checkRestrictions; quota
	// rejections are counted by QuotaRejectionsTotal instead.
	ViolationsTotal prometheus.Counter

	// QuotaRejectionsTotal counts admissions rejected for quota, by period.
	QuotaRejectionsTotal *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		AdmissionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "apikey",
			Name:      "admissions_total",
			Help:      "Total number of admission decisions, by result",
		}, []string{"result"}),

		ViolationsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "apikey",
			Name:      "restriction_violations_total",
			Help:      "Total number of restriction check failures",
		}),

		QuotaRejectionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "apikey",
			Name:      "quota_rejections_total",
			Help:      "Total number of requests rejected for exceeding quota, by period",
		}, []string{"period"}),
	}
}
