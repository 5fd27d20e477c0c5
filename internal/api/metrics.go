package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics covers the four signals the invoke path emits.
type Metrics struct {
	// Latency of the full pipeline, decision included.
	InvocationDuration *prometheus.HistogramVec

	// Traffic per capability and terminal effect.
	InvocationsTotal *prometheus.CounterVec

	// Refusals broken down by reason code.
	DenialsTotal *prometheus.CounterVec

	// Invocations parked for approval.
	ApprovalsCreated prometheus.Counter
}

// NewMetrics registers the invoke metrics. A nil registerer gets a private
// registry so tests never collide on the default one.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		InvocationDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "icebreaker_invocation_duration_seconds",
			Help:    "Histogram of invocation latencies through the validation pipeline.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"capability", "effect"}),

		InvocationsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "icebreaker_invocations_total",
			Help: "Total number of capability invocations by terminal effect.",
		}, []string{"capability", "effect"}),

		DenialsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "icebreaker_denials_total",
			Help: "Total number of refused invocations by reason code.",
		}, []string{"reason"}),

		ApprovalsCreated: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "icebreaker_approvals_created_total",
			Help: "Total number of invocations parked for approval.",
		}),
	}
}
