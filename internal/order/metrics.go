package order

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// OrderTransitionsTotal counts committed order transitions by target status.
	OrderTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payrail",
			Name:      "order_transitions_total",
			Help:      "Committed order state transitions by target status.",
		},
		[]string{"to"},
	)

	// ProviderCallsTotal counts escrow provider calls by operation and result.
	ProviderCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payrail",
			Name:      "escrow_provider_calls_total",
			Help:      "Escrow provider calls by operation and result.",
		},
		[]string{"op", "result"},
	)

	// ProviderCallDuration observes provider call latency by operation.
	ProviderCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "payrail",
			Name:      "escrow_provider_call_duration_seconds",
			Help:      "Escrow provider call duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
		},
		[]string{"op"},
	)

	// ManualInterventionTotal counts flagged inconsistencies needing a human.
	ManualInterventionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payrail",
			Name:      "order_manual_intervention_total",
			Help:      "Order operations flagged for manual remediation.",
		},
		[]string{"op"},
	)
)

func init() {
	prometheus.MustRegister(
		OrderTransitionsTotal,
		ProviderCallsTotal,
		ProviderCallDuration,
		ManualInterventionTotal,
	)
}

func observeProviderCall(op string) func(ok bool) {
	start := time.Now()
	return func(ok bool) {
		result := "success"
		if !ok {
			result = "error"
		}
		ProviderCallsTotal.WithLabelValues(op, result).Inc()
		ProviderCallDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}
