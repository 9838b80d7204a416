package transfers

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	TransfersInitiatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payrail",
			Name:      "transfers_initiated_total",
			Help:      "Transfers created, by kind.",
		},
		[]string{"kind"},
	)

	TransfersSettledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payrail",
			Name:      "transfers_settled_total",
			Help:      "Transfers reaching a terminal state, by kind and status.",
		},
		[]string{"kind", "status"},
	)

	CustodialCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payrail",
			Name:      "custodial_calls_total",
			Help:      "Custodial provider calls, by operation and result.",
		},
		[]string{"op", "result"},
	)

	CustodialCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "payrail",
			Name:      "custodial_call_duration_seconds",
			Help:      "Custodial provider call latency.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	ManualInterventionTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "payrail",
			Name:      "transfer_manual_interventions_total",
			Help:      "Withdrawal re-credits that failed and need an operator.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		TransfersInitiatedTotal,
		TransfersSettledTotal,
		CustodialCallsTotal,
		CustodialCallDuration,
		ManualInterventionTotal,
	)
}

func observeCustodialCall(op string) func(ok bool) {
	start := time.Now()
	return func(ok bool) {
		result := "success"
		if !ok {
			result = "error"
		}
		CustodialCallsTotal.WithLabelValues(op, result).Inc()
		CustodialCallDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}
