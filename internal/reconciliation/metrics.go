package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileDiscrepancies = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "payrail",
		Subsystem: "reconciliation",
		Name:      "discrepancies",
		Help:      "Discrepancies found in the last run, by job.",
	}, []string{"job"})

	reconcileRunDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "payrail",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"job"})

	reconcileErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "payrail",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Reconciliation runs that failed outright, by job.",
	}, []string{"job"})
)

func init() {
	prometheus.MustRegister(
		reconcileDiscrepancies,
		reconcileRunDuration,
		reconcileErrorsTotal,
	)
}
