package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// LedgerOpsTotal counts ledger operations by type.
	LedgerOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payrail",
			Name:      "ledger_operations_total",
			Help:      "Total ledger operations by type.",
		},
		[]string{"type"},
	)

	// LedgerOpDuration observes operation latency by type.
	LedgerOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "payrail",
			Name:      "ledger_operation_duration_seconds",
			Help:      "Ledger operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 10.0},
		},
		[]string{"type"},
	)

	// LedgerAvailableTotal tracks the sum of all available balances.
	LedgerAvailableTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "payrail",
			Name:      "ledger_available_total",
			Help:      "Sum of all user available balances.",
		},
	)

	// LedgerReservedTotal tracks the sum of all reserved balances.
	LedgerReservedTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "payrail",
			Name:      "ledger_reserved_total",
			Help:      "Sum of all user reserved balances.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		LedgerOpsTotal,
		LedgerOpDuration,
		LedgerAvailableTotal,
		LedgerReservedTotal,
	)
}

// observeOp increments the op counter and returns a func that records
// the elapsed duration when called.
func observeOp(typ string) func() {
	LedgerOpsTotal.WithLabelValues(typ).Inc()
	start := time.Now()
	return func() {
		LedgerOpDuration.WithLabelValues(typ).Observe(time.Since(start).Seconds())
	}
}
