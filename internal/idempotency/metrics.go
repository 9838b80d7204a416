package idempotency

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ChecksTotal counts CheckOrLock outcomes.
	ChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payrail",
			Name:      "idempotency_checks_total",
			Help:      "Idempotency check outcomes.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(ChecksTotal)
}

func observeCheck(res *Result, err error) {
	switch {
	case err == ErrKeyReused:
		ChecksTotal.WithLabelValues("key_reused").Inc()
	case err == ErrInProgress:
		ChecksTotal.WithLabelValues("in_progress").Inc()
	case err != nil:
		ChecksTotal.WithLabelValues("error").Inc()
	case res != nil && res.Replay:
		ChecksTotal.WithLabelValues("replay").Inc()
	default:
		ChecksTotal.WithLabelValues("locked").Inc()
	}
}
