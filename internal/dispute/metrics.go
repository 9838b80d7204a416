package dispute

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// DisputesOpenedTotal counts opened disputes.
	DisputesOpenedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "payrail",
			Name:      "disputes_opened_total",
			Help:      "Total disputes opened.",
		},
	)

	// DisputesResolvedTotal counts resolutions by decision.
	DisputesResolvedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payrail",
			Name:      "disputes_resolved_total",
			Help:      "Total disputes resolved by decision.",
		},
		[]string{"decision"},
	)
)

func init() {
	prometheus.MustRegister(DisputesOpenedTotal, DisputesResolvedTotal)
}
