// Prometheus instrumentation for the verification gate's domain events.
// HTTP-level metrics live in the middleware package; the collectors here
// track outcomes of the gate itself so operators can alert on binding
// failures and eviction spikes independently of traffic volume.
package services

import "github.com/prometheus/client_golang/prometheus"

var (
	// bindingsTotal counts binding attempts by terminal outcome.
	bindingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authgate_bindings_total",
			Help: "Total number of binding attempts by outcome.",
		},
		[]string{"outcome"}, // success|expired|uid_conflict|chat_conflict|error
	)

	// codesIssuedTotal counts freshly generated verification codes.
	// Idempotent re-requests within the TTL are not counted.
	codesIssuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "authgate_codes_issued_total",
			Help: "Total number of verification codes generated.",
		},
	)

	// evictionsTotal counts members removed from groups by cause.
	evictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authgate_evictions_total",
			Help: "Total number of members evicted from gated groups.",
		},
		[]string{"reason"}, // grace|sweep
	)
)

func init() {
	prometheus.MustRegister(bindingsTotal, codesIssuedTotal, evictionsTotal)
}
