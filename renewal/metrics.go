package renewal

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeSuccess     = "success"
	outcomeRecoverable = "recoverable"
	outcomeTerminated  = "terminated"
	outcomeAdopted     = "adopted"
	outcomeDiscarded   = "discarded"
	outcomeIgnored     = "ignored"
	outcomeFailed      = "failed"
)

var (
	// RenewalsTotal counts settled renewal flights.
	RenewalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tokenkeeper",
			Name:      "renewals_total",
			Help:      "Total number of settled renewal flights",
		},
		[]string{"reason", "outcome"},
	)

	// FlightsJoinedTotal counts callers that joined an in-progress flight instead of starting one.
	FlightsJoinedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tokenkeeper",
			Name:      "renewal_flights_joined_total",
			Help:      "Total number of renewal requests served by an in-progress flight",
		},
	)

	// RenewalDuration measures identity provider round trips.
	RenewalDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "tokenkeeper",
			Name:      "renewal_duration_seconds",
			Help:      "Duration of renewal calls in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// ExternalRenewalsTotal counts records received from other instances.
	ExternalRenewalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tokenkeeper",
			Name:      "external_renewals_total",
			Help:      "Total number of renewals received from other instances",
		},
		[]string{"result"},
	)
)

func recordRenewal(reason Reason, outcome string) {
	RenewalsTotal.WithLabelValues(string(reason), outcome).Inc()
}

func recordExternal(result string) {
	ExternalRenewalsTotal.WithLabelValues(result).Inc()
}
