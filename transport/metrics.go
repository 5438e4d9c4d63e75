package transport

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	replayReplayed     = "replayed"
	replayFromStore    = "from_store"
	replayFailed       = "renewal_failed"
	replayUnreplayable = "unreplayable"
)

// ReplaysTotal counts how 401 answers were handled.
var ReplaysTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tokenkeeper",
		Name:      "replays_total",
		Help:      "Total number of requests rejected with 401, by handling outcome",
	},
	[]string{"outcome"},
)

func recordReplay(outcome string) {
	ReplaysTotal.WithLabelValues(outcome).Inc()
}
