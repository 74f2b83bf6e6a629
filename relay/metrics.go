package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	fragmentsForwarded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "whiskers",
		Subsystem: "relay",
		Name:      "fragments_total",
		Help:      "Fragments decoded and accumulated by relays.",
	})

	relayFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "whiskers",
		Subsystem: "relay",
		Name:      "failures_total",
		Help:      "Relay runs that ended early, by failure kind.",
	}, []string{"kind"})
)
