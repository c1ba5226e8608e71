package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "courtside"

var decisions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ratelimit",
		Name:      "decisions_total",
		Help:      "Rate limiter admission decisions",
	},
	[]string{"name", "decision"},
)

func recordDecision(name, decision string) {
	decisions.WithLabelValues(name, decision).Inc()
}
