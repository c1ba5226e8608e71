package tokens

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "courtside"

var (
	tokenOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tokens",
			Name:      "operations_total",
			Help:      "Token manager operations by result",
		},
		[]string{"op", "result"},
	)

	staleInvalidated = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tokens",
			Name:      "stale_invalidated_total",
			Help:      "Total tokens invalidated by the staleness sweep",
		},
	)

	cacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tokens",
			Name:      "cache_lookups_total",
			Help:      "User token lookups by cache result",
		},
		[]string{"result"},
	)
)

func recordTokenOp(op, result string) {
	tokenOps.WithLabelValues(op, result).Inc()
}

func recordStaleInvalidated(n int) {
	staleInvalidated.Add(float64(n))
}

func recordCacheLookup(hit bool) {
	if hit {
		cacheLookups.WithLabelValues("hit").Inc()
		return
	}
	cacheLookups.WithLabelValues("miss").Inc()
}
