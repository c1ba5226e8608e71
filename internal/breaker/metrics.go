package breaker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "courtside"

var (
	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "state",
			Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name"},
	)

	breakerRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "rejections_total",
			Help:      "Calls rejected without reaching the dependency",
		},
		[]string{"name"},
	)
)

func recordState(name string, s State) {
	breakerState.WithLabelValues(name).Set(float64(s))
}

func recordRejection(name string) {
	breakerRejections.WithLabelValues(name).Inc()
}
