package retry

import (
	"github.com/bissquit/courtside-push/internal/delivery"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "courtside"

var attempts = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "retry",
		Name:      "attempts_total",
		Help:      "Retry policy attempts by error kind and outcome",
	},
	[]string{"kind", "outcome"},
)

func recordAttempt(kind delivery.Kind, outcome string) {
	attempts.WithLabelValues(string(kind), outcome).Inc()
}
