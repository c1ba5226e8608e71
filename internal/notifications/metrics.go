package notifications

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "courtside"

var (
	notificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "send_requests_total",
			Help:      "Send requests by result",
		},
		[]string{"result"},
	)

	dispatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "dispatches_total",
			Help:      "Job dispatches by outcome",
		},
		[]string{"outcome"},
	)

	dispatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "dispatch_duration_seconds",
			Help:      "Time to dispatch a job to every device of its user",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)
)

// recordSend records the result of a send request.
func recordSend(result string) {
	notificationsSent.WithLabelValues(result).Inc()
}

// recordDispatch records a dispatch outcome.
func recordDispatch(outcome string) {
	dispatches.WithLabelValues(outcome).Inc()
}

// recordDispatchDuration records dispatch duration.
func recordDispatchDuration(duration time.Duration) {
	dispatchDuration.Observe(duration.Seconds())
}
