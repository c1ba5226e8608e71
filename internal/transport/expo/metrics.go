package expo

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "courtside"

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "expo",
			Name:      "requests_total",
			Help:      "Expo push requests by outcome",
		},
		[]string{"outcome"},
	)

	requestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "expo",
			Name:      "request_duration_seconds",
			Help:      "Time to send an Expo push request",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)
)

func recordRequest(outcome string, duration time.Duration) {
	requestsTotal.WithLabelValues(outcome).Inc()
	requestDuration.Observe(duration.Seconds())
}
