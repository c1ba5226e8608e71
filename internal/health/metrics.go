package health

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "courtside"

var (
	healthy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "healthy",
			Help:      "1 if the last health check passed, 0 otherwise",
		},
	)

	sampledErrors = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "sampled_errors",
			Help:      "Errors in the last health check sample",
		},
	)
)

func recordReport(r Report) {
	if r.Healthy {
		healthy.Set(1)
	} else {
		healthy.Set(0)
	}
	sampledErrors.Set(float64(r.ErrorCount))
}
