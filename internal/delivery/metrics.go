package delivery

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "courtside"

var errorsRecorded = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "delivery",
		Name:      "errors_total",
		Help:      "Delivery errors recorded by kind and retryability",
	},
	[]string{"kind", "retryable"},
)

func recordError(err *Error) {
	errorsRecorded.WithLabelValues(string(err.kind), strconv.FormatBool(err.retryable)).Inc()
}
