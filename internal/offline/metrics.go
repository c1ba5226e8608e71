package offline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "courtside"

var (
	queueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "offline_queue",
			Name:      "size",
			Help:      "Number of jobs resident in the offline queue",
		},
	)

	jobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "offline_queue",
			Name:      "enqueued_total",
			Help:      "Total jobs enqueued",
		},
		[]string{"type"},
	)

	jobsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "offline_queue",
			Name:      "evicted_total",
			Help:      "Total jobs evicted because the queue was full",
		},
	)

	jobsDeadLettered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "offline_queue",
			Name:      "dead_lettered_total",
			Help:      "Total jobs dropped after reaching the retry cap",
		},
		[]string{"type"},
	)

	drainOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "offline_queue",
			Name:      "drain_jobs_total",
			Help:      "Jobs handled by drain passes by outcome",
		},
		[]string{"outcome"},
	)

	drainDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "offline_queue",
			Name:      "drain_duration_seconds",
			Help:      "Duration of drain passes",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)
)

func recordQueueSize(n int) {
	queueSize.Set(float64(n))
}

func recordEnqueued(jobType string) {
	jobsEnqueued.WithLabelValues(jobType).Inc()
}

func recordEvicted() {
	jobsEvicted.Inc()
}

func recordDeadLetter(jobType string) {
	jobsDeadLettered.WithLabelValues(jobType).Inc()
}

// recordDrain records the outcome of a drain pass.
func recordDrain(s Summary, duration time.Duration) {
	drainOutcomes.WithLabelValues("sent").Add(float64(s.Sent))
	drainOutcomes.WithLabelValues("failed").Add(float64(s.Failed))
	drainOutcomes.WithLabelValues("retrying").Add(float64(s.Retrying))
	drainDuration.Observe(duration.Seconds())
}
