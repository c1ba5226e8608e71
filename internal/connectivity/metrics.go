package connectivity

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "courtside"

var (
	networkOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connectivity",
			Name:      "online",
			Help:      "Network reachability (1 = online, 0 = offline)",
		},
	)

	transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connectivity",
			Name:      "transitions_total",
			Help:      "Total reachability transitions",
		},
		[]string{"to"},
	)
)

func recordOnline(online bool) {
	if online {
		networkOnline.Set(1)
		transitions.WithLabelValues("online").Inc()
		return
	}
	networkOnline.Set(0)
	transitions.WithLabelValues("offline").Inc()
}
