package connectivity

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Online indicates current reachability (1=online, 0=offline).
	Online = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "todosync",
			Subsystem: "connectivity",
			Name:      "online",
			Help:      "Current connectivity state (1=online, 0=offline)",
		},
	)

	// ProbesTotal counts reachability probes.
	// Labels: result (success, error)
	ProbesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "todosync",
			Subsystem: "connectivity",
			Name:      "probes_total",
			Help:      "Total number of reachability probes",
		},
		[]string{"result"},
	)

	// ProbeDuration tracks how long probes take.
	ProbeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "todosync",
			Subsystem: "connectivity",
			Name:      "probe_duration_seconds",
			Help:      "Duration of reachability probes in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// TransitionsTotal counts state changes.
	// Labels: transition (online, offline)
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "todosync",
			Subsystem: "connectivity",
			Name:      "transitions_total",
			Help:      "Total number of connectivity transitions",
		},
		[]string{"transition"},
	)
)
