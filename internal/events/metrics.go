package events

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Published counts events by type and result (ok, error).
var Published = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "todosync",
		Subsystem: "events",
		Name:      "published_total",
		Help:      "Events published to NATS",
	},
	[]string{"type", "result"},
)
