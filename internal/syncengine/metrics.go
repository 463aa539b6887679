package syncengine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DrainsTotal counts drain requests by result.
	// Labels: result (completed, busy, offline, no_identity, failed)
	DrainsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "todosync",
			Subsystem: "sync",
			Name:      "drains_total",
			Help:      "Total number of drain requests by result",
		},
		[]string{"result"},
	)

	// DrainDuration tracks how long completed drains take.
	DrainDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "todosync",
			Subsystem: "sync",
			Name:      "drain_duration_seconds",
			Help:      "Duration of synchronization passes in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// OperationOutcomes counts per-operation results.
	// Labels: outcome (applied, retrying, evicted, deferred)
	OperationOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "todosync",
			Subsystem: "sync",
			Name:      "operation_outcomes_total",
			Help:      "Total number of operation attempts by outcome",
		},
		[]string{"outcome"},
	)

	// RetryDelay tracks scheduled retry delays.
	RetryDelay = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "todosync",
			Subsystem: "sync",
			Name:      "retry_delay_seconds",
			Help:      "Scheduled per-operation retry delays in seconds",
			Buckets:   []float64{0.5, 1, 2, 4, 8, 16, 30, 60},
		},
	)

	// ScheduledRetries is the number of armed retry timers.
	ScheduledRetries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "todosync",
			Subsystem: "sync",
			Name:      "scheduled_retries",
			Help:      "Number of operations waiting on a retry timer",
		},
	)
)
