package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PendingOperations is the number of operations waiting to be synced.
	PendingOperations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "todosync",
			Subsystem: "queue",
			Name:      "pending_operations",
			Help:      "Number of operations waiting to reach the remote service",
		},
	)

	// EnqueueTotal counts enqueue attempts.
	// Labels: table, type, result (success, error, full)
	EnqueueTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "todosync",
			Subsystem: "queue",
			Name:      "enqueue_total",
			Help:      "Total number of enqueue attempts",
		},
		[]string{"table", "type", "result"},
	)

	// ErrorsRecorded counts messages added to the displayed error list.
	ErrorsRecorded = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "todosync",
			Subsystem: "queue",
			Name:      "errors_recorded_total",
			Help:      "Total number of errors surfaced in queue status",
		},
	)

	// ClearedOperations counts operations discarded by an explicit clear.
	ClearedOperations = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "todosync",
			Subsystem: "queue",
			Name:      "cleared_operations_total",
			Help:      "Total number of operations discarded by clearing the queue",
		},
	)
)
