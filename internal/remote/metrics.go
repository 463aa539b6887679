package remote

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks backend mutation latency.
	// Labels: method (insert, update, delete), table
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "todosync",
			Subsystem: "remote",
			Name:      "request_duration_seconds",
			Help:      "Duration of remote mutation requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "table"},
	)

	// RequestsTotal counts backend mutations.
	// Labels: method, table, result (success, error)
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "todosync",
			Subsystem: "remote",
			Name:      "requests_total",
			Help:      "Total number of remote mutation requests",
		},
		[]string{"method", "table", "result"},
	)
)

func observe(method, table string, seconds float64, err error) {
	RequestDuration.WithLabelValues(method, table).Observe(seconds)
	result := "success"
	if err != nil {
		result = "error"
	}
	RequestsTotal.WithLabelValues(method, table, result).Inc()
}
