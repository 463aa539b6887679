package http

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/fyrsmithlabs/todosync/internal/http"

// requestMetrics holds the OpenTelemetry instruments recorded per API call.
// mutations counts writes to the to-do and queue routes, each of which
// enqueues or removes an operation.
type requestMetrics struct {
	requests  metric.Int64Counter
	duration  metric.Float64Histogram
	size      metric.Int64Histogram
	inflight  metric.Int64UpDownCounter
	mutations metric.Int64Counter
}

func newRequestMetrics(meter metric.Meter) (*requestMetrics, error) {
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	var m requestMetrics
	var err, e error
	m.requests, e = meter.Int64Counter("todosync.http.requests_total",
		metric.WithDescription("API requests by method, route and status"),
		metric.WithUnit("{request}"))
	err = errors.Join(err, e)
	m.duration, e = meter.Float64Histogram("todosync.http.request_duration_seconds",
		metric.WithDescription("API request latency by method, route and status"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5))
	err = errors.Join(err, e)
	m.size, e = meter.Int64Histogram("todosync.http.response_size_bytes",
		metric.WithDescription("API response body size"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(64, 256, 1024, 4096, 16384, 65536))
	err = errors.Join(err, e)
	m.inflight, e = meter.Int64UpDownCounter("todosync.http.active_requests",
		metric.WithDescription("API requests in flight"),
		metric.WithUnit("{request}"))
	err = errors.Join(err, e)
	m.mutations, e = meter.Int64Counter("todosync.http.mutations_total",
		metric.WithDescription("Successful writes through the API by route"),
		metric.WithUnit("{request}"))
	err = errors.Join(err, e)
	if err != nil {
		fallback, _ := newRequestMetrics(noop.NewMeterProvider().Meter(meterName))
		return fallback, err
	}
	return &m, nil
}

func (m *requestMetrics) middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			start := time.Now()
			m.inflight.Add(ctx, 1)
			defer m.inflight.Add(ctx, -1)

			err := next(c)

			status := c.Response().Status
			var he *echo.HTTPError
			if errors.As(err, &he) {
				status = he.Code
			}
			route := routeLabel(c.Path())
			attrs := metric.WithAttributes(
				attribute.String("method", c.Request().Method),
				attribute.String("route", route),
				attribute.Int("status", status),
			)
			m.requests.Add(ctx, 1, attrs)
			m.duration.Record(ctx, time.Since(start).Seconds(), attrs)
			m.size.Record(ctx, c.Response().Size, attrs)
			if isMutation(c.Request().Method, route) && status < http.StatusBadRequest {
				m.mutations.Add(ctx, 1, metric.WithAttributes(attribute.String("route", route)))
			}
			return err
		}
	}
}

// routeLabel uses the registered route template, so "/api/v1/tasks/:id"
// rather than a concrete id ends up in the label.
func routeLabel(path string) string {
	if path == "" {
		return "unmatched"
	}
	return path
}

func isMutation(method, route string) bool {
	if method == http.MethodGet || method == http.MethodHead {
		return false
	}
	return strings.HasPrefix(route, "/api/v1/lists") ||
		strings.HasPrefix(route, "/api/v1/tasks") ||
		strings.HasPrefix(route, "/api/v1/queue/operations")
}
