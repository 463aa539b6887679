package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestHTTPMetrics_MetricsMiddleware(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := newRequestMetrics(mp.Meter(meterName))
	require.NoError(t, err)

	e := echo.New()
	e.Use(m.middleware())
	e.GET("/api/v1/tasks/:id", func(c echo.Context) error {
		return c.String(http.StatusOK, c.Param("id"))
	})
	e.DELETE("/api/v1/tasks/:id", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "missing")
	})

	for _, r := range []struct{ method, path string }{
		{http.MethodGet, "/api/v1/tasks/t1"},
		{http.MethodGet, "/api/v1/tasks/t2"},
		{http.MethodDelete, "/api/v1/tasks/t3"},
	} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(r.method, r.path, nil))
	}

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	found := map[string]metricdata.Metrics{}
	for _, sm := range rm.ScopeMetrics {
		for _, metric := range sm.Metrics {
			found[metric.Name] = metric
		}
	}
	require.Contains(t, found, "todosync.http.requests_total")
	require.Contains(t, found, "todosync.http.request_duration_seconds")
	require.Contains(t, found, "todosync.http.response_size_bytes")

	sum, ok := found["todosync.http.requests_total"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	byStatus := map[int64]int64{}
	for _, dp := range sum.DataPoints {
		route, _ := dp.Attributes.Value(attribute.Key("route"))
		assert.Equal(t, "/api/v1/tasks/:id", route.AsString())
		status, _ := dp.Attributes.Value(attribute.Key("status"))
		byStatus[status.AsInt64()] += dp.Value
	}
	assert.Equal(t, map[int64]int64{200: 2, 404: 1}, byStatus)
	assert.NotContains(t, found, "todosync.http.mutations_total", "failed delete is not a mutation")
}

func TestRequestMetrics_CountsMutations(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := newRequestMetrics(mp.Meter(meterName))
	require.NoError(t, err)

	e := echo.New()
	e.Use(m.middleware())
	e.POST("/api/v1/lists", func(c echo.Context) error { return c.NoContent(http.StatusCreated) })
	e.GET("/api/v1/lists", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	for _, method := range []string{http.MethodPost, http.MethodPost, http.MethodGet} {
		e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(method, "/api/v1/lists", nil))
	}

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, metric := range sm.Metrics {
			if metric.Name != "todosync.http.mutations_total" {
				continue
			}
			for _, dp := range metric.Data.(metricdata.Sum[int64]).DataPoints {
				total += dp.Value
			}
		}
	}
	assert.Equal(t, int64(2), total)
}

func TestIsMutation(t *testing.T) {
	assert.True(t, isMutation(http.MethodPatch, "/api/v1/tasks/:id"))
	assert.True(t, isMutation(http.MethodDelete, "/api/v1/queue/operations/:id"))
	assert.False(t, isMutation(http.MethodGet, "/api/v1/tasks"))
	assert.False(t, isMutation(http.MethodPost, "/api/v1/queue/sync"))
}

func TestRouteLabel(t *testing.T) {
	assert.Equal(t, "unmatched", routeLabel(""))
	assert.Equal(t, "/api/v1/queue/operations/:id", routeLabel("/api/v1/queue/operations/:id"))
}
