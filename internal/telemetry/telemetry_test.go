package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestNew_Disabled(t *testing.T) {
	tel, err := New(context.Background(), NewDefaultConfig())
	require.NoError(t, err)

	h := tel.Health()
	assert.False(t, h.Enabled)
	assert.False(t, h.Degraded)
	assert.NotNil(t, tel.Tracer("test"))
	assert.NotNil(t, tel.Meter("test"))
	assert.NoError(t, tel.ForceFlush(context.Background()))
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Enabled = true
	cfg.Endpoint = ""

	_, err := New(context.Background(), cfg)
	assert.Error(t, err)
}

func TestTelemetry_NilSafe(t *testing.T) {
	var tel *Telemetry

	assert.NotNil(t, tel.Tracer("test"))
	assert.NotNil(t, tel.Meter("test"))
	assert.NoError(t, tel.Shutdown(context.Background()))
	assert.NoError(t, tel.ForceFlush(context.Background()))
	assert.Equal(t, HealthStatus{}, tel.Health())
}

func TestTelemetry_DegradedFallsBackToGlobal(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Enabled = true
	tel := &Telemetry{cfg: cfg}
	tel.degrade(errors.New("creating trace exporter: connection refused"))

	h := tel.Health()
	assert.True(t, h.Enabled)
	assert.True(t, h.Degraded)
	assert.Contains(t, h.Error, "connection refused")
	assert.NotNil(t, tel.Tracer("syncengine"))
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestTestTelemetry_Spans(t *testing.T) {
	tt := NewTestTelemetry()

	_, span := tt.Tracer("syncengine").Start(context.Background(), "syncengine.drain")
	span.SetAttributes(attribute.Int("operations", 3), attribute.String("outcome", "ok"))
	span.End()

	require.Len(t, tt.SpansNamed("syncengine.drain"), 1)
	tt.AssertSpanAttribute(t, "syncengine.drain", "operations", int64(3))
	tt.AssertSpanAttribute(t, "syncengine.drain", "outcome", "ok")
}

func TestTestTelemetry_Metrics(t *testing.T) {
	tt := NewTestTelemetry()
	ctx := context.Background()

	counter, err := tt.Meter("http").Int64Counter("http.server.requests")
	require.NoError(t, err)
	counter.Add(ctx, 1)

	assert.Contains(t, tt.MetricNames(ctx), "http.server.requests")
	require.NoError(t, tt.Shutdown(ctx))
}
