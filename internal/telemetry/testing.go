package telemetry

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// TestTelemetry keeps spans and metrics in memory so tests can assert on
// what the sync engine and HTTP server recorded.
type TestTelemetry struct {
	*Telemetry
	spans  *tracetest.SpanRecorder
	reader *sdkmetric.ManualReader
}

// NewTestTelemetry returns an enabled Telemetry backed by in-memory
// exporters. It does not touch the global providers.
func NewTestTelemetry() *TestTelemetry {
	cfg := NewDefaultConfig()
	cfg.Enabled = true
	spans := tracetest.NewSpanRecorder()
	reader := sdkmetric.NewManualReader()
	return &TestTelemetry{
		Telemetry: &Telemetry{
			cfg:    cfg,
			tracer: sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans)),
			meter:  sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
		},
		spans:  spans,
		reader: reader,
	}
}

// SpansNamed returns the ended spans called name, oldest first.
func (t *TestTelemetry) SpansNamed(name string) []sdktrace.ReadOnlySpan {
	var out []sdktrace.ReadOnlySpan
	for _, s := range t.spans.Ended() {
		if s.Name() == name {
			out = append(out, s)
		}
	}
	return out
}

// AssertSpanAttribute fails tb unless some span called name carries
// key=want. Integer attributes compare as int64.
func (t *TestTelemetry) AssertSpanAttribute(tb testing.TB, name, key string, want any) {
	tb.Helper()
	spans := t.SpansNamed(name)
	if len(spans) == 0 {
		tb.Fatalf("no span named %q", name)
	}
	for _, s := range spans {
		for _, kv := range s.Attributes() {
			if kv.Key == attribute.Key(key) && kv.Value.AsInterface() == want {
				return
			}
		}
	}
	tb.Errorf("no %q span with %s=%v", name, key, want)
}

// MetricNames collects once and lists the instruments that reported data.
func (t *TestTelemetry) MetricNames(ctx context.Context) []string {
	var rm metricdata.ResourceMetrics
	if err := t.reader.Collect(ctx, &rm); err != nil {
		return nil
	}
	var names []string
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			names = append(names, m.Name)
		}
	}
	return names
}
