package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry owns the daemon's tracer and meter providers. A nil *Telemetry,
// or one whose exporters failed to start, hands out the global providers,
// which are no-ops unless something else installed them.
type Telemetry struct {
	cfg    *Config
	tracer *sdktrace.TracerProvider
	meter  *sdkmetric.MeterProvider

	mu   sync.Mutex
	errs []error
}

// HealthStatus is reported on GET /health.
type HealthStatus struct {
	Enabled  bool   `json:"enabled"`
	Degraded bool   `json:"degraded"`
	Error    string `json:"error,omitempty"`
}

// New starts the OTLP exporters described by cfg. Exporter failures leave
// the instance degraded rather than failing: a sync daemon that works
// offline must not refuse to start because a collector is down.
func New(ctx context.Context, cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}
	t := &Telemetry{cfg: cfg}
	if !cfg.Enabled {
		return t, nil
	}

	res := newResource(cfg)
	if tp, err := newTracerProvider(ctx, cfg, res); err != nil {
		t.degrade(err)
	} else {
		t.tracer = tp
		otel.SetTracerProvider(tp)
	}
	if mp, err := newMeterProvider(ctx, cfg, res); err != nil {
		t.degrade(err)
	} else {
		t.meter = mp
		otel.SetMeterProvider(mp)
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))
	return t, nil
}

func (t *Telemetry) degrade(err error) {
	t.mu.Lock()
	t.errs = append(t.errs, err)
	t.mu.Unlock()
}

// Tracer returns a tracer for the named instrumentation scope.
func (t *Telemetry) Tracer(name string, opts ...trace.TracerOption) trace.Tracer {
	if t == nil || t.tracer == nil {
		return otel.Tracer(name, opts...)
	}
	return t.tracer.Tracer(name, opts...)
}

// Meter returns a meter for the named instrumentation scope.
func (t *Telemetry) Meter(name string, opts ...metric.MeterOption) metric.Meter {
	if t == nil || t.meter == nil {
		return otel.Meter(name, opts...)
	}
	return t.meter.Meter(name, opts...)
}

type provider interface {
	ForceFlush(context.Context) error
	Shutdown(context.Context) error
}

// each runs fn for every started provider and joins the errors.
func (t *Telemetry) each(fn func(provider) error) error {
	if t == nil {
		return nil
	}
	var started []provider
	if t.tracer != nil {
		started = append(started, t.tracer)
	}
	if t.meter != nil {
		started = append(started, t.meter)
	}
	var errs []error
	for _, p := range started {
		errs = append(errs, fn(p))
	}
	return errors.Join(errs...)
}

// ForceFlush exports buffered spans and metrics now.
func (t *Telemetry) ForceFlush(ctx context.Context) error {
	return t.each(func(p provider) error { return p.ForceFlush(ctx) })
}

// Shutdown flushes and stops the providers. Without a deadline on ctx it is
// bounded by the configured shutdown timeout.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok && t.cfg != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.ShutdownAfter.Duration())
		defer cancel()
	}
	if err := t.each(func(p provider) error { return p.Shutdown(ctx) }); err != nil {
		return fmt.Errorf("telemetry shutdown: %w", err)
	}
	return nil
}

// Health reports whether telemetry is on and whether any exporter failed.
func (t *Telemetry) Health() HealthStatus {
	if t == nil || t.cfg == nil {
		return HealthStatus{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	h := HealthStatus{Enabled: t.cfg.Enabled, Degraded: len(t.errs) > 0}
	if h.Degraded {
		h.Error = errors.Join(t.errs...).Error()
	}
	return h
}
