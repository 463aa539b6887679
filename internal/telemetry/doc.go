// Package telemetry sets up OpenTelemetry tracing and metrics export for the
// todosync daemon.
//
// Telemetry is disabled by default. When enabled it exports over OTLP (gRPC
// or HTTP/protobuf) and installs W3C trace context propagation. The sync
// engine opens a span per drain and per applied operation; the HTTP server
// records request metrics through Meter.
//
//	tel, err := telemetry.New(ctx, telemetry.FromAppConfig(cfg.Telemetry, version))
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// Tests use NewTestTelemetry to record spans and metrics in memory.
package telemetry
