package logging

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
)

func fieldValue(fields []zap.Field, key string) (string, bool) {
	for _, f := range fields {
		if f.Key == key {
			return f.String, true
		}
	}
	return "", false
}

func TestContextFields_Empty(t *testing.T) {
	assert.Empty(t, ContextFields(context.Background()))
}

func TestContextFields_Trace(t *testing.T) {
	provider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(tracetest.NewInMemoryExporter()))
	ctx, span := provider.Tracer("test").Start(context.Background(), "drain")
	defer span.End()

	fields := ContextFields(ctx)

	traceID, ok := fieldValue(fields, "trace_id")
	require.True(t, ok)
	assert.Equal(t, span.SpanContext().TraceID().String(), traceID)
	_, ok = fieldValue(fields, "span_id")
	assert.True(t, ok)
}

func TestContextFields_Correlation(t *testing.T) {
	ctx := WithUserID(context.Background(), "u-1")
	ctx = WithOperationID(ctx, "op-42")
	ctx = WithRequestID(ctx, "req-7")

	fields := ContextFields(ctx)

	v, _ := fieldValue(fields, "user.id")
	assert.Equal(t, "u-1", v)
	v, _ = fieldValue(fields, "operation.id")
	assert.Equal(t, "op-42", v)
	v, _ = fieldValue(fields, "request.id")
	assert.Equal(t, "req-7", v)
}

func TestWithID_EmptyAndLong(t *testing.T) {
	ctx := WithOperationID(context.Background(), "")
	assert.Equal(t, "", OperationIDFromContext(ctx))

	ctx = WithRequestID(context.Background(), strings.Repeat("r", 300))
	assert.Len(t, RequestIDFromContext(ctx), maxIDLen)
}

func TestContextFields_Order(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-1")
	ctx = WithOperationID(ctx, "op-1")
	ctx = WithUserID(ctx, "u-1")

	fields := ContextFields(ctx)

	require.Len(t, fields, 3)
	assert.Equal(t, "user.id", fields[0].Key)
	assert.Equal(t, "operation.id", fields[1].Key)
	assert.Equal(t, "request.id", fields[2].Key)
}
