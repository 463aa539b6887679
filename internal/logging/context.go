package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type ctxKey int

const (
	userKey ctxKey = iota
	operationKey
	requestKey
)

// maxIDLen caps ids copied from client input into log entries.
const maxIDLen = 128

var fieldNames = [...]string{
	userKey:      "user.id",
	operationKey: "operation.id",
	requestKey:   "request.id",
}

// ContextFields returns the correlation fields carried by ctx: the active
// span's trace and span ids, then whichever of user, operation and request id
// are set.
func ContextFields(ctx context.Context) []zap.Field {
	var fields []zap.Field
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()))
	}
	for key, name := range fieldNames {
		if id := idFrom(ctx, ctxKey(key)); id != "" {
			fields = append(fields, zap.String(name, id))
		}
	}
	return fields
}

func withID(ctx context.Context, key ctxKey, id string) context.Context {
	if id == "" {
		return ctx
	}
	if len(id) > maxIDLen {
		id = id[:maxIDLen]
	}
	return context.WithValue(ctx, key, id)
}

func idFrom(ctx context.Context, key ctxKey) string {
	id, _ := ctx.Value(key).(string)
	return id
}

// WithUserID tags ctx with the identity operations are applied as.
func WithUserID(ctx context.Context, id string) context.Context {
	return withID(ctx, userKey, id)
}

// WithOperationID tags ctx with a queued operation id.
func WithOperationID(ctx context.Context, id string) context.Context {
	return withID(ctx, operationKey, id)
}

// WithRequestID tags ctx with the X-Request-Id of an API call.
func WithRequestID(ctx context.Context, id string) context.Context {
	return withID(ctx, requestKey, id)
}

func UserIDFromContext(ctx context.Context) string      { return idFrom(ctx, userKey) }
func OperationIDFromContext(ctx context.Context) string { return idFrom(ctx, operationKey) }
func RequestIDFromContext(ctx context.Context) string   { return idFrom(ctx, requestKey) }
