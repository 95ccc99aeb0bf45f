package telemetry

import "context"

type contextKey int

const (
	traceIDKey contextKey = iota
	sessionIDKey
)

// ContextWithTraceID and TraceIDFromContext thread a correlation id through a
// run's call chain for log/span correlation independent of OTel's own
// trace.SpanContext (useful when a caller wants a stable external id, e.g.
// an upstream request id, rather than whatever span id a given exporter
// assigned).
func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

func TraceIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(traceIDKey).(string)
	return v
}

// ContextWithSessionID and SessionIDFromContext thread the owning run id
// through context for components (metrics, tracing) that only receive a
// context.Context, not a *model.RunContext.
func ContextWithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey, sessionID)
}

func SessionIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(sessionIDKey).(string)
	return v
}
