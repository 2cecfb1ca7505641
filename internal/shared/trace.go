package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type queryNameKey struct{}
type wakeSourceKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithQueryName attaches the distributed query name being executed.
func WithQueryName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, queryNameKey{}, name)
}

// QueryName extracts the distributed query name. Returns "" if absent.
func QueryName(ctx context.Context) string {
	if v, ok := ctx.Value(queryNameKey{}).(string); ok {
		return v
	}
	return ""
}

// WithWakeSource records what woke the poller (timer, keepalive, manual).
func WithWakeSource(ctx context.Context, source string) context.Context {
	return context.WithValue(ctx, wakeSourceKey{}, source)
}

// WakeSource extracts the wake source. Returns "" if absent.
func WakeSource(ctx context.Context) string {
	if v, ok := ctx.Value(wakeSourceKey{}).(string); ok {
		return v
	}
	return ""
}
