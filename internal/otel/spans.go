package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys shared by goprobe spans and metrics.
var (
	AttrTraceID    = attribute.Key("goprobe.trace.id")
	AttrQueryName  = attribute.Key("goprobe.query.name")
	AttrOutcome    = attribute.Key("goprobe.outcome")
	AttrPath       = attribute.Key("goprobe.request.path")
	AttrWakeSource = attribute.Key("goprobe.wake.source")
)

// StartSpan starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call to the fleet server.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
