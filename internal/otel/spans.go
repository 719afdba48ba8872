package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for FleetDeck spans.
var (
	AttrAgentID    = attribute.Key("fleetdeck.agent.id")
	AttrTaskNodeID = attribute.Key("fleetdeck.task_node.id")
	AttrTodoID     = attribute.Key("fleetdeck.todo.id")
	AttrTargetKind = attribute.Key("fleetdeck.target.kind")
	AttrSessionID  = attribute.Key("fleetdeck.session.id")
	AttrClientID   = attribute.Key("fleetdeck.client.id")
	AttrBatchSize  = attribute.Key("fleetdeck.batch.size")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (gateway).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}
