package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for zergcore spans.
var (
	AttrAgentID     = attribute.Key("zergcore.agent.id")
	AttrRunID       = attribute.Key("zergcore.run.id")
	AttrToolName    = attribute.Key("zergcore.tool.name")
	AttrModel       = attribute.Key("zergcore.agent.model")
	AttrWorkflowID  = attribute.Key("zergcore.workflow.id")
	AttrExecutionID = attribute.Key("zergcore.workflow.execution_id")
	AttrNodeID      = attribute.Key("zergcore.workflow.node_id")
	AttrTriggerID   = attribute.Key("zergcore.trigger.id")
	AttrThreadID    = attribute.Key("zergcore.thread.id")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound HTTP or WebSocket request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call to a model provider or tool.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
