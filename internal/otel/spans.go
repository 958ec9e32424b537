package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for gateway spans.
var (
	AttrCommandName = attribute.Key("clawgate.command.name")
	AttrCommandID   = attribute.Key("clawgate.command.id")
	AttrClientID    = attribute.Key("clawgate.client.id")
	AttrSessionID   = attribute.Key("clawgate.session.id")
	AttrWebhookName = attribute.Key("clawgate.webhook.name")
	AttrRPCMethod   = attribute.Key("clawgate.rpc.method")
)

// StartSpan starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (WS command, webhook, RPC).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}
