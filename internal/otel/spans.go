package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for bridge spans. AttrToken is never populated with
// a raw auth token; callers pass a short derived identifier instead.
var (
	AttrToken          = attribute.Key("bridge.session.token_id")
	AttrSessionState   = attribute.Key("bridge.session.state")
	AttrAgentCommand   = attribute.Key("bridge.agent.command")
	AttrClientIP       = attribute.Key("bridge.client.ip")
	AttrCloseCode      = attribute.Key("bridge.ws.close_code")
	AttrReused         = attribute.Key("bridge.session.reused")
	AttrPairingOutcome = attribute.Key("bridge.pairing.outcome")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound WebSocket upgrade or pairing request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call to the agent subprocess's stdio.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
