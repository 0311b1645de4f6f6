package otel

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

var (
	AttrSessionID    = attribute.Key("agentdeck.session.id")
	AttrTaskID       = attribute.Key("agentdeck.task.id")
	AttrHTTPRoute    = attribute.Key("agentdeck.http.route")
	AttrEnvelopeType = attribute.Key("agentdeck.envelope.type")
)

// StartClientSpan starts a span for an outbound backend call. A nil tracer
// yields a no-op span.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(TracerName)
	}
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

var traceContext = propagation.TraceContext{}

// InjectHeaders writes the W3C traceparent of the span in ctx into h so the
// backend can join the trace. Nothing is written for a no-op span.
func InjectHeaders(ctx context.Context, h http.Header) {
	traceContext.Inject(ctx, propagation.HeaderCarrier(h))
}
