package otel

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// Attribute keys shared by spans and metrics.
var (
	AttrAgentID    = attribute.Key("missionctl.agent.id")
	AttrTaskID     = attribute.Key("missionctl.task.id")
	AttrOperation  = attribute.Key("missionctl.operation")
	AttrFromStatus = attribute.Key("missionctl.status.from")
	AttrToStatus   = attribute.Key("missionctl.status.to")
	AttrPriority   = attribute.Key("missionctl.task.priority")
	AttrOutcome    = attribute.Key("missionctl.outcome")
	AttrRoute      = attribute.Key("http.route")
)

// StartSpan starts an internal span for a registry, queue or monitor step.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...), trace.WithSpanKind(trace.SpanKindInternal))
}

// StartServerSpan starts a span for an inbound gateway request. A W3C
// traceparent header on the request makes it a child of the caller's span.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, header http.Header, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(header))
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...), trace.WithSpanKind(trace.SpanKindServer))
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// NoopTracer returns a tracer that records nothing.
func NoopTracer() trace.Tracer {
	return nooptrace.NewTracerProvider().Tracer(TracerName)
}
