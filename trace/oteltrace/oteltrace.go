// Package oteltrace adapts OpenTelemetry to the trace.Tracer contract.
// Span context propagates through W3C traceparent/tracestate metadata
// pairs, so calls interoperate with any OpenTelemetry-instrumented peer.
package oteltrace

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	otrace "go.opentelemetry.io/otel/trace"

	"github.com/raffelio/raffel/trace"
)

// Tracer implements trace.Tracer on an OpenTelemetry tracer. The zero
// value is not usable; construct with New.
type Tracer struct {
	tracer otrace.Tracer
	prop   propagation.TextMapPropagator
}

// New returns a Tracer named after the instrumenting package. It uses the
// globally registered OpenTelemetry tracer provider, so exporters are
// configured the usual OpenTelemetry way.
func New(name string) *Tracer {
	return &Tracer{
		tracer: otel.Tracer(name),
		prop:   propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}),
	}
}

// StartSpan implements trace.Tracer.
func (t *Tracer) StartSpan(ctx context.Context, name string, kind trace.Kind) (context.Context, trace.Span) {
	parent := otrace.SpanContextFromContext(ctx)
	ctx, s := t.tracer.Start(ctx, name, otrace.WithSpanKind(spanKind(kind)))
	sp := &span{s: s}
	if parent.HasSpanID() {
		sp.parentSpanID = parent.SpanID().String()
	}
	return ctx, sp
}

// Extract implements trace.Tracer.
func (t *Tracer) Extract(ctx context.Context, carrier map[string]string) context.Context {
	if len(carrier) == 0 {
		return ctx
	}
	return t.prop.Extract(ctx, propagation.MapCarrier(carrier))
}

// Inject implements trace.Tracer.
func (t *Tracer) Inject(ctx context.Context, carrier map[string]string) {
	if carrier == nil {
		return
	}
	t.prop.Inject(ctx, propagation.MapCarrier(carrier))
}

func spanKind(kind trace.Kind) otrace.SpanKind {
	switch kind {
	case trace.KindServer:
		return otrace.SpanKindServer
	case trace.KindClient:
		return otrace.SpanKindClient
	default:
		return otrace.SpanKindInternal
	}
}

type span struct {
	s            otrace.Span
	parentSpanID string
}

func (sp *span) Context() trace.SpanContext {
	sc := sp.s.SpanContext()
	if !sc.IsValid() {
		return trace.SpanContext{ParentSpanID: sp.parentSpanID}
	}
	return trace.SpanContext{
		TraceID:      sc.TraceID().String(),
		SpanID:       sc.SpanID().String(),
		ParentSpanID: sp.parentSpanID,
	}
}

func (sp *span) SetAttribute(key, value string) {
	sp.s.SetAttributes(attribute.String(key, value))
}

func (sp *span) RecordError(err error) {
	if err == nil {
		return
	}
	sp.s.RecordError(err)
	sp.s.SetStatus(codes.Error, err.Error())
}

func (sp *span) End() { sp.s.End() }
