// Package trace defines the minimal tracing contract used by the tracing
// interceptor: start a span per call, propagate span context through
// metadata carriers, and expose ids for the per-call trace slot.
package trace

import "context"

// Kind classifies a span's role in a call.
type Kind string

const (
	KindServer   Kind = "server"
	KindClient   Kind = "client"
	KindInternal Kind = "internal"
)

// SpanContext identifies a span for the per-call trace slot.
type SpanContext struct {
	TraceID      string
	SpanID       string
	ParentSpanID string
}

// Span is one timed operation.
type Span interface {
	// Context returns the span's identifiers.
	Context() SpanContext
	// SetAttribute attaches a string attribute.
	SetAttribute(key, value string)
	// RecordError marks the span as failed with the given error.
	RecordError(err error)
	// End finishes the span. End must be called exactly once.
	End()
}

// Tracer starts spans and moves span context across process boundaries
// through string-pair carriers (envelope metadata, HTTP headers).
type Tracer interface {
	StartSpan(ctx context.Context, name string, kind Kind) (context.Context, Span)
	// Extract returns a context carrying the remote span context found in
	// carrier, or ctx unchanged when none is present.
	Extract(ctx context.Context, carrier map[string]string) context.Context
	// Inject writes the current span context into carrier.
	Inject(ctx context.Context, carrier map[string]string)
}

type noopTracer struct{}
type noopSpan struct{}

func (noopSpan) Context() SpanContext     { return SpanContext{} }
func (noopSpan) SetAttribute(_, _ string) {}
func (noopSpan) RecordError(error)        {}
func (noopSpan) End()                     {}

func (noopTracer) StartSpan(ctx context.Context, _ string, _ Kind) (context.Context, Span) {
	return ctx, noopSpan{}
}
func (noopTracer) Extract(ctx context.Context, _ map[string]string) context.Context { return ctx }
func (noopTracer) Inject(context.Context, map[string]string)                        {}

// Noop returns a tracer that records nothing.
func Noop() Tracer { return noopTracer{} }
