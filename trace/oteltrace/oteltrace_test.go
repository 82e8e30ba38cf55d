package oteltrace

import (
	"context"
	"testing"

	otrace "go.opentelemetry.io/otel/trace"

	"github.com/raffelio/raffel/trace"
)

const sampleTraceparent = "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"

func TestExtractInjectRoundTrip(t *testing.T) {
	tr := New("test")

	ctx := tr.Extract(context.Background(), map[string]string{"traceparent": sampleTraceparent})
	sc := otrace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		t.Fatal("expected a valid remote span context")
	}
	if got := sc.TraceID().String(); got != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Fatalf("unexpected trace id %q", got)
	}

	out := map[string]string{}
	tr.Inject(ctx, out)
	if out["traceparent"] == "" {
		t.Fatalf("expected traceparent injected, got %v", out)
	}
}

func TestExtractEmptyCarrier(t *testing.T) {
	tr := New("test")
	ctx := context.Background()
	if got := tr.Extract(ctx, nil); got != ctx {
		t.Fatal("empty carrier must not derive a new context")
	}
}

func TestStartSpanWithoutProvider(t *testing.T) {
	// Without a registered provider the global tracer is a noop; the span
	// must still be safe to use and report the remote parent.
	tr := New("test")
	ctx := tr.Extract(context.Background(), map[string]string{"traceparent": sampleTraceparent})

	ctx2, span := tr.StartSpan(ctx, "op", trace.KindServer)
	if ctx2 == nil {
		t.Fatal("expected a context")
	}
	sc := span.Context()
	if sc.ParentSpanID != "00f067aa0ba902b7" {
		t.Fatalf("expected remote parent span id, got %+v", sc)
	}
	span.SetAttribute("k", "v")
	span.End()
}

func TestSpanKindMapping(t *testing.T) {
	if spanKind(trace.KindServer) != otrace.SpanKindServer {
		t.Fatal("server kind mismatch")
	}
	if spanKind(trace.KindClient) != otrace.SpanKindClient {
		t.Fatal("client kind mismatch")
	}
	if spanKind(trace.Kind("other")) != otrace.SpanKindInternal {
		t.Fatal("default kind must be internal")
	}
}
