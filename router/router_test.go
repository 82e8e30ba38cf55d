package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/raffelio/raffel/call"
	"github.com/raffelio/raffel/envelope"
	"github.com/raffelio/raffel/observability"
	"github.com/raffelio/raffel/registry"
	"github.com/raffelio/raffel/rferrors"
	"github.com/raffelio/raffel/stream"
	"github.com/raffelio/raffel/validate"
)

// fakeValidator accepts any payload whose schema handle is "any" and
// rejects everything under the "reject" handle.
type fakeValidator struct{}

func (fakeValidator) Validate(schema validate.Schema, value json.RawMessage) (json.RawMessage, error) {
	if schema == "reject" {
		return nil, &validate.Error{Message: "rejected by schema", Diagnostic: json.RawMessage(`{"valid":false}`)}
	}
	return value, nil
}

func echoHandler(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
	return payload, nil
}

func newTestRouter(t *testing.T, cfg Config) (*registry.Registry, *Router) {
	t.Helper()
	reg := registry.New()
	return reg, New(reg, cfg)
}

func TestHandleProcedure(t *testing.T) {
	reg, r := newTestRouter(t, Config{})
	if err := reg.RegisterProcedure(registry.HandlerDef{Name: "greet"}, echoHandler); err != nil {
		t.Fatalf("register: %v", err)
	}

	env := envelope.NewRequest("req_1", "greet", json.RawMessage(`{"name":"Ada"}`))
	res, err := r.Handle(context.Background(), env)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if string(res.Payload) != `{"name":"Ada"}` {
		t.Fatalf("unexpected payload %s", res.Payload)
	}
	if res.Stream != nil {
		t.Fatal("procedure result must not carry a stream")
	}
}

func TestHandleNotFound(t *testing.T) {
	_, r := newTestRouter(t, Config{})
	_, err := r.Handle(context.Background(), envelope.NewRequest("req_1", "nope", nil))
	if rferrors.CodeOf(err) != rferrors.CodeNotFound {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestHandleKindMismatch(t *testing.T) {
	reg, r := newTestRouter(t, Config{})
	if err := reg.RegisterStream(registry.HandlerDef{Name: "ticks"}, func(context.Context, json.RawMessage, stream.Source) (stream.Source, error) {
		return stream.Empty(), nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	// A request envelope cannot invoke a stream handler.
	_, err := r.Handle(context.Background(), envelope.NewRequest("req_1", "ticks", nil))
	if rferrors.CodeOf(err) != rferrors.CodeInvalidArgument {
		t.Fatalf("expected INVALID_ARGUMENT, got %v", err)
	}
}

func TestInputValidation(t *testing.T) {
	reg, r := newTestRouter(t, Config{Validator: fakeValidator{}})
	if err := reg.RegisterProcedure(registry.HandlerDef{Name: "strict", Input: "reject"}, echoHandler); err != nil {
		t.Fatalf("register: %v", err)
	}

	_, err := r.Handle(context.Background(), envelope.NewRequest("req_1", "strict", json.RawMessage(`{}`)))
	e := rferrors.Classify(err)
	if e.Code != rferrors.CodeValidationError {
		t.Fatalf("expected VALIDATION_ERROR, got %v", err)
	}
	if string(e.Details) != `{"valid":false}` {
		t.Fatalf("expected diagnostic details, got %s", e.Details)
	}
}

func TestOutputValidation(t *testing.T) {
	reg, r := newTestRouter(t, Config{Validator: fakeValidator{}})
	if err := reg.RegisterProcedure(registry.HandlerDef{Name: "broken", Output: "reject"}, echoHandler); err != nil {
		t.Fatalf("register: %v", err)
	}

	_, err := r.Handle(context.Background(), envelope.NewRequest("req_1", "broken", json.RawMessage(`{}`)))
	if rferrors.CodeOf(err) != rferrors.CodeOutputValidationError {
		t.Fatalf("expected OUTPUT_VALIDATION_ERROR, got %v", err)
	}
}

func TestInterceptorOrderAndShortCircuit(t *testing.T) {
	reg, r := newTestRouter(t, Config{})
	if err := reg.RegisterProcedure(registry.HandlerDef{Name: "greet"}, echoHandler); err != nil {
		t.Fatalf("register: %v", err)
	}

	var order []string
	named := func(name string) Interceptor {
		return func(ctx context.Context, env *envelope.Envelope, next Invoke) (Result, error) {
			order = append(order, name+":before")
			res, err := next(ctx, env)
			order = append(order, name+":after")
			return res, err
		}
	}
	r.Use(named("a"))
	r.Use(named("b"))

	if _, err := r.Handle(context.Background(), envelope.NewRequest("req_1", "greet", nil)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	want := []string{"a:before", "b:before", "b:after", "a:after"}
	if fmt.Sprint(order) != fmt.Sprint(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}

	// Short-circuit: deny without calling next.
	r.Use(func(ctx context.Context, env *envelope.Envelope, next Invoke) (Result, error) {
		return Result{}, rferrors.New(rferrors.CodePermissionDenied, "no")
	})
	_, err := r.Handle(context.Background(), envelope.NewRequest("req_2", "greet", nil))
	if rferrors.CodeOf(err) != rferrors.CodePermissionDenied {
		t.Fatalf("expected PERMISSION_DENIED, got %v", err)
	}
}

func TestInterceptorInstallIsCopyOnWrite(t *testing.T) {
	reg, r := newTestRouter(t, Config{})

	entered := make(chan struct{})
	release := make(chan struct{})
	if err := reg.RegisterProcedure(registry.HandlerDef{Name: "slow"}, func(ctx context.Context, p json.RawMessage) (json.RawMessage, error) {
		close(entered)
		<-release
		return p, nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	var lateCalls int
	var mu sync.Mutex

	done := make(chan error, 1)
	go func() {
		_, err := r.Handle(context.Background(), envelope.NewRequest("req_1", "slow", nil))
		done <- err
	}()
	<-entered

	// Installed mid-flight: must not run for the in-flight call.
	r.Use(func(ctx context.Context, env *envelope.Envelope, next Invoke) (Result, error) {
		mu.Lock()
		lateCalls++
		mu.Unlock()
		return next(ctx, env)
	})
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("in-flight call failed: %v", err)
	}
	mu.Lock()
	if lateCalls != 0 {
		t.Fatalf("late interceptor ran %d times for the in-flight call", lateCalls)
	}
	mu.Unlock()

	// Next call sees it.
	if _, err := r.Handle(context.Background(), envelope.NewRequest("req_2", "slow", nil)); err == nil {
		mu.Lock()
		if lateCalls != 1 {
			t.Fatalf("late interceptor calls = %d, want 1", lateCalls)
		}
		mu.Unlock()
	} else {
		t.Fatalf("second call: %v", err)
	}
}

func TestPanicRecovery(t *testing.T) {
	reg, r := newTestRouter(t, Config{})
	if err := reg.RegisterProcedure(registry.HandlerDef{Name: "boom"}, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		panic("kaboom")
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	_, err := r.Handle(context.Background(), envelope.NewRequest("req_1", "boom", nil))
	e := rferrors.Classify(err)
	if e.Code != rferrors.CodeInternal {
		t.Fatalf("expected INTERNAL_ERROR, got %v", err)
	}
	if e.Message != "internal error" {
		t.Fatalf("panic detail leaked: %q", e.Message)
	}
}

func TestUnknownErrorsAreSanitized(t *testing.T) {
	reg, r := newTestRouter(t, Config{})
	if err := reg.RegisterProcedure(registry.HandlerDef{Name: "fail"}, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("password=hunter2 leaked")
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	_, err := r.Handle(context.Background(), envelope.NewRequest("req_1", "fail", nil))
	e := rferrors.Classify(err)
	if e.Code != rferrors.CodeInternal || e.Message != "internal error" {
		t.Fatalf("expected sanitized INTERNAL_ERROR, got %v", err)
	}
}

func TestEventAckAndErrorSwallowing(t *testing.T) {
	reg, r := newTestRouter(t, Config{})
	calls := 0
	if err := reg.RegisterEvent(registry.HandlerDef{Name: "audit"}, func(context.Context, json.RawMessage) error {
		calls++
		return errors.New("downstream unavailable")
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	env := envelope.NewEvent("evt_1", "audit", json.RawMessage(`{"a":1}`))
	res, err := r.Handle(context.Background(), env)
	if err != nil {
		t.Fatalf("event errors must be swallowed, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("handler ran %d times", calls)
	}
	if string(res.Payload) != string(EventAck) {
		t.Fatalf("expected ack payload, got %s", res.Payload)
	}
}

func TestEventCancellationPropagates(t *testing.T) {
	reg, r := newTestRouter(t, Config{})
	if err := reg.RegisterEvent(registry.HandlerDef{Name: "audit"}, func(ctx context.Context, _ json.RawMessage) error {
		return context.Canceled
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	_, err := r.Handle(context.Background(), envelope.NewEvent("evt_1", "audit", nil))
	if rferrors.CodeOf(err) != rferrors.CodeCancelled {
		t.Fatalf("expected CANCELLED, got %v", err)
	}
}

func TestStreamDispatchAndInboundPassThrough(t *testing.T) {
	reg, r := newTestRouter(t, Config{})
	if err := reg.RegisterStream(registry.HandlerDef{Name: "sum", Direction: registry.DirectionBidi}, func(ctx context.Context, _ json.RawMessage, inbound stream.Source) (stream.Source, error) {
		out := stream.NewPipe(4)
		go func() {
			total := 0
			for {
				item, err := inbound.Next(ctx)
				if errors.Is(err, io.EOF) {
					break
				}
				if err != nil {
					out.Fail(err)
					return
				}
				var n int
				if err := json.Unmarshal(item, &n); err != nil {
					out.Fail(err)
					return
				}
				total += n
			}
			out.Emit(ctx, json.RawMessage(fmt.Sprintf("%d", total)))
			out.CloseSend()
		}()
		return out, nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	inbound := stream.FromSlice([]json.RawMessage{
		json.RawMessage(`1`), json.RawMessage(`2`), json.RawMessage(`3`),
	})
	env := &envelope.Envelope{ID: "req_1", Procedure: "sum", Type: envelope.TypeStreamStart}
	res, err := r.HandleStream(context.Background(), env, inbound)
	if err != nil {
		t.Fatalf("handle stream: %v", err)
	}
	items, err := stream.Collect(context.Background(), res.Stream)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(items) != 1 || string(items[0]) != "6" {
		t.Fatalf("unexpected items %v", items)
	}
}

func TestCallInfoDefaults(t *testing.T) {
	reg, r := newTestRouter(t, Config{})
	var got *call.Info
	if err := reg.RegisterProcedure(registry.HandlerDef{Name: "who"}, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		got, _ = call.FromContext(ctx)
		return nil, nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	env := envelope.NewRequest("req_7", "who", nil)
	env.Metadata = map[string]string{"x-tenant": "acme"}
	if _, err := r.Handle(context.Background(), env); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got == nil {
		t.Fatal("expected call info in handler context")
	}
	if got.Transport != call.TransportLocal {
		t.Fatalf("expected local transport, got %q", got.Transport)
	}
	if got.RequestID != "req_7" {
		t.Fatalf("expected request id from envelope, got %q", got.RequestID)
	}
	if got.Meta("x-tenant") != "acme" {
		t.Fatalf("expected metadata from envelope, got %v", got.Metadata)
	}
}

type recordingObserver struct {
	mu       sync.Mutex
	requests []string
	items    int
	ends     []observability.StreamResult
	panics   int
}

func (o *recordingObserver) Request(kind observability.RequestKind, result observability.RequestResult, _ time.Duration) {
	o.mu.Lock()
	o.requests = append(o.requests, string(kind)+"/"+string(result))
	o.mu.Unlock()
}
func (o *recordingObserver) StreamItem() { o.mu.Lock(); o.items++; o.mu.Unlock() }
func (o *recordingObserver) StreamEnd(r observability.StreamResult) {
	o.mu.Lock()
	o.ends = append(o.ends, r)
	o.mu.Unlock()
}
func (o *recordingObserver) Panic() { o.mu.Lock(); o.panics++; o.mu.Unlock() }

func TestObserverSeesRequestsAndStreams(t *testing.T) {
	obs := &recordingObserver{}
	reg, r := newTestRouter(t, Config{Observer: obs})
	if err := reg.RegisterStream(registry.HandlerDef{Name: "ticks"}, func(context.Context, json.RawMessage, stream.Source) (stream.Source, error) {
		return stream.FromSlice([]json.RawMessage{json.RawMessage(`1`), json.RawMessage(`2`)}), nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	env := &envelope.Envelope{ID: "s1", Procedure: "ticks", Type: envelope.TypeStreamStart}
	res, err := r.Handle(context.Background(), env)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if _, err := stream.Collect(context.Background(), res.Stream); err != nil {
		t.Fatalf("collect: %v", err)
	}

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.requests) != 1 || obs.requests[0] != "stream/ok" {
		t.Fatalf("unexpected requests %v", obs.requests)
	}
	if obs.items != 2 {
		t.Fatalf("expected 2 stream items, got %d", obs.items)
	}
	if len(obs.ends) != 1 || obs.ends[0] != observability.StreamResultOK {
		t.Fatalf("unexpected stream ends %v", obs.ends)
	}
}

func TestHandleEnvelopeRendersReplies(t *testing.T) {
	reg, r := newTestRouter(t, Config{})
	if err := reg.RegisterProcedure(registry.HandlerDef{Name: "greet"}, echoHandler); err != nil {
		t.Fatalf("register: %v", err)
	}

	reply := r.HandleEnvelope(context.Background(), envelope.NewRequest("req_1", "greet", json.RawMessage(`"hi"`)))
	if reply.Type != envelope.TypeResponse || reply.ID != "req_1:response" {
		t.Fatalf("unexpected reply %+v", reply)
	}
	if string(reply.Payload) != `"hi"` {
		t.Fatalf("unexpected payload %s", reply.Payload)
	}

	reply = r.HandleEnvelope(context.Background(), envelope.NewRequest("req_2", "nope", nil))
	if reply.Type != envelope.TypeError || reply.ID != "req_2:error" {
		t.Fatalf("unexpected reply %+v", reply)
	}
	var body rferrors.Body
	if err := json.Unmarshal(reply.Payload, &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Code != rferrors.CodeNotFound {
		t.Fatalf("unexpected code %s", body.Code)
	}

	reply = r.HandleEnvelope(context.Background(), &envelope.Envelope{ID: "s1", Procedure: "greet", Type: envelope.TypeStreamStart})
	if err := json.Unmarshal(reply.Payload, &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Code != rferrors.CodeUnimplemented {
		t.Fatalf("stream start must be refused, got %s", body.Code)
	}
}
