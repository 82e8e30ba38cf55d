package typed

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/raffelio/raffel/registry"
	"github.com/raffelio/raffel/rferrors"
	"github.com/raffelio/raffel/stream"
)

type greetIn struct {
	Name string `json:"name"`
}

type greetOut struct {
	Greeting string `json:"greeting"`
}

func lookupProcedure(t *testing.T, reg *registry.Registry, name string) registry.ProcedureFunc {
	t.Helper()
	r, ok := reg.Lookup(name)
	if !ok {
		t.Fatalf("%q not registered", name)
	}
	return r.Procedure
}

func TestRegisterProcedureRoundTrip(t *testing.T) {
	reg := registry.New()
	MustRegisterProcedure(reg, registry.HandlerDef{Name: "greet"}, func(_ context.Context, in *greetIn) (*greetOut, error) {
		return &greetOut{Greeting: "hello " + in.Name}, nil
	})

	h := lookupProcedure(t, reg, "greet")
	raw, err := h(context.Background(), json.RawMessage(`{"name":"ada"}`))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	var out greetOut
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Greeting != "hello ada" {
		t.Fatalf("greeting = %q", out.Greeting)
	}
}

func TestRegisterProcedureRejectsBadPayload(t *testing.T) {
	reg := registry.New()
	MustRegisterProcedure(reg, registry.HandlerDef{Name: "greet"}, func(_ context.Context, in *greetIn) (*greetOut, error) {
		t.Fatal("handler must not run")
		return nil, nil
	})

	h := lookupProcedure(t, reg, "greet")
	_, err := h(context.Background(), json.RawMessage(`{"name":5}`))
	if code := rferrors.CodeOf(err); code != rferrors.CodeInvalidArgument {
		t.Fatalf("code = %s, err = %v", code, err)
	}
}

func TestZeroValuesOnBothSides(t *testing.T) {
	reg := registry.New()
	MustRegisterProcedure(reg, registry.HandlerDef{Name: "defaults"}, func(_ context.Context, in *greetIn) (*greetOut, error) {
		if in == nil || in.Name != "" {
			t.Fatalf("in = %+v", in)
		}
		return nil, nil
	})

	h := lookupProcedure(t, reg, "defaults")
	raw, err := h(context.Background(), nil)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if string(raw) != `{"greeting":""}` {
		t.Fatalf("zero response = %s", raw)
	}
}

func TestRegisterEventDecodesPayload(t *testing.T) {
	reg := registry.New()
	got := make(chan string, 1)
	MustRegisterEvent(reg, registry.HandlerDef{Name: "audit.log"}, func(_ context.Context, in *greetIn) error {
		got <- in.Name
		return nil
	})

	r, ok := reg.Lookup("audit.log")
	if !ok {
		t.Fatal("event not registered")
	}
	if err := r.Event(context.Background(), json.RawMessage(`{"name":"eve"}`)); err != nil {
		t.Fatalf("event: %v", err)
	}
	if name := <-got; name != "eve" {
		t.Fatalf("name = %q", name)
	}

	err := r.Event(context.Background(), json.RawMessage(`[1,2]`))
	if code := rferrors.CodeOf(err); code != rferrors.CodeInvalidArgument {
		t.Fatalf("code = %s", code)
	}
}

func TestRegisterStreamDecodesStartPayload(t *testing.T) {
	reg := registry.New()
	MustRegisterStream(reg, registry.HandlerDef{Name: "feed", Direction: registry.DirectionServer}, func(_ context.Context, in *greetIn, _ stream.Source) (stream.Source, error) {
		return stream.FromSlice([]json.RawMessage{
			json.RawMessage(`"for ` + in.Name + `"`),
		}), nil
	})

	r, ok := reg.Lookup("feed")
	if !ok {
		t.Fatal("stream not registered")
	}
	src, err := r.Stream(context.Background(), json.RawMessage(`{"name":"bob"}`), stream.Empty())
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	items, err := stream.Collect(context.Background(), src)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(items) != 1 || string(items[0]) != `"for bob"` {
		t.Fatalf("items = %v", items)
	}
}

type fakeCaller struct {
	gotProcedure string
	gotPayload   string
	reply        json.RawMessage
	err          error
}

func (f *fakeCaller) Call(_ context.Context, procedure string, payload json.RawMessage) (json.RawMessage, error) {
	f.gotProcedure = procedure
	f.gotPayload = string(payload)
	return f.reply, f.err
}

func TestCallEncodesAndDecodes(t *testing.T) {
	fc := &fakeCaller{reply: json.RawMessage(`{"greeting":"hi ada"}`)}
	out, err := Call[greetIn, greetOut](context.Background(), fc, "greet", &greetIn{Name: "ada"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if fc.gotProcedure != "greet" || fc.gotPayload != `{"name":"ada"}` {
		t.Fatalf("sent %s %s", fc.gotProcedure, fc.gotPayload)
	}
	if out.Greeting != "hi ada" {
		t.Fatalf("greeting = %q", out.Greeting)
	}
}

func TestCallSendsZeroForNil(t *testing.T) {
	fc := &fakeCaller{reply: nil}
	out, err := Call[greetIn, greetOut](context.Background(), fc, "greet", nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if fc.gotPayload != `{"name":""}` {
		t.Fatalf("sent %s", fc.gotPayload)
	}
	if out == nil || out.Greeting != "" {
		t.Fatalf("out = %+v", out)
	}
}

func TestCallPassesErrorsThrough(t *testing.T) {
	want := rferrors.New(rferrors.CodeNotFound, "no such procedure")
	fc := &fakeCaller{err: want}
	_, err := Call[greetIn, greetOut](context.Background(), fc, "greet", nil)
	if !errors.Is(err, want) {
		t.Fatalf("err = %v", err)
	}
}

type fakeNotifier struct {
	gotName    string
	gotPayload string
}

func (f *fakeNotifier) Notify(_ context.Context, name string, payload json.RawMessage) error {
	f.gotName = name
	f.gotPayload = string(payload)
	return nil
}

func TestNotifyEncodes(t *testing.T) {
	fn := &fakeNotifier{}
	if err := Notify(context.Background(), fn, "audit.log", &greetIn{Name: "eve"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if fn.gotName != "audit.log" || fn.gotPayload != `{"name":"eve"}` {
		t.Fatalf("sent %s %s", fn.gotName, fn.gotPayload)
	}
}

func TestSourceFunc(t *testing.T) {
	n := 0
	src := SourceFunc(func(context.Context) (*greetOut, error) {
		n++
		if n > 2 {
			return nil, io.EOF
		}
		return &greetOut{Greeting: "hi"}, nil
	})

	items, err := stream.Collect(context.Background(), src)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(items) != 2 || string(items[0]) != `{"greeting":"hi"}` {
		t.Fatalf("items = %v", items)
	}
	if _, err := src.Next(context.Background()); !errors.Is(err, stream.ErrClosed) {
		t.Fatalf("after close: %v", err)
	}
}

func TestCollectItems(t *testing.T) {
	src := stream.FromSlice([]json.RawMessage{
		json.RawMessage(`{"greeting":"a"}`),
		json.RawMessage(`{"greeting":"b"}`),
	})
	items, err := CollectItems[greetOut](context.Background(), src)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(items) != 2 || items[0].Greeting != "a" || items[1].Greeting != "b" {
		t.Fatalf("items = %v", items)
	}

	bad := stream.FromSlice([]json.RawMessage{json.RawMessage(`42`)})
	_, err = CollectItems[greetOut](context.Background(), bad)
	if code := rferrors.CodeOf(err); code != rferrors.CodeInvalidArgument {
		t.Fatalf("code = %s", code)
	}
}
