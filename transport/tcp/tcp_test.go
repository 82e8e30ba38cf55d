package tcp

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/raffelio/raffel/call"
	"github.com/raffelio/raffel/envelope"
	"github.com/raffelio/raffel/framing/jsonframe"
	"github.com/raffelio/raffel/registry"
	"github.com/raffelio/raffel/rferrors"
	"github.com/raffelio/raffel/router"
	"github.com/raffelio/raffel/stream"
)

type testServer struct {
	reg  *registry.Registry
	addr string
}

func newTestServer(t *testing.T, cfg Config) *testServer {
	t.Helper()
	reg := registry.New()
	rt := router.New(reg, router.Config{})
	srv := NewServer(rt, cfg)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("server did not drain")
		}
	})
	return &testServer{reg: reg, addr: ln.Addr().String()}
}

func dialClient(t *testing.T, ts *testServer) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, ts.addr, ClientConfig{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func rawDial(t *testing.T, ts *testServer) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", ts.addr, 5*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn net.Conn) *envelope.Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	data, err := jsonframe.ReadFrame(conn, 1<<20)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	env, err := envelope.Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return env
}

func registerEcho(t *testing.T, ts *testServer) {
	t.Helper()
	ts.reg.MustRegisterProcedure(registry.HandlerDef{Name: "echo"}, func(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
		if len(payload) == 0 {
			return json.RawMessage(`null`), nil
		}
		return payload, nil
	})
}

func TestCallRoundTrip(t *testing.T) {
	ts := newTestServer(t, DefaultConfig())
	registerEcho(t, ts)
	c := dialClient(t, ts)

	got, err := c.Call(context.Background(), "echo", json.RawMessage(`{"n":9}`))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if string(got) != `{"n":9}` {
		t.Fatalf("payload = %s", got)
	}
}

func TestCallErrorCarriesCode(t *testing.T) {
	ts := newTestServer(t, DefaultConfig())
	ts.reg.MustRegisterProcedure(registry.HandlerDef{Name: "reject"}, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, rferrors.New(rferrors.CodeFailedPrecondition, "not ready")
	})
	c := dialClient(t, ts)

	_, err := c.Call(context.Background(), "reject", nil)
	if code := rferrors.CodeOf(err); code != rferrors.CodeFailedPrecondition {
		t.Fatalf("code = %s, err = %v", code, err)
	}
}

func TestNotifyRoutesEvent(t *testing.T) {
	ts := newTestServer(t, DefaultConfig())
	got := make(chan json.RawMessage, 1)
	ts.reg.MustRegisterEvent(registry.HandlerDef{Name: "audit.log"}, func(_ context.Context, payload json.RawMessage) error {
		got <- payload
		return nil
	})
	c := dialClient(t, ts)

	if err := c.Notify(context.Background(), "audit.log", json.RawMessage(`{"op":"y"}`)); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	select {
	case p := <-got:
		if string(p) != `{"op":"y"}` {
			t.Fatalf("payload = %s", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event handler never ran")
	}
}

func TestServerStream(t *testing.T) {
	ts := newTestServer(t, DefaultConfig())
	ts.reg.MustRegisterStream(registry.HandlerDef{Name: "countdown"}, func(_ context.Context, payload json.RawMessage, _ stream.Source) (stream.Source, error) {
		var in struct {
			Count int `json:"count"`
		}
		if err := json.Unmarshal(payload, &in); err != nil {
			return nil, rferrors.New(rferrors.CodeInvalidArgument, "count required")
		}
		items := make([]json.RawMessage, 0, in.Count)
		for n := in.Count; n > 0; n-- {
			items = append(items, json.RawMessage(fmt.Sprintf(`{"n":%d}`, n)))
		}
		return stream.FromSlice(items), nil
	})
	c := dialClient(t, ts)

	rs, err := c.Stream(context.Background(), "countdown", json.RawMessage(`{"count":4}`))
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	items, err := stream.Collect(context.Background(), rs)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(items) != 4 {
		t.Fatalf("items = %d", len(items))
	}
	if string(items[0]) != `{"n":4}` || string(items[3]) != `{"n":1}` {
		t.Fatalf("wrong order: %s ... %s", items[0], items[3])
	}
}

func TestBidiStream(t *testing.T) {
	ts := newTestServer(t, DefaultConfig())
	def := registry.HandlerDef{Name: "totals", Direction: registry.DirectionBidi}
	ts.reg.MustRegisterStream(def, func(ctx context.Context, _ json.RawMessage, inbound stream.Source) (stream.Source, error) {
		out := stream.NewPipe(4)
		go func() {
			defer out.CloseSend()
			sum := 0
			for {
				item, err := inbound.Next(ctx)
				if errors.Is(err, io.EOF) {
					return
				}
				if err != nil {
					out.Fail(err)
					return
				}
				var n int
				if err := json.Unmarshal(item, &n); err != nil {
					out.Fail(rferrors.New(rferrors.CodeInvalidArgument, "items must be numbers"))
					return
				}
				sum += n
				if err := out.Emit(ctx, json.RawMessage(fmt.Sprintf(`{"total":%d}`, sum))); err != nil {
					return
				}
			}
		}()
		return out, nil
	})
	c := dialClient(t, ts)

	ctx := context.Background()
	rs, err := c.Stream(ctx, "totals", nil)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	for _, n := range []string{"5", "6"} {
		if err := rs.Send(ctx, json.RawMessage(n)); err != nil {
			t.Fatalf("Send(%s): %v", n, err)
		}
	}
	if err := rs.CloseSend(ctx); err != nil {
		t.Fatalf("CloseSend: %v", err)
	}
	items, err := stream.Collect(ctx, rs)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	want := []string{`{"total":5}`, `{"total":11}`}
	if len(items) != len(want) {
		t.Fatalf("items = %d", len(items))
	}
	for i, w := range want {
		if string(items[i]) != w {
			t.Fatalf("item %d = %s, want %s", i, items[i], w)
		}
	}
}

func TestOversizeFrameClosesConnection(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxFrameBytes = 1024
	ts := newTestServer(t, cfg)
	conn := rawDial(t, ts)

	// Declare a payload over the limit. ReadFrame fails on the header
	// alone, so the payload itself is never sent.
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], 4096)
	if _, err := conn.Write(hdr[:]); err != nil {
		t.Fatalf("write header: %v", err)
	}

	env := readEnvelope(t, conn)
	if env.Type != envelope.TypeError {
		t.Fatalf("frame type = %s", env.Type)
	}
	var body rferrors.Body
	if err := json.Unmarshal(env.Payload, &body); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if body.Code != rferrors.CodeMessageTooLarge {
		t.Fatalf("code = %s", body.Code)
	}

	// The connection is poisoned: the server closes it.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := jsonframe.ReadFrame(conn, 1<<20); err == nil {
		t.Fatal("connection still open after oversize frame")
	}
}

func TestMalformedJSONKeepsConnection(t *testing.T) {
	ts := newTestServer(t, DefaultConfig())
	registerEcho(t, ts)
	conn := rawDial(t, ts)

	if err := jsonframe.WriteFrame(conn, []byte(`{oops`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	env := readEnvelope(t, conn)
	if env.Type != envelope.TypeError {
		t.Fatalf("frame type = %s", env.Type)
	}
	var body rferrors.Body
	_ = json.Unmarshal(env.Payload, &body)
	if body.Code != rferrors.CodeParseError {
		t.Fatalf("code = %s", body.Code)
	}

	// The framing is still aligned, so the next call works.
	if err := jsonframe.WriteJSONFrame(conn, envelope.NewRequest("r1", "echo", json.RawMessage(`{"ok":true}`))); err != nil {
		t.Fatalf("write request: %v", err)
	}
	env = readEnvelope(t, conn)
	if env.Type != envelope.TypeResponse || env.ID != "r1:response" {
		t.Fatalf("response = %+v", env)
	}
	if string(env.Payload) != `{"ok":true}` {
		t.Fatalf("payload = %s", env.Payload)
	}
}

func TestChunkedFramesReassemble(t *testing.T) {
	ts := newTestServer(t, DefaultConfig())
	registerEcho(t, ts)
	conn := rawDial(t, ts)

	req, err := envelope.Encode(envelope.NewRequest("chunky", "echo", json.RawMessage(`{"v":"split across writes"}`)))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	frame := make([]byte, 0, 4+len(req))
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(req)))
	frame = append(frame, hdr[:]...)
	frame = append(frame, req...)

	// Dribble the frame a few bytes at a time.
	for i := 0; i < len(frame); i += 3 {
		end := i + 3
		if end > len(frame) {
			end = len(frame)
		}
		if _, err := conn.Write(frame[i:end]); err != nil {
			t.Fatalf("write chunk: %v", err)
		}
		time.Sleep(time.Millisecond)
	}
	env := readEnvelope(t, conn)
	if env.ID != "chunky:response" {
		t.Fatalf("response = %+v", env)
	}

	// Two frames coalesced into one write parse as two envelopes.
	var both []byte
	for _, id := range []string{"c1", "c2"} {
		b, _ := envelope.Encode(envelope.NewRequest(id, "echo", json.RawMessage(`1`)))
		binary.BigEndian.PutUint32(hdr[:], uint32(len(b)))
		both = append(both, hdr[:]...)
		both = append(both, b...)
	}
	if _, err := conn.Write(both); err != nil {
		t.Fatalf("write coalesced: %v", err)
	}
	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		env := readEnvelope(t, conn)
		seen[env.ID] = true
	}
	if !seen["c1:response"] || !seen["c2:response"] {
		t.Fatalf("responses = %v", seen)
	}
}

func TestDuplicateRequestID(t *testing.T) {
	ts := newTestServer(t, DefaultConfig())
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	ts.reg.MustRegisterProcedure(registry.HandlerDef{Name: "slow"}, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		started <- struct{}{}
		select {
		case <-release:
			return json.RawMessage(`"done"`), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	conn := rawDial(t, ts)

	req, _ := envelope.Encode(envelope.NewRequest("dup", "slow", nil))
	if err := jsonframe.WriteFrame(conn, req); err != nil {
		t.Fatalf("write: %v", err)
	}
	<-started
	if err := jsonframe.WriteFrame(conn, req); err != nil {
		t.Fatalf("write duplicate: %v", err)
	}

	env := readEnvelope(t, conn)
	if env.Type != envelope.TypeError || env.ID != "dup:error" {
		t.Fatalf("first reply = %+v", env)
	}
	var body rferrors.Body
	_ = json.Unmarshal(env.Payload, &body)
	if body.Code != rferrors.CodeInvalidArgument {
		t.Fatalf("code = %s", body.Code)
	}

	close(release)
	env = readEnvelope(t, conn)
	if env.Type != envelope.TypeResponse || env.ID != "dup:response" {
		t.Fatalf("second reply = %+v", env)
	}
}

func TestDisconnectCancelsInFlight(t *testing.T) {
	ts := newTestServer(t, DefaultConfig())
	started := make(chan struct{}, 1)
	cancelled := make(chan struct{}, 1)
	ts.reg.MustRegisterProcedure(registry.HandlerDef{Name: "wait"}, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		started <- struct{}{}
		<-ctx.Done()
		cancelled <- struct{}{}
		return nil, ctx.Err()
	})
	c := dialClient(t, ts)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = c.Call(context.Background(), "wait", nil)
	}()
	<-started
	_ = c.Close()

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect did not cancel the in-flight call")
	}
	wg.Wait()
}

func TestMetadataReachesHandlers(t *testing.T) {
	ts := newTestServer(t, DefaultConfig())
	ts.reg.MustRegisterProcedure(registry.HandlerDef{Name: "meta.echo"}, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		in, _ := call.FromContext(ctx)
		return json.Marshal(map[string]string{
			"tenant":  in.Meta("x-tenant"),
			"request": in.Meta("x-request-id"),
		})
	})
	conn := rawDial(t, ts)

	req := &envelope.Envelope{
		ID:        "m1",
		Procedure: "meta.echo",
		Type:      envelope.TypeRequest,
		Metadata:  map[string]string{"X-Tenant": "t-9"},
	}
	if err := jsonframe.WriteJSONFrame(conn, req); err != nil {
		t.Fatalf("write: %v", err)
	}
	env := readEnvelope(t, conn)
	var out map[string]string
	if err := json.Unmarshal(env.Payload, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["tenant"] != "t-9" || out["request"] != "m1" {
		t.Fatalf("metadata = %+v", out)
	}
}

func TestServeHonorsContextCancel(t *testing.T) {
	reg := registry.New()
	rt := router.New(reg, router.Config{})
	srv := NewServer(rt, DefaultConfig())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx, ln) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Serve returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not stop")
	}
}

func TestIdleTimeoutClosesConnection(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IdleTimeout = 80 * time.Millisecond
	ts := newTestServer(t, cfg)
	conn := rawDial(t, ts)

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := jsonframe.ReadFrame(conn, 1<<20); err == nil {
		t.Fatal("idle connection stayed open")
	}
}

func TestCallFailsWhenPeerCloses(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	c := NewClient(a, ClientConfig{})
	defer c.Close()

	// Drain the request so Call can move past the write and block on the
	// response.
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		_, _ = jsonframe.ReadFrame(b, 1<<20)
	}()

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "any.proc", nil)
		errCh <- err
	}()

	select {
	case <-drained:
		_ = b.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("request never drained")
	}

	select {
	case err := <-errCh:
		if code := rferrors.CodeOf(err); code != rferrors.CodeUnavailable {
			t.Fatalf("code = %s, err = %v", code, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Call never returned")
	}
}

func TestCallContextCancel(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	c := NewClient(a, ClientConfig{})
	defer c.Close()

	go func() { _, _ = jsonframe.ReadFrame(b, 1<<20) }()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := c.Call(ctx, "any.proc", nil)
	if code := rferrors.CodeOf(err); code != rferrors.CodeDeadlineExceeded {
		t.Fatalf("code = %s, err = %v", code, err)
	}
}
