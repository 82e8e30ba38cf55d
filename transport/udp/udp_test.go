package udp

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/raffelio/raffel/envelope"
	"github.com/raffelio/raffel/registry"
	"github.com/raffelio/raffel/rferrors"
	"github.com/raffelio/raffel/router"
)

type testServer struct {
	reg  *registry.Registry
	srv  *Server
	addr string
}

func newTestServer(t *testing.T, cfg Config) *testServer {
	t.Helper()
	reg := registry.New()
	rt := router.New(reg, router.Config{})
	srv := NewServer(rt, cfg)
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx, pc)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("server did not drain")
		}
	})
	return &testServer{reg: reg, srv: srv, addr: pc.LocalAddr().String()}
}

func dialUDP(t *testing.T, ts *testServer) net.Conn {
	t.Helper()
	conn, err := net.Dial("udp", ts.addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn net.Conn, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := conn.Write(b); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func recvEnvelope(t *testing.T, conn net.Conn) *envelope.Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 64<<10)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env envelope.Envelope
	if err := json.Unmarshal(buf[:n], &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return &env
}

func expectSilence(t *testing.T, conn net.Conn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	buf := make([]byte, 64<<10)
	if n, err := conn.Read(buf); err == nil {
		t.Fatalf("unexpected reply: %s", buf[:n])
	}
}

func errBody(t *testing.T, env *envelope.Envelope) rferrors.Body {
	t.Helper()
	if env.Type != envelope.TypeError {
		t.Fatalf("frame type = %s", env.Type)
	}
	var b rferrors.Body
	if err := json.Unmarshal(env.Payload, &b); err != nil {
		t.Fatalf("payload: %v", err)
	}
	return b
}

func TestRequestResponse(t *testing.T) {
	ts := newTestServer(t, DefaultConfig())
	ts.reg.MustRegisterProcedure(registry.HandlerDef{Name: "echo"}, func(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
		return payload, nil
	})
	conn := dialUDP(t, ts)

	send(t, conn, envelope.NewRequest("u1", "echo", json.RawMessage(`{"n":1}`)))
	env := recvEnvelope(t, conn)
	if env.Type != envelope.TypeResponse || env.ID != "u1:response" {
		t.Fatalf("reply = %+v", env)
	}
	if string(env.Payload) != `{"n":1}` {
		t.Fatalf("payload = %s", env.Payload)
	}
}

func TestUnknownProcedure(t *testing.T) {
	ts := newTestServer(t, DefaultConfig())
	conn := dialUDP(t, ts)

	send(t, conn, envelope.NewRequest("u2", "no.such", nil))
	env := recvEnvelope(t, conn)
	if env.ID != "u2:error" {
		t.Fatalf("reply id = %s", env.ID)
	}
	if b := errBody(t, env); b.Code != rferrors.CodeNotFound {
		t.Fatalf("code = %s", b.Code)
	}
}

func TestMalformedRequestAnswered(t *testing.T) {
	ts := newTestServer(t, DefaultConfig())
	conn := dialUDP(t, ts)

	// Parsable probe, unparsable envelope: metadata must be an object.
	if _, err := conn.Write([]byte(`{"type":"request","id":"m1","procedure":"x","metadata":"nope"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	env := recvEnvelope(t, conn)
	if b := errBody(t, env); b.Code != rferrors.CodeParseError {
		t.Fatalf("code = %s", b.Code)
	}

	// Contract violation: requests need an id.
	if _, err := conn.Write([]byte(`{"type":"request","procedure":"x"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	env = recvEnvelope(t, conn)
	if b := errBody(t, env); b.Code != rferrors.CodeInvalidEnvelope {
		t.Fatalf("code = %s", b.Code)
	}
}

func TestGarbageDroppedSilently(t *testing.T) {
	ts := newTestServer(t, DefaultConfig())
	conn := dialUDP(t, ts)

	if _, err := conn.Write([]byte("not json at all")); err != nil {
		t.Fatalf("write: %v", err)
	}
	expectSilence(t, conn)
}

func TestEventsNeverAnswered(t *testing.T) {
	ts := newTestServer(t, DefaultConfig())
	ran := make(chan struct{}, 1)
	ts.reg.MustRegisterEvent(registry.HandlerDef{Name: "tick"}, func(context.Context, json.RawMessage) error {
		ran <- struct{}{}
		return nil
	})
	conn := dialUDP(t, ts)

	send(t, conn, envelope.NewEvent("", "tick", nil))
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("event handler never ran")
	}
	expectSilence(t, conn)

	// Unknown events are dropped without a reply as well.
	send(t, conn, envelope.NewEvent("", "no.such.event", nil))
	expectSilence(t, conn)

	// Malformed events too: no procedure fails the contract.
	if _, err := conn.Write([]byte(`{"type":"event"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	expectSilence(t, conn)
}

func TestStreamsUnimplemented(t *testing.T) {
	ts := newTestServer(t, DefaultConfig())
	conn := dialUDP(t, ts)

	send(t, conn, &envelope.Envelope{ID: "s1", Procedure: "feed", Type: envelope.TypeStreamStart})
	env := recvEnvelope(t, conn)
	if env.ID != "s1:error" {
		t.Fatalf("reply id = %s", env.ID)
	}
	if b := errBody(t, env); b.Code != rferrors.CodeUnimplemented {
		t.Fatalf("code = %s", b.Code)
	}
}

func TestOversizeResponseMapped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxDatagramBytes = 512
	ts := newTestServer(t, cfg)
	ts.reg.MustRegisterProcedure(registry.HandlerDef{Name: "blob"}, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		big := make([]byte, 2048)
		for i := range big {
			big[i] = 'a'
		}
		return json.Marshal(string(big))
	})
	conn := dialUDP(t, ts)

	send(t, conn, envelope.NewRequest("b1", "blob", nil))
	env := recvEnvelope(t, conn)
	if b := errBody(t, env); b.Code != rferrors.CodeMessageTooLarge {
		t.Fatalf("code = %s", b.Code)
	}
}

func TestServerSendPushesUnsolicited(t *testing.T) {
	ts := newTestServer(t, DefaultConfig())
	conn := dialUDP(t, ts)

	// The connected socket's local address is where Send must aim.
	ev := envelope.NewEvent("push-1", "alerts.fired", json.RawMessage(`{"sev":"high"}`))
	if err := ts.srv.Send(conn.LocalAddr(), ev); err != nil {
		t.Fatalf("Send: %v", err)
	}
	env := recvEnvelope(t, conn)
	if env.Type != envelope.TypeEvent || env.Procedure != "alerts.fired" {
		t.Fatalf("pushed = %+v", env)
	}
	if string(env.Payload) != `{"sev":"high"}` {
		t.Fatalf("payload = %s", env.Payload)
	}
}

func TestSendRequiresServing(t *testing.T) {
	reg := registry.New()
	srv := NewServer(router.New(reg, router.Config{}), DefaultConfig())
	err := srv.Send(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9}, envelope.NewEvent("", "x", nil))
	if code := rferrors.CodeOf(err); code != rferrors.CodeFailedPrecondition {
		t.Fatalf("code = %s, err = %v", code, err)
	}
}
