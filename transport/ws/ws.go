// Package ws adapts the router and the channel hub to WebSocket: one
// long-lived connection multiplexes envelope calls (request, stream,
// event) with channel frames (subscribe, publish, presence).
//
// The wire is JSON text messages. Client messages are told apart by
// their "type" field: channel verbs go to the hub, envelope types go to
// the router. Every outbound frame passes through the connection's
// fan-out mailbox, so one writer goroutine preserves per-connection
// FIFO order and slow consumers drop their oldest frames instead of
// blocking anyone else.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/raffelio/raffel/call"
	"github.com/raffelio/raffel/envelope"
	"github.com/raffelio/raffel/internal/calltrack"
	"github.com/raffelio/raffel/internal/defaults"
	"github.com/raffelio/raffel/internal/requestid"
	"github.com/raffelio/raffel/observability"
	"github.com/raffelio/raffel/origin"
	"github.com/raffelio/raffel/realtime"
	"github.com/raffelio/raffel/registry"
	"github.com/raffelio/raffel/rferrors"
	"github.com/raffelio/raffel/router"
	"github.com/raffelio/raffel/stream"
)

// Config controls the WebSocket adapter.
type Config struct {
	// MaxMessageBytes caps one inbound text message; <= 0 selects the
	// 1 MiB default. Oversize messages poison the connection.
	MaxMessageBytes int64
	// PingInterval is the server heartbeat period; <= 0 selects the
	// default. Two missed pongs close the connection.
	PingInterval time.Duration
	// AllowedOrigins is the handshake Origin allowlist (see
	// origin.Allowed). Empty denies every browser origin.
	AllowedOrigins []string
	// AllowNoOrigin admits handshakes that carry no Origin header.
	AllowNoOrigin bool
	// Logger receives adapter faults and connection lifecycle at debug.
	Logger zerolog.Logger
	// Observer receives connection metrics; nil installs the no-op one.
	Observer observability.TransportObserver
}

// DefaultConfig returns the adapter defaults: 1 MiB messages, 30s pings,
// non-browser clients admitted.
func DefaultConfig() Config {
	return Config{
		MaxMessageBytes: defaults.MaxMessageBytes,
		PingInterval:    defaults.PingInterval,
		AllowNoOrigin:   true,
	}
}

// Handler upgrades HTTP requests and serves the WebSocket protocol over
// one router and one channel hub.
type Handler struct {
	router *router.Router
	hub    *realtime.Hub
	cfg    Config
	log    zerolog.Logger
	obs    observability.TransportObserver

	conns atomic.Int64
}

// New returns the WebSocket adapter for r. A nil hub gets a private one
// with no channels defined, so envelope traffic works and subscribes
// answer NOT_FOUND.
func New(r *router.Router, hub *realtime.Hub, cfg Config) *Handler {
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = defaults.MaxMessageBytes
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaults.PingInterval
	}
	obs := cfg.Observer
	if obs == nil {
		obs = observability.NoopTransportObserver
	}
	if hub == nil {
		hub = realtime.NewHub(realtime.Config{Logger: cfg.Logger})
	}
	return &Handler{router: r, hub: hub, cfg: cfg, log: cfg.Logger, obs: obs}
}

// Hub returns the channel hub this adapter serves.
func (h *Handler) Hub() *realtime.Hub { return h.hub }

// wsConn is the server-side state of one upgraded connection.
type wsConn struct {
	id     string
	mbox   *realtime.Mailbox
	md     map[string]string
	remote string
	calls  *calltrack.Table
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := Upgrade(w, r, UpgradeOptions{
		Subprotocols: []string{Subprotocol},
		CheckOrigin:  origin.NewChecker(h.cfg.AllowedOrigins, h.cfg.AllowNoOrigin),
	})
	if err != nil {
		// The upgrader already wrote the handshake error.
		h.log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	h.serve(r, c)
}

// serve owns the connection: it attaches a hub session, starts the
// writer and heartbeat goroutines, and runs the read loop until the
// peer leaves or a fault closes the connection.
func (h *Handler) serve(r *http.Request, c *Conn) {
	id := requestid.New("conn")
	md := handshakeMetadata(r)
	mbox, err := h.hub.Attach(id, md)
	if err != nil {
		_ = c.CloseWithStatus(websocket.CloseInternalServerErr, "attach failed")
		return
	}
	h.obs.ConnCount(call.TransportWS, h.conns.Add(1))
	defer func() { h.obs.ConnCount(call.TransportWS, h.conns.Add(-1)) }()

	sc := &wsConn{
		id:     id,
		mbox:   mbox,
		md:     md,
		remote: r.RemoteAddr,
		calls:  calltrack.New(),
	}

	ctx, cancel := context.WithCancel(r.Context())
	var once sync.Once
	shutdown := func(reason observability.CloseReason) {
		once.Do(func() {
			cancel()
			h.hub.Detach(id)
			_ = c.Close()
			h.obs.Close(call.TransportWS, reason)
			h.log.Debug().Str("conn", id).Str("reason", string(reason)).Msg("websocket closed")
		})
	}

	c.SetReadLimit(h.cfg.MaxMessageBytes)

	// Writer: single goroutine draining the mailbox keeps frame order.
	go func() {
		for {
			frame, ok := mbox.Next()
			if !ok {
				return
			}
			if err := c.WriteMessage(ctx, websocket.TextMessage, frame); err != nil {
				h.obs.FrameError(call.TransportWS, observability.FrameWrite)
				shutdown(observability.CloseReasonWriteError)
				return
			}
		}
	}()

	// Heartbeat: ping every interval, close after two unanswered pings.
	var lastPong atomic.Int64
	lastPong.Store(time.Now().UnixNano())
	c.SetPongHandler(func(string) error {
		lastPong.Store(time.Now().UnixNano())
		return nil
	})
	go func() {
		wait := defaults.PongWait(h.cfg.PingInterval)
		t := time.NewTicker(h.cfg.PingInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if time.Since(time.Unix(0, lastPong.Load())) > wait {
					shutdown(observability.CloseReasonHeartbeatFailed)
					return
				}
				if err := c.Ping(time.Now().Add(h.cfg.PingInterval)); err != nil {
					shutdown(observability.CloseReasonWriteError)
					return
				}
			}
		}
	}()

	for {
		mt, data, err := c.ReadMessage(ctx)
		if err != nil {
			shutdown(closeReason(ctx, err))
			return
		}
		if mt != websocket.TextMessage {
			h.obs.FrameError(call.TransportWS, observability.FrameRead)
			h.enqueueFrame(sc, realtime.ErrorFrame("", rferrors.New(rferrors.CodeInvalidEnvelope, "binary frames are not supported")))
			continue
		}
		h.dispatch(ctx, sc, data)
	}
}

func closeReason(ctx context.Context, err error) observability.CloseReason {
	switch {
	case ctx.Err() != nil:
		return observability.CloseReasonShutdown
	case errors.Is(err, websocket.ErrReadLimit):
		return observability.CloseReasonFrameTooLarge
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		return observability.CloseReasonPeerClosed
	default:
		return observability.CloseReasonReadError
	}
}

// dispatch tells channel frames and envelopes apart by the type field
// and routes each to its handler. Channel verbs run inline: hub calls
// never block, and inline processing keeps the ack-before-broadcast
// ordering trivially true per connection.
func (h *Handler) dispatch(ctx context.Context, sc *wsConn, data []byte) {
	var probe struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		h.obs.FrameError(call.TransportWS, observability.FrameRead)
		h.enqueueFrame(sc, realtime.ErrorFrame("", rferrors.New(rferrors.CodeParseError, "frame is not valid JSON")))
		return
	}
	switch probe.Type {
	case realtime.FrameSubscribe, realtime.FrameUnsubscribe, realtime.FramePublish, realtime.FramePing:
		h.serveChannelFrame(ctx, sc, data)
	default:
		if envelope.Type(probe.Type).Valid() {
			h.serveEnvelope(ctx, sc, data, probe.ID)
			return
		}
		h.enqueueFrame(sc, realtime.ErrorFrame(probe.ID, rferrors.Newf(rferrors.CodeInvalidEnvelope, "unknown frame type %q", probe.Type)))
	}
}

func (h *Handler) serveChannelFrame(ctx context.Context, sc *wsConn, data []byte) {
	var f realtime.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		h.enqueueFrame(sc, realtime.ErrorFrame("", rferrors.New(rferrors.CodeParseError, "malformed channel frame")))
		return
	}
	var err error
	switch f.Type {
	case realtime.FramePing:
		h.enqueueFrame(sc, &realtime.Frame{Type: realtime.FramePong, ID: f.ID})
		return
	case realtime.FrameSubscribe:
		err = h.hub.Subscribe(ctx, sc.id, &f)
	case realtime.FrameUnsubscribe:
		err = h.hub.Unsubscribe(sc.id, &f)
	case realtime.FramePublish:
		err = h.hub.Publish(ctx, sc.id, &f)
	}
	if err != nil {
		ef := realtime.ErrorFrame(f.ID, err)
		ef.Channel = f.Channel
		h.enqueueFrame(sc, ef)
	}
}

func (h *Handler) serveEnvelope(ctx context.Context, sc *wsConn, data []byte, probeID string) {
	env, err := envelope.Decode(data)
	if err != nil {
		code := rferrors.CodeInvalidEnvelope
		if errors.Is(err, envelope.ErrMalformed) {
			code = rferrors.CodeParseError
		}
		h.obs.FrameError(call.TransportWS, observability.FrameRead)
		h.enqueueEnvelope(sc, rferrors.ToEnvelope(probeID, rferrors.Wrap(code, "invalid envelope", err)))
		return
	}
	switch env.Type {
	case envelope.TypeRequest:
		h.startRequest(ctx, sc, env)
	case envelope.TypeEvent:
		go h.serveEvent(ctx, sc, env)
	case envelope.TypeStreamStart:
		h.startStream(ctx, sc, env)
	case envelope.TypeStreamData:
		h.feedStream(ctx, sc, env, false)
	case envelope.TypeStreamEnd:
		h.feedStream(ctx, sc, env, true)
	case envelope.TypeStreamError:
		h.abortInbound(sc, env)
	default:
		h.enqueueEnvelope(sc, rferrors.ToEnvelope(env.ID, rferrors.Newf(rferrors.CodeInvalidEnvelope, "clients cannot send %q envelopes", env.Type)))
	}
}

// startRequest registers the call and runs it in its own goroutine so a
// slow handler never stalls the read loop.
func (h *Handler) startRequest(ctx context.Context, sc *wsConn, env *envelope.Envelope) {
	callCtx, cancel := context.WithCancel(ctx)
	lc := &calltrack.Call{Cancel: cancel}
	if _, ok := sc.calls.Start(env.ID, lc, false); !ok {
		cancel()
		h.enqueueEnvelope(sc, rferrors.ToEnvelope(env.ID, rferrors.Newf(rferrors.CodeInvalidArgument, "request id %q is already in flight", env.ID)))
		return
	}
	go func() {
		defer sc.calls.Finish(env.ID, lc)
		in := h.callInfo(sc, env)
		res, err := h.router.Handle(call.NewContext(callCtx, in), env)
		if err != nil {
			h.enqueueEnvelope(sc, rferrors.ToEnvelope(env.ID, err))
			return
		}
		h.enqueueEnvelope(sc, envelope.NewResponse(env.ID, env.Procedure, res.Payload))
	}()
}

// serveEvent routes a fire-and-forget event. Nothing is written back;
// routing failures stay server-side.
func (h *Handler) serveEvent(ctx context.Context, sc *wsConn, env *envelope.Envelope) {
	in := h.callInfo(sc, env)
	if _, err := h.router.Handle(call.NewContext(ctx, in), env); err != nil {
		h.log.Warn().Err(err).Str("event", env.Procedure).Str("conn", sc.id).Msg("event dropped")
	}
}

// startStream registers the stream and starts its pump goroutine.
// Server-direction streams restart on a fresh stream:start with the
// same id; client and bidi streams refuse the duplicate.
func (h *Handler) startStream(ctx context.Context, sc *wsConn, env *envelope.Envelope) {
	dir := registry.DirectionServer
	if reg, ok := h.router.Registry().Lookup(env.Procedure); ok && reg.Def.Kind == registry.KindStream {
		dir = reg.Def.Direction
	}
	callCtx, cancel := context.WithCancel(ctx)
	lc := &calltrack.Call{Cancel: cancel}
	if dir != registry.DirectionServer {
		lc.Inbound = stream.NewPipe(defaults.StreamWindow)
	}
	prev, ok := sc.calls.Start(env.ID, lc, dir == registry.DirectionServer)
	if !ok {
		cancel()
		h.enqueueEnvelope(sc, streamError(env, rferrors.Newf(rferrors.CodeInvalidArgument, "stream id %q is already active", env.ID)))
		return
	}
	if prev != nil {
		prev.Cancel()
	}
	go h.runStream(callCtx, sc, env, lc)
}

func (h *Handler) runStream(ctx context.Context, sc *wsConn, env *envelope.Envelope, lc *calltrack.Call) {
	defer sc.calls.Finish(env.ID, lc)
	in := h.callInfo(sc, env)
	var inbound stream.Source
	if lc.Inbound != nil {
		inbound = lc.Inbound
	}
	res, err := h.router.HandleStream(call.NewContext(ctx, in), env, inbound)
	if err != nil {
		if sc.calls.Owns(env.ID, lc) {
			h.enqueueEnvelope(sc, streamError(env, err))
		}
		return
	}
	src := res.Stream
	if src == nil {
		src = stream.Empty()
	}
	defer src.Close()
	for {
		item, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			if sc.calls.Owns(env.ID, lc) {
				h.enqueueEnvelope(sc, &envelope.Envelope{ID: env.ID, Procedure: env.Procedure, Type: envelope.TypeStreamEnd})
			}
			return
		}
		if err != nil {
			if sc.calls.Owns(env.ID, lc) {
				h.enqueueEnvelope(sc, streamError(env, err))
			}
			return
		}
		h.enqueueEnvelope(sc, &envelope.Envelope{ID: env.ID, Procedure: env.Procedure, Type: envelope.TypeStreamData, Payload: item})
	}
}

// feedStream forwards one client stream:data or stream:end frame into
// the call's inbound pipe. Emit blocks when the pipe window is full, so
// inbound backpressure propagates to the socket.
func (h *Handler) feedStream(ctx context.Context, sc *wsConn, env *envelope.Envelope, end bool) {
	lc := sc.calls.Lookup(env.ID)
	if lc == nil || lc.Inbound == nil {
		h.enqueueEnvelope(sc, rferrors.ToEnvelope(env.ID, rferrors.Newf(rferrors.CodeNotFound, "no inbound stream with id %q", env.ID)))
		return
	}
	if end {
		lc.Inbound.CloseSend()
		return
	}
	if err := lc.Inbound.Emit(ctx, env.Payload); err != nil {
		// The handler finished or abandoned the stream; the frame is moot.
		h.log.Debug().Str("stream", env.ID).Msg("inbound item after stream completion")
	}
}

// abortInbound fails a client or bidi stream's inbound side with the
// error the client sent.
func (h *Handler) abortInbound(sc *wsConn, env *envelope.Envelope) {
	lc := sc.calls.Lookup(env.ID)
	if lc == nil || lc.Inbound == nil {
		return
	}
	var b rferrors.Body
	_ = json.Unmarshal(env.Payload, &b)
	if b.Code == "" {
		b.Code = rferrors.CodeCancelled
		b.Message = "client aborted stream"
	}
	lc.Inbound.Fail(rferrors.New(b.Code, b.Message))
}

func (h *Handler) callInfo(sc *wsConn, env *envelope.Envelope) *call.Info {
	md := make(map[string]string, len(sc.md)+len(env.Metadata)+1)
	for k, v := range sc.md {
		md[k] = v
	}
	for k, v := range env.Metadata {
		md[strings.ToLower(k)] = v
	}
	reqID := env.ID
	if reqID == "" {
		reqID = requestid.New("req")
	}
	md["x-request-id"] = reqID
	return &call.Info{
		RequestID:  reqID,
		Transport:  call.TransportWS,
		RemoteAddr: sc.remote,
		Metadata:   md,
	}
}

func (h *Handler) enqueueEnvelope(sc *wsConn, env *envelope.Envelope) {
	b, err := envelope.Encode(env)
	if err != nil {
		h.log.Error().Err(err).Str("type", string(env.Type)).Msg("envelope marshal failed")
		return
	}
	if sc.mbox.Enqueue(b) {
		h.obs.Dropped(call.TransportWS)
	}
}

func (h *Handler) enqueueFrame(sc *wsConn, f *realtime.Frame) {
	b, err := json.Marshal(f)
	if err != nil {
		h.log.Error().Err(err).Str("frame", f.Type).Msg("frame marshal failed")
		return
	}
	if sc.mbox.Enqueue(b) {
		h.obs.Dropped(call.TransportWS)
	}
}

// streamError renders err as the stream:error frame for env's stream.
// Stream frames keep the originating request id.
func streamError(env *envelope.Envelope, err error) *envelope.Envelope {
	return &envelope.Envelope{
		ID:        env.ID,
		Procedure: env.Procedure,
		Type:      envelope.TypeStreamError,
		Payload:   rferrors.MarshalBody(err),
	}
}

// handshakeMetadata extracts call metadata from the upgrade request:
// authorization and x-* headers, lower-cased, one value per key.
func handshakeMetadata(r *http.Request) map[string]string {
	md := make(map[string]string, 8)
	for k, vv := range r.Header {
		if len(vv) == 0 {
			continue
		}
		lk := strings.ToLower(k)
		if lk == "authorization" || strings.HasPrefix(lk, "x-") {
			md[lk] = vv[0]
		}
	}
	return md
}
