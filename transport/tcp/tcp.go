// Package tcp adapts the router to raw TCP connections. The wire is the
// length-prefixed JSON framing of framing/jsonframe: a 4-byte big-endian
// payload length followed by one UTF-8 JSON envelope.
//
// Envelope semantics match the WebSocket adapter for requests, streams,
// and events. There is no channel protocol on TCP; only envelopes travel.
// One writer goroutine per connection preserves outbound FIFO order, and
// a full write queue blocks producers, so backpressure reaches handlers
// through the socket.
package tcp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/raffelio/raffel/call"
	"github.com/raffelio/raffel/envelope"
	"github.com/raffelio/raffel/framing/jsonframe"
	"github.com/raffelio/raffel/internal/calltrack"
	"github.com/raffelio/raffel/internal/defaults"
	"github.com/raffelio/raffel/internal/requestid"
	"github.com/raffelio/raffel/observability"
	"github.com/raffelio/raffel/registry"
	"github.com/raffelio/raffel/rferrors"
	"github.com/raffelio/raffel/router"
	"github.com/raffelio/raffel/stream"
)

// finalWriteGrace bounds the courtesy error frame written while closing a
// poisoned connection.
const finalWriteGrace = 2 * time.Second

// Config controls the TCP adapter.
type Config struct {
	// MaxFrameBytes caps one inbound frame; <= 0 selects the 16 MiB
	// default. An oversize frame is answered with MESSAGE_TOO_LARGE and
	// the connection closes, because the stream position past the header
	// cannot be recovered.
	MaxFrameBytes int
	// WriteQueue is the outbound frame queue depth; <= 0 selects the
	// default. A full queue blocks the producing goroutine.
	WriteQueue int
	// IdleTimeout closes connections with no inbound frames for the
	// given duration; 0 disables the idle check.
	IdleTimeout time.Duration
	// Logger receives adapter faults and connection lifecycle at debug.
	Logger zerolog.Logger
	// Observer receives connection metrics; nil installs the no-op one.
	Observer observability.TransportObserver
}

// DefaultConfig returns the adapter defaults.
func DefaultConfig() Config {
	return Config{
		MaxFrameBytes: defaults.MaxFrameBytes,
		WriteQueue:    64,
	}
}

// Server accepts TCP connections and serves the envelope protocol over
// each.
type Server struct {
	router *router.Router
	cfg    Config
	log    zerolog.Logger
	obs    observability.TransportObserver

	conns atomic.Int64
}

// NewServer returns a TCP adapter for r.
func NewServer(r *router.Router, cfg Config) *Server {
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = defaults.MaxFrameBytes
	}
	if cfg.WriteQueue <= 0 {
		cfg.WriteQueue = 64
	}
	obs := cfg.Observer
	if obs == nil {
		obs = observability.NoopTransportObserver
	}
	return &Server{router: r, cfg: cfg, log: cfg.Logger, obs: obs}
}

// ListenAndServe binds addr and serves until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return rferrors.Wrap(rferrors.CodeUnavailable, "tcp listen failed", err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the accept loop on ln until ctx ends, then waits for the
// per-connection goroutines to drain. Cancelling ctx cancels every
// in-flight call.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	defer func() { _ = ln.Close() }()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

// tcpConn is the server-side state of one accepted connection.
type tcpConn struct {
	id     string
	remote string
	out    chan []byte
	calls  *calltrack.Table

	// writeMu serializes socket writes between the writer goroutine and
	// the final error frame written on the close path.
	writeMu sync.Mutex
}

func (s *Server) serveConn(pctx context.Context, conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetKeepAlive(true)
		_ = tc.SetNoDelay(true)
	}
	ctx, cancel := context.WithCancel(pctx)
	defer cancel()
	defer func() { _ = conn.Close() }()
	// Closing the socket on cancellation is what unblocks ReadFrame.
	stopClose := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stopClose()

	sc := &tcpConn{
		id:     requestid.New("conn"),
		remote: conn.RemoteAddr().String(),
		out:    make(chan []byte, s.cfg.WriteQueue),
		calls:  calltrack.New(),
	}
	s.obs.ConnCount(call.TransportTCP, s.conns.Add(1))
	defer func() { s.obs.ConnCount(call.TransportTCP, s.conns.Add(-1)) }()

	var once sync.Once
	shutdown := func(reason observability.CloseReason) {
		once.Do(func() {
			cancel()
			s.obs.Close(call.TransportTCP, reason)
			s.log.Debug().Str("conn", sc.id).Str("reason", string(reason)).Msg("tcp connection closed")
		})
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case b := <-sc.out:
				sc.writeMu.Lock()
				err := jsonframe.WriteFrame(conn, b)
				sc.writeMu.Unlock()
				if err != nil {
					s.obs.FrameError(call.TransportTCP, observability.FrameWrite)
					shutdown(observability.CloseReasonWriteError)
					return
				}
			}
		}
	}()

	for {
		if s.cfg.IdleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}
		data, err := jsonframe.ReadFrame(conn, s.cfg.MaxFrameBytes)
		if err != nil {
			if errors.Is(err, jsonframe.ErrFrameTooLarge) {
				s.obs.FrameError(call.TransportTCP, observability.FrameRead)
				s.writeFinal(conn, sc, rferrors.ToEnvelope("", rferrors.Newf(rferrors.CodeMessageTooLarge, "frame exceeds %d bytes", s.cfg.MaxFrameBytes)))
				shutdown(observability.CloseReasonFrameTooLarge)
				return
			}
			shutdown(readCloseReason(ctx, err))
			return
		}
		s.dispatch(ctx, sc, data)
	}
}

func readCloseReason(ctx context.Context, err error) observability.CloseReason {
	switch {
	case ctx.Err() != nil:
		return observability.CloseReasonShutdown
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return observability.CloseReasonPeerClosed
	default:
		return observability.CloseReasonReadError
	}
}

// writeFinal bypasses the queue for the last frame before a forced
// close. The deadline also unblocks a writer stuck on a dead peer.
func (s *Server) writeFinal(conn net.Conn, sc *tcpConn, env *envelope.Envelope) {
	b, err := envelope.Encode(env)
	if err != nil {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(finalWriteGrace))
	sc.writeMu.Lock()
	_ = jsonframe.WriteFrame(conn, b)
	sc.writeMu.Unlock()
}

func (s *Server) dispatch(ctx context.Context, sc *tcpConn, data []byte) {
	env, err := envelope.Decode(data)
	if err != nil {
		code := rferrors.CodeInvalidEnvelope
		if errors.Is(err, envelope.ErrMalformed) {
			code = rferrors.CodeParseError
		}
		s.obs.FrameError(call.TransportTCP, observability.FrameRead)
		s.enqueue(ctx, sc, rferrors.ToEnvelope(probeID(data), rferrors.Wrap(code, "invalid envelope", err)))
		return
	}
	switch env.Type {
	case envelope.TypeRequest:
		s.startRequest(ctx, sc, env)
	case envelope.TypeEvent:
		go s.serveEvent(ctx, sc, env)
	case envelope.TypeStreamStart:
		s.startStream(ctx, sc, env)
	case envelope.TypeStreamData:
		s.feedStream(ctx, sc, env, false)
	case envelope.TypeStreamEnd:
		s.feedStream(ctx, sc, env, true)
	case envelope.TypeStreamError:
		s.abortInbound(sc, env)
	default:
		s.enqueue(ctx, sc, rferrors.ToEnvelope(env.ID, rferrors.Newf(rferrors.CodeInvalidEnvelope, "clients cannot send %q envelopes", env.Type)))
	}
}

// probeID recovers the envelope id from a frame that failed contract
// validation, so the error reply still correlates.
func probeID(data []byte) string {
	var p struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(data, &p)
	return p.ID
}

// startRequest registers the call and runs it in its own goroutine so a
// slow handler never stalls the read loop.
func (s *Server) startRequest(ctx context.Context, sc *tcpConn, env *envelope.Envelope) {
	callCtx, cancel := context.WithCancel(ctx)
	lc := &calltrack.Call{Cancel: cancel}
	if _, ok := sc.calls.Start(env.ID, lc, false); !ok {
		cancel()
		s.enqueue(ctx, sc, rferrors.ToEnvelope(env.ID, rferrors.Newf(rferrors.CodeInvalidArgument, "request id %q is already in flight", env.ID)))
		return
	}
	go func() {
		defer sc.calls.Finish(env.ID, lc)
		in := s.callInfo(sc, env)
		res, err := s.router.Handle(call.NewContext(callCtx, in), env)
		if err != nil {
			s.enqueue(ctx, sc, rferrors.ToEnvelope(env.ID, err))
			return
		}
		s.enqueue(ctx, sc, envelope.NewResponse(env.ID, env.Procedure, res.Payload))
	}()
}

func (s *Server) serveEvent(ctx context.Context, sc *tcpConn, env *envelope.Envelope) {
	in := s.callInfo(sc, env)
	if _, err := s.router.Handle(call.NewContext(ctx, in), env); err != nil {
		s.log.Warn().Err(err).Str("event", env.Procedure).Str("conn", sc.id).Msg("event dropped")
	}
}

// startStream registers the stream and starts its pump goroutine.
// Server-direction streams restart on a fresh stream:start with the
// same id; client and bidi streams refuse the duplicate.
func (s *Server) startStream(ctx context.Context, sc *tcpConn, env *envelope.Envelope) {
	dir := registry.DirectionServer
	if reg, ok := s.router.Registry().Lookup(env.Procedure); ok && reg.Def.Kind == registry.KindStream {
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
		s.enqueue(ctx, sc, streamError(env, rferrors.Newf(rferrors.CodeInvalidArgument, "stream id %q is already active", env.ID)))
		return
	}
	if prev != nil {
		prev.Cancel()
	}
	go s.runStream(callCtx, sc, env, lc)
}

func (s *Server) runStream(ctx context.Context, sc *tcpConn, env *envelope.Envelope, lc *calltrack.Call) {
	defer sc.calls.Finish(env.ID, lc)
	in := s.callInfo(sc, env)
	var inbound stream.Source
	if lc.Inbound != nil {
		inbound = lc.Inbound
	}
	res, err := s.router.HandleStream(call.NewContext(ctx, in), env, inbound)
	if err != nil {
		if sc.calls.Owns(env.ID, lc) {
			s.enqueue(ctx, sc, streamError(env, err))
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
				s.enqueue(ctx, sc, &envelope.Envelope{ID: env.ID, Procedure: env.Procedure, Type: envelope.TypeStreamEnd})
			}
			return
		}
		if err != nil {
			if sc.calls.Owns(env.ID, lc) {
				s.enqueue(ctx, sc, streamError(env, err))
			}
			return
		}
		s.enqueue(ctx, sc, &envelope.Envelope{ID: env.ID, Procedure: env.Procedure, Type: envelope.TypeStreamData, Payload: item})
	}
}

// feedStream forwards one client stream:data or stream:end frame into
// the call's inbound pipe. Emit blocks when the pipe window is full, so
// inbound backpressure propagates to the socket.
func (s *Server) feedStream(ctx context.Context, sc *tcpConn, env *envelope.Envelope, end bool) {
	lc := sc.calls.Lookup(env.ID)
	if lc == nil || lc.Inbound == nil {
		s.enqueue(ctx, sc, rferrors.ToEnvelope(env.ID, rferrors.Newf(rferrors.CodeNotFound, "no inbound stream with id %q", env.ID)))
		return
	}
	if end {
		lc.Inbound.CloseSend()
		return
	}
	if err := lc.Inbound.Emit(ctx, env.Payload); err != nil {
		s.log.Debug().Str("stream", env.ID).Msg("inbound item after stream completion")
	}
}

// abortInbound fails a client or bidi stream's inbound side with the
// error the client sent.
func (s *Server) abortInbound(sc *tcpConn, env *envelope.Envelope) {
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

func (s *Server) callInfo(sc *tcpConn, env *envelope.Envelope) *call.Info {
	md := make(map[string]string, len(env.Metadata)+1)
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
		Transport:  call.TransportTCP,
		RemoteAddr: sc.remote,
		Metadata:   md,
	}
}

// enqueue hands one envelope to the writer goroutine. It blocks when the
// queue is full and gives up once ctx ends.
func (s *Server) enqueue(ctx context.Context, sc *tcpConn, env *envelope.Envelope) {
	b, err := envelope.Encode(env)
	if err != nil {
		s.log.Error().Err(err).Str("type", string(env.Type)).Msg("envelope marshal failed")
		return
	}
	select {
	case sc.out <- b:
	case <-ctx.Done():
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
