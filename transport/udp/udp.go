// Package udp adapts the router to UDP. One datagram carries exactly
// one JSON envelope; there is no reassembly, no connection state, and no
// stream support.
//
// Replies are guarded against amplification: only datagrams that
// identify themselves as requests are answered. Events — well-formed or
// not — are never answered, and unidentifiable garbage is dropped.
package udp

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/raffelio/raffel/call"
	"github.com/raffelio/raffel/envelope"
	"github.com/raffelio/raffel/internal/defaults"
	"github.com/raffelio/raffel/internal/requestid"
	"github.com/raffelio/raffel/observability"
	"github.com/raffelio/raffel/rferrors"
	"github.com/raffelio/raffel/router"
)

// Config controls the UDP adapter.
type Config struct {
	// MaxDatagramBytes caps inbound and outbound datagrams; <= 0 selects
	// the 64 KiB default. Larger inbound datagrams are truncated by the
	// socket and fail envelope parsing.
	MaxDatagramBytes int
	// Logger receives adapter faults at debug.
	Logger zerolog.Logger
	// Observer receives datagram metrics; nil installs the no-op one.
	Observer observability.TransportObserver
}

// DefaultConfig returns the adapter defaults.
func DefaultConfig() Config {
	return Config{MaxDatagramBytes: defaults.MaxDatagramBytes}
}

// Server serves the envelope protocol over one UDP socket.
type Server struct {
	router *router.Router
	cfg    Config
	log    zerolog.Logger
	obs    observability.TransportObserver

	mu sync.Mutex
	pc net.PacketConn
}

// NewServer returns a UDP adapter for r.
func NewServer(r *router.Router, cfg Config) *Server {
	if cfg.MaxDatagramBytes <= 0 {
		cfg.MaxDatagramBytes = defaults.MaxDatagramBytes
	}
	obs := cfg.Observer
	if obs == nil {
		obs = observability.NoopTransportObserver
	}
	return &Server{router: r, cfg: cfg, log: cfg.Logger, obs: obs}
}

// ListenAndServe binds addr and serves until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		return rferrors.Wrap(rferrors.CodeUnavailable, "udp listen failed", err)
	}
	return s.Serve(ctx, pc)
}

// Serve reads datagrams from pc until ctx ends, handling each in its own
// goroutine.
func (s *Server) Serve(ctx context.Context, pc net.PacketConn) error {
	s.mu.Lock()
	s.pc = pc
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.pc = nil
		s.mu.Unlock()
	}()

	stop := context.AfterFunc(ctx, func() { _ = pc.Close() })
	defer stop()
	defer func() { _ = pc.Close() }()

	var wg sync.WaitGroup
	defer wg.Wait()
	buf := make([]byte, s.cfg.MaxDatagramBytes)
	for {
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serveDatagram(ctx, addr, data)
		}()
	}
}

// Send pushes one unsolicited envelope to addr. It fails when the server
// is not serving or the encoded envelope exceeds the datagram cap.
func (s *Server) Send(addr net.Addr, env *envelope.Envelope) error {
	s.mu.Lock()
	pc := s.pc
	s.mu.Unlock()
	if pc == nil {
		return rferrors.New(rferrors.CodeFailedPrecondition, "udp server is not serving")
	}
	b, err := envelope.Encode(env)
	if err != nil {
		return rferrors.Wrap(rferrors.CodeInternal, "marshal envelope", err)
	}
	if len(b) > s.cfg.MaxDatagramBytes {
		return rferrors.Newf(rferrors.CodeMessageTooLarge, "envelope exceeds %d bytes", s.cfg.MaxDatagramBytes)
	}
	if _, err := pc.WriteTo(b, addr); err != nil {
		return rferrors.Wrap(rferrors.CodeUnavailable, "udp send failed", err)
	}
	return nil
}

func (s *Server) serveDatagram(ctx context.Context, addr net.Addr, data []byte) {
	env, err := envelope.Decode(data)
	if err != nil {
		s.obs.FrameError(call.TransportUDP, observability.FrameRead)
		s.replyDecodeError(addr, data, err)
		return
	}
	switch env.Type {
	case envelope.TypeRequest:
		s.serveRequest(ctx, addr, env)
	case envelope.TypeEvent:
		// Event faults are swallowed: a reply here would let spoofed
		// sources use the server as an amplifier.
		in := s.callInfo(addr, env)
		if _, err := s.router.Handle(call.NewContext(ctx, in), env); err != nil {
			s.log.Debug().Err(err).Str("event", env.Procedure).Msg("udp event dropped")
		}
	case envelope.TypeStreamStart, envelope.TypeStreamData, envelope.TypeStreamEnd, envelope.TypeStreamError:
		s.reply(addr, rferrors.ToEnvelope(env.ID, rferrors.New(rferrors.CodeUnimplemented, "streams are not supported on udp")))
	default:
		s.log.Debug().Str("type", string(env.Type)).Msg("discarding unexpected datagram")
	}
}

// replyDecodeError answers an undecodable datagram only when it still
// identifies itself as a request.
func (s *Server) replyDecodeError(addr net.Addr, data []byte, err error) {
	var pt struct {
		Type string `json:"type"`
	}
	if json.Unmarshal(data, &pt) != nil || envelope.Type(pt.Type) != envelope.TypeRequest {
		s.log.Debug().Str("addr", addr.String()).Msg("discarding unidentifiable datagram")
		return
	}
	code := rferrors.CodeInvalidEnvelope
	if errors.Is(err, envelope.ErrMalformed) {
		code = rferrors.CodeParseError
	}
	var pid struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(data, &pid)
	s.reply(addr, rferrors.ToEnvelope(pid.ID, rferrors.Wrap(code, "invalid envelope", err)))
}

func (s *Server) serveRequest(ctx context.Context, addr net.Addr, env *envelope.Envelope) {
	in := s.callInfo(addr, env)
	res, err := s.router.Handle(call.NewContext(ctx, in), env)
	if err != nil {
		s.reply(addr, rferrors.ToEnvelope(env.ID, err))
		return
	}
	resp := envelope.NewResponse(env.ID, env.Procedure, res.Payload)
	b, mErr := envelope.Encode(resp)
	if mErr != nil {
		s.reply(addr, rferrors.ToEnvelope(env.ID, rferrors.Wrap(rferrors.CodeInternal, "marshal response", mErr)))
		return
	}
	if len(b) > s.cfg.MaxDatagramBytes {
		s.reply(addr, rferrors.ToEnvelope(env.ID, rferrors.Newf(rferrors.CodeMessageTooLarge, "response exceeds %d bytes", s.cfg.MaxDatagramBytes)))
		return
	}
	s.write(addr, b)
}

func (s *Server) reply(addr net.Addr, env *envelope.Envelope) {
	b, err := envelope.Encode(env)
	if err != nil {
		s.log.Error().Err(err).Msg("envelope marshal failed")
		return
	}
	s.write(addr, b)
}

func (s *Server) write(addr net.Addr, b []byte) {
	s.mu.Lock()
	pc := s.pc
	s.mu.Unlock()
	if pc == nil {
		return
	}
	if _, err := pc.WriteTo(b, addr); err != nil {
		s.obs.FrameError(call.TransportUDP, observability.FrameWrite)
		s.log.Debug().Err(err).Str("addr", addr.String()).Msg("udp write failed")
	}
}

func (s *Server) callInfo(addr net.Addr, env *envelope.Envelope) *call.Info {
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
		Transport:  call.TransportUDP,
		RemoteAddr: addr.String(),
		Metadata:   md,
	}
}
