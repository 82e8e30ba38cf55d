package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/raffelio/raffel/envelope"
	"github.com/raffelio/raffel/internal/defaults"
	"github.com/raffelio/raffel/internal/requestid"
	"github.com/raffelio/raffel/realtime"
	"github.com/raffelio/raffel/rferrors"
	"github.com/raffelio/raffel/stream"
)

// ClientConfig controls Connect.
type ClientConfig struct {
	// Header carries extra handshake headers (Authorization, x-*).
	Header http.Header
	// Origin sets the handshake Origin header; empty sends none.
	Origin string
	// Subprotocols offered to the server; nil offers Subprotocol.
	Subprotocols []string
	// HandshakeTimeout bounds the dial; <= 0 selects the default.
	HandshakeTimeout time.Duration
	// Logger receives client faults at debug.
	Logger zerolog.Logger
}

// Client is one WebSocket connection speaking the envelope and channel
// protocols: correlated calls, server stream consumption, events, and
// channel subscribe/publish with presence.
type Client struct {
	conn *Conn
	log  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	writeMu sync.Mutex

	mu      sync.Mutex
	calls   map[string]chan *envelope.Envelope
	acks    map[string]chan *realtime.Frame
	streams map[string]*RemoteStream
	err     error
	closed  bool

	frames chan *realtime.Frame
}

// Connect dials url and starts the client read loop.
func Connect(ctx context.Context, url string, cfg ClientConfig) (*Client, error) {
	timeout := cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaults.ConnectTimeout
	}
	subs := cfg.Subprotocols
	if subs == nil {
		subs = []string{Subprotocol}
	}
	h := cfg.Header
	if cfg.Origin != "" {
		h = cloneHeader(h)
		h.Set("Origin", cfg.Origin)
	}
	conn, _, err := Dial(ctx, url, DialOptions{
		Header:           h,
		Subprotocols:     subs,
		HandshakeTimeout: timeout,
	})
	if err != nil {
		return nil, rferrors.Wrap(rferrors.CodeUnavailable, "websocket dial failed", err)
	}
	cctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:    conn,
		log:     cfg.Logger,
		ctx:     cctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		calls:   make(map[string]chan *envelope.Envelope),
		acks:    make(map[string]chan *realtime.Frame),
		streams: make(map[string]*RemoteStream),
		frames:  make(chan *realtime.Frame, 64),
	}
	go c.readLoop()
	return c, nil
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h)+1)
	for k, vv := range h {
		out[k] = append([]string(nil), vv...)
	}
	return out
}

// Subprotocol returns the negotiated subprotocol, or "".
func (c *Client) Subprotocol() string { return c.conn.Subprotocol() }

// Done is closed once the connection is gone, whoever ended it.
func (c *Client) Done() <-chan struct{} { return c.done }

// Frames delivers channel frames not claimed by a waiting call: channel
// events, presence joins and leaves, pushed errors. The channel is
// buffered; frames beyond the buffer are dropped.
func (c *Client) Frames() <-chan *realtime.Frame { return c.frames }

// Close ends the connection with a normal close frame. In-flight calls
// fail with UNAVAILABLE.
func (c *Client) Close() error {
	err := c.conn.CloseWithStatus(websocket.CloseNormalClosure, "")
	c.cancel()
	return err
}

// Call invokes a procedure and waits for its response or error envelope.
func (c *Client) Call(ctx context.Context, procedure string, payload json.RawMessage) (json.RawMessage, error) {
	id := requestid.New("call")
	ch := make(chan *envelope.Envelope, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, c.waitErr()
	}
	c.calls[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.calls, id)
		c.mu.Unlock()
	}()

	if err := c.writeJSON(ctx, envelope.NewRequest(id, procedure, payload)); err != nil {
		return nil, err
	}
	select {
	case env := <-ch:
		if env.Type == envelope.TypeError {
			return nil, errorFromPayload(env.Payload)
		}
		return env.Payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, c.waitErr()
	}
}

// Notify sends a fire-and-forget event envelope. No reply is expected.
func (c *Client) Notify(ctx context.Context, name string, payload json.RawMessage) error {
	return c.writeJSON(ctx, envelope.NewEvent("", name, payload))
}

// Stream opens a stream. The returned RemoteStream yields server items
// via Next; client and bidi streams additionally send with Send and
// finish with CloseSend. Open failures surface from the first Next.
func (c *Client) Stream(ctx context.Context, name string, payload json.RawMessage) (*RemoteStream, error) {
	id := requestid.New("stream")
	rs := &RemoteStream{id: id, name: name, c: c, pipe: stream.NewPipe(defaults.StreamWindow)}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, c.waitErr()
	}
	c.streams[id] = rs
	c.mu.Unlock()

	env := &envelope.Envelope{ID: id, Procedure: name, Type: envelope.TypeStreamStart, Payload: payload}
	if err := c.writeJSON(ctx, env); err != nil {
		c.dropStream(id)
		return nil, err
	}
	return rs, nil
}

// SubscribeOptions carries the optional subscribe frame fields.
type SubscribeOptions struct {
	// Auth is handed to the channel's Authorize callback.
	Auth json.RawMessage
	// MemberInfo is the presence payload shown to other members.
	MemberInfo json.RawMessage
}

// Subscribe joins a channel and waits for the subscribed ack, which
// carries the member snapshot on presence channels.
func (c *Client) Subscribe(ctx context.Context, channel string, opts SubscribeOptions) (*realtime.Frame, error) {
	f := &realtime.Frame{Type: realtime.FrameSubscribe, ID: requestid.New("sub"), Channel: channel, Auth: opts.Auth}
	if opts.MemberInfo != nil {
		f.Member = &realtime.Member{Info: opts.MemberInfo}
	}
	return c.roundTrip(ctx, f)
}

// Unsubscribe leaves a channel and waits for the unsubscribed ack.
func (c *Client) Unsubscribe(ctx context.Context, channel string) (*realtime.Frame, error) {
	f := &realtime.Frame{Type: realtime.FrameUnsubscribe, ID: requestid.New("unsub"), Channel: channel}
	return c.roundTrip(ctx, f)
}

// Publish sends one channel event. Publishes are not acknowledged;
// rejections arrive as error frames on Frames.
func (c *Client) Publish(ctx context.Context, channel, event string, data json.RawMessage) error {
	f := &realtime.Frame{Type: realtime.FramePublish, ID: requestid.New("pub"), Channel: channel, Event: event, Data: data}
	return c.writeJSON(ctx, f)
}

// Ping round-trips an application-level ping frame.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.roundTrip(ctx, &realtime.Frame{Type: realtime.FramePing, ID: requestid.New("ping")})
	return err
}

// roundTrip sends a channel frame and waits for the frame answering its
// id. Error frames convert to taxonomy errors.
func (c *Client) roundTrip(ctx context.Context, f *realtime.Frame) (*realtime.Frame, error) {
	ch := make(chan *realtime.Frame, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, c.waitErr()
	}
	c.acks[f.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.acks, f.ID)
		c.mu.Unlock()
	}()

	if err := c.writeJSON(ctx, f); err != nil {
		return nil, err
	}
	select {
	case ack := <-ch:
		if ack.Type == realtime.FrameError {
			return nil, rferrors.New(rferrors.Code(ack.Code), ack.Message)
		}
		return ack, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, c.waitErr()
	}
}

func (c *Client) writeJSON(ctx context.Context, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return rferrors.Wrap(rferrors.CodeInternal, "marshal frame", err)
	}
	select {
	case <-c.done:
		return c.waitErr()
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(ctx, websocket.TextMessage, b); err != nil {
		return rferrors.Wrap(rferrors.CodeUnavailable, "websocket write failed", err)
	}
	return nil
}

func (c *Client) readLoop() {
	for {
		mt, data, err := c.conn.ReadMessage(c.ctx)
		if err != nil {
			c.fail(err)
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		c.route(data)
	}
}

// route hands one server message to its waiter. Error messages are
// ambiguous on the wire: error envelopes carry a payload body, channel
// error frames carry a top-level code.
func (c *Client) route(data []byte) {
	var probe struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Code string `json:"code"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		c.log.Debug().Err(err).Msg("unparseable server frame")
		return
	}
	switch probe.Type {
	case string(envelope.TypeResponse):
		c.deliverCall(strings.TrimSuffix(probe.ID, envelope.ResponseSuffix), data)
	case string(envelope.TypeError):
		if probe.Code != "" {
			c.deliverFrame(probe.ID, data)
			return
		}
		c.deliverCall(strings.TrimSuffix(probe.ID, envelope.ErrorSuffix), data)
	case string(envelope.TypeStreamData), string(envelope.TypeStreamEnd), string(envelope.TypeStreamError):
		c.deliverStream(probe.ID, data)
	default:
		c.deliverFrame(probe.ID, data)
	}
}

func (c *Client) deliverCall(id string, data []byte) {
	var env envelope.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return
	}
	c.mu.Lock()
	ch := c.calls[id]
	c.mu.Unlock()
	if ch == nil {
		c.log.Debug().Str("id", id).Str("type", string(env.Type)).Msg("reply for unknown call")
		return
	}
	select {
	case ch <- &env:
	default:
	}
}

func (c *Client) deliverStream(id string, data []byte) {
	var env envelope.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return
	}
	c.mu.Lock()
	rs := c.streams[id]
	c.mu.Unlock()
	if rs == nil {
		return
	}
	switch env.Type {
	case envelope.TypeStreamData:
		// Emit applies the pipe window: a slow consumer backpressures
		// this read loop, and an abandoned stream just discards.
		if err := rs.pipe.Emit(c.ctx, env.Payload); err != nil {
			c.dropStream(id)
		}
	case envelope.TypeStreamEnd:
		rs.pipe.CloseSend()
		c.dropStream(id)
	case envelope.TypeStreamError:
		rs.pipe.Fail(errorFromPayload(env.Payload))
		c.dropStream(id)
	}
}

func (c *Client) deliverFrame(id string, data []byte) {
	var f realtime.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return
	}
	if id != "" {
		c.mu.Lock()
		ch := c.acks[id]
		c.mu.Unlock()
		if ch != nil {
			select {
			case ch <- &f:
			default:
			}
			return
		}
	}
	select {
	case c.frames <- &f:
	default:
		c.log.Debug().Str("frame", f.Type).Msg("frame buffer full, dropping")
	}
}

func (c *Client) dropStream(id string) {
	c.mu.Lock()
	delete(c.streams, id)
	c.mu.Unlock()
}

// fail tears the client down once: records the terminal error, wakes
// every waiter, and fails open streams.
func (c *Client) fail(err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) {
		err = nil // deliberate Close, not a fault
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.err = err
	streams := make([]*RemoteStream, 0, len(c.streams))
	for _, rs := range c.streams {
		streams = append(streams, rs)
	}
	c.streams = make(map[string]*RemoteStream)
	c.mu.Unlock()

	terminal := c.waitErr()
	for _, rs := range streams {
		rs.pipe.Fail(terminal)
	}
	close(c.done)
	close(c.frames)
	c.cancel()
	_ = c.conn.Close()
}

// waitErr is the error handed to waiters after the connection ended.
func (c *Client) waitErr() error {
	c.mu.Lock()
	err := c.err
	c.mu.Unlock()
	if err == nil {
		return rferrors.New(rferrors.CodeUnavailable, "connection closed")
	}
	return rferrors.Wrap(rferrors.CodeUnavailable, "connection closed", err)
}

// errorFromPayload decodes a wire error body into a taxonomy error.
func errorFromPayload(payload json.RawMessage) error {
	var b rferrors.Body
	if err := json.Unmarshal(payload, &b); err != nil || b.Code == "" {
		return rferrors.New(rferrors.CodeInternal, "malformed error payload")
	}
	e := rferrors.New(b.Code, b.Message)
	if len(b.Details) > 0 {
		e = e.WithDetails(b.Details)
	}
	return e
}

// RemoteStream is one open stream on a client connection. It implements
// stream.Source for items flowing from the server; Send and CloseSend
// drive the inbound direction of client and bidi streams.
type RemoteStream struct {
	id   string
	name string
	c    *Client
	pipe *stream.Pipe
}

// Next yields the next server item; io.EOF after stream:end, the mapped
// error after stream:error.
func (rs *RemoteStream) Next(ctx context.Context) (json.RawMessage, error) {
	return rs.pipe.Next(ctx)
}

// Close abandons the stream. Frames still in flight are discarded.
func (rs *RemoteStream) Close() error {
	rs.c.dropStream(rs.id)
	return rs.pipe.Close()
}

// Send emits one item into the stream's inbound direction.
func (rs *RemoteStream) Send(ctx context.Context, item json.RawMessage) error {
	env := &envelope.Envelope{ID: rs.id, Procedure: rs.name, Type: envelope.TypeStreamData, Payload: item}
	return rs.c.writeJSON(ctx, env)
}

// CloseSend marks the inbound direction complete.
func (rs *RemoteStream) CloseSend(ctx context.Context) error {
	env := &envelope.Envelope{ID: rs.id, Procedure: rs.name, Type: envelope.TypeStreamEnd}
	return rs.c.writeJSON(ctx, env)
}
