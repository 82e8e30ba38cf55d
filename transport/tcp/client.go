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

	"github.com/raffelio/raffel/envelope"
	"github.com/raffelio/raffel/framing/jsonframe"
	"github.com/raffelio/raffel/internal/defaults"
	"github.com/raffelio/raffel/internal/requestid"
	"github.com/raffelio/raffel/rferrors"
	"github.com/raffelio/raffel/stream"
)

// ClientConfig controls Dial and NewClient.
type ClientConfig struct {
	// MaxFrameBytes caps one inbound frame; <= 0 selects the default.
	MaxFrameBytes int
	// DialTimeout bounds connection establishment; <= 0 selects the
	// default.
	DialTimeout time.Duration
	// Logger receives client faults at debug.
	Logger zerolog.Logger
}

// Client is one TCP connection speaking the envelope protocol:
// correlated calls, stream consumption and production, and
// fire-and-forget events.
type Client struct {
	conn net.Conn
	log  zerolog.Logger
	max  int

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	writeMu sync.Mutex

	mu      sync.Mutex
	calls   map[string]chan *envelope.Envelope
	streams map[string]*RemoteStream
	err     error
	closed  bool
}

// Dial connects to addr and starts the client read loop.
func Dial(ctx context.Context, addr string, cfg ClientConfig) (*Client, error) {
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = defaults.ConnectTimeout
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, rferrors.Wrap(rferrors.CodeUnavailable, "tcp dial failed", err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetKeepAlive(true)
		_ = tc.SetNoDelay(true)
	}
	return NewClient(conn, cfg), nil
}

// NewClient wraps an established connection. Tests pair it with
// net.Pipe; Dial is the usual entry point.
func NewClient(conn net.Conn, cfg ClientConfig) *Client {
	max := cfg.MaxFrameBytes
	if max <= 0 {
		max = defaults.MaxFrameBytes
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:    conn,
		log:     cfg.Logger,
		max:     max,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		calls:   make(map[string]chan *envelope.Envelope),
		streams: make(map[string]*RemoteStream),
	}
	go c.readLoop()
	return c
}

// Done is closed when the connection ends for any reason.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close tears the connection down. In-flight calls fail with
// UNAVAILABLE.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call sends a request and waits for its response.
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

	if err := c.writeEnvelope(ctx, envelope.NewRequest(id, procedure, payload)); err != nil {
		return nil, err
	}
	select {
	case env := <-ch:
		if env.Type == envelope.TypeError {
			return nil, errorFromPayload(env.Payload)
		}
		return env.Payload, nil
	case <-ctx.Done():
		return nil, rferrors.Classify(ctx.Err())
	case <-c.done:
		return nil, c.waitErr()
	}
}

// Notify sends a fire-and-forget event.
func (c *Client) Notify(ctx context.Context, name string, payload json.RawMessage) error {
	return c.writeEnvelope(ctx, envelope.NewEvent("", name, payload))
}

// Stream opens a stream call. The returned stream yields server items
// via Next; Send and CloseSend feed client and bidi streams.
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
	if err := c.writeEnvelope(ctx, env); err != nil {
		c.dropStream(id)
		return nil, err
	}
	return rs, nil
}

// writeEnvelope marshals env and writes one frame. A ctx deadline bounds
// the socket write; cancellation interrupts an in-flight write.
func (c *Client) writeEnvelope(ctx context.Context, env *envelope.Envelope) error {
	b, err := envelope.Encode(env)
	if err != nil {
		return rferrors.Wrap(rferrors.CodeInternal, "marshal envelope", err)
	}
	select {
	case <-c.done:
		return c.waitErr()
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
	} else {
		_ = c.conn.SetWriteDeadline(time.Time{})
	}
	var armed atomic.Bool
	armed.Store(true)
	stop := context.AfterFunc(ctx, func() {
		if armed.Load() {
			_ = c.conn.SetWriteDeadline(time.Now())
		}
	})
	err = jsonframe.WriteFrame(c.conn, b)
	armed.Store(false)
	stop()
	if err != nil {
		if ctx.Err() != nil {
			return rferrors.Classify(ctx.Err())
		}
		return rferrors.Wrap(rferrors.CodeUnavailable, "connection write failed", err)
	}
	return nil
}

func (c *Client) readLoop() {
	for {
		data, err := jsonframe.ReadFrame(c.conn, c.max)
		if err != nil {
			c.fail(err)
			return
		}
		c.route(data)
	}
}

func (c *Client) route(data []byte) {
	var probe struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		c.log.Debug().Err(err).Msg("discarding malformed frame")
		return
	}
	switch envelope.Type(probe.Type) {
	case envelope.TypeResponse:
		c.deliverCall(strings.TrimSuffix(probe.ID, envelope.ResponseSuffix), data)
	case envelope.TypeError:
		c.deliverCall(strings.TrimSuffix(probe.ID, envelope.ErrorSuffix), data)
	case envelope.TypeStreamData, envelope.TypeStreamEnd, envelope.TypeStreamError:
		c.deliverStream(probe.ID, data)
	default:
		c.log.Debug().Str("type", probe.Type).Msg("discarding unexpected frame")
	}
}

func (c *Client) deliverCall(id string, data []byte) {
	env, err := envelope.Decode(data)
	if err != nil {
		c.log.Debug().Err(err).Msg("discarding invalid reply")
		return
	}
	c.mu.Lock()
	ch := c.calls[id]
	c.mu.Unlock()
	if ch == nil {
		c.log.Debug().Str("id", id).Msg("reply for unknown call")
		return
	}
	select {
	case ch <- env:
	default:
	}
}

func (c *Client) deliverStream(id string, data []byte) {
	env, err := envelope.Decode(data)
	if err != nil {
		c.log.Debug().Err(err).Msg("discarding invalid stream frame")
		return
	}
	c.mu.Lock()
	rs := c.streams[id]
	c.mu.Unlock()
	if rs == nil {
		c.log.Debug().Str("id", id).Msg("frame for unknown stream")
		return
	}
	switch env.Type {
	case envelope.TypeStreamData:
		// A slow consumer backpressures the read loop through the pipe.
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

func (c *Client) dropStream(id string) {
	c.mu.Lock()
	delete(c.streams, id)
	c.mu.Unlock()
}

// fail finishes the client after a read loop exit. A deliberate Close
// surfaces as a clean "connection closed" to waiters rather than a
// transport fault.
func (c *Client) fail(err error) {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
		err = nil
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.err = err
	streams := c.streams
	c.streams = make(map[string]*RemoteStream)
	c.mu.Unlock()

	for _, rs := range streams {
		rs.pipe.Fail(c.waitErr())
	}
	close(c.done)
	c.cancel()
	_ = c.conn.Close()
}

// waitErr is the error in-flight work observes after the connection
// ended.
func (c *Client) waitErr() error {
	c.mu.Lock()
	err := c.err
	c.mu.Unlock()
	if err == nil {
		return rferrors.New(rferrors.CodeUnavailable, "connection closed")
	}
	return rferrors.Wrap(rferrors.CodeUnavailable, "connection failed", err)
}

func errorFromPayload(payload json.RawMessage) error {
	var b rferrors.Body
	if err := json.Unmarshal(payload, &b); err != nil || b.Code == "" {
		return rferrors.New(rferrors.CodeInternal, "malformed error payload")
	}
	e := rferrors.New(b.Code, b.Message)
	if len(b.Details) > 0 {
		return e.WithDetails(b.Details)
	}
	return e
}

// RemoteStream is one stream call seen from the client.
type RemoteStream struct {
	id   string
	name string
	c    *Client
	pipe *stream.Pipe
}

// Next yields the following server item. It returns io.EOF after
// stream:end and the mapped error after stream:error.
func (rs *RemoteStream) Next(ctx context.Context) (json.RawMessage, error) {
	return rs.pipe.Next(ctx)
}

// Close abandons the stream. Frames still in flight are discarded.
func (rs *RemoteStream) Close() error {
	rs.c.dropStream(rs.id)
	return rs.pipe.Close()
}

// Send emits one item on the client-to-server side of the stream.
func (rs *RemoteStream) Send(ctx context.Context, item json.RawMessage) error {
	env := &envelope.Envelope{ID: rs.id, Procedure: rs.name, Type: envelope.TypeStreamData, Payload: item}
	return rs.c.writeEnvelope(ctx, env)
}

// CloseSend marks the client-to-server side complete.
func (rs *RemoteStream) CloseSend(ctx context.Context) error {
	env := &envelope.Envelope{ID: rs.id, Procedure: rs.name, Type: envelope.TypeStreamEnd}
	return rs.c.writeEnvelope(ctx, env)
}
