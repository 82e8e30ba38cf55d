package ws

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Subprotocol is the WebSocket subprotocol offered by the server and
// selected when the client requests it. Negotiation is optional; clients
// that offer nothing still speak the same frame protocol.
const Subprotocol = "raffel.v1"

// Conn wraps a gorilla websocket connection with context-aware reads and
// writes. gorilla only honors socket deadlines, so Conn arms a deadline
// from the context and maps the resulting I/O timeout back to ctx.Err().
type Conn struct {
	ws *websocket.Conn
}

// UpgradeOptions controls the server side of the handshake.
type UpgradeOptions struct {
	ReadBufferSize  int
	WriteBufferSize int
	// Subprotocols offered to the client, in preference order.
	Subprotocols []string
	// CheckOrigin admits or rejects the handshake by Origin header.
	CheckOrigin func(r *http.Request) bool
}

// Upgrade switches an HTTP request to a websocket connection. On failure
// the upgrader has already written the handshake error response.
func Upgrade(w http.ResponseWriter, r *http.Request, opts UpgradeOptions) (*Conn, error) {
	up := websocket.Upgrader{
		ReadBufferSize:  opts.ReadBufferSize,
		WriteBufferSize: opts.WriteBufferSize,
		Subprotocols:    opts.Subprotocols,
		CheckOrigin:     opts.CheckOrigin,
	}
	c, err := up.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &Conn{ws: c}, nil
}

// DialOptions controls the client side of the handshake.
type DialOptions struct {
	// Header carries extra handshake headers (Authorization, Origin, x-*).
	Header http.Header
	// Subprotocols requested from the server.
	Subprotocols []string
	// HandshakeTimeout bounds the handshake; a context deadline tightens it.
	HandshakeTimeout time.Duration
}

// Dial opens a websocket connection. The handshake respects the tighter
// of opts.HandshakeTimeout and the context deadline.
func Dial(ctx context.Context, urlStr string, opts DialOptions) (*Conn, *http.Response, error) {
	d := websocket.Dialer{
		HandshakeTimeout: opts.HandshakeTimeout,
		Subprotocols:     opts.Subprotocols,
	}
	if deadline, ok := ctx.Deadline(); ok {
		if wait := time.Until(deadline); d.HandshakeTimeout == 0 || d.HandshakeTimeout > wait {
			d.HandshakeTimeout = wait
		}
	}
	c, resp, err := d.DialContext(ctx, urlStr, opts.Header)
	if err != nil {
		return nil, resp, err
	}
	return &Conn{ws: c}, resp, nil
}

// armDeadline forces a blocked read or write to wake when ctx ends by
// moving the socket deadline to now. The returned stop must run once the
// operation finished so a late fire cannot poison the next one.
func armDeadline(ctx context.Context, set func(time.Time) error) (stop func()) {
	if ctx.Done() == nil {
		return func() {}
	}
	var armed atomic.Bool
	armed.Store(true)
	stopTimer := context.AfterFunc(ctx, func() {
		if armed.Load() {
			_ = set(time.Now())
		}
	})
	return func() {
		armed.Store(false)
		stopTimer()
	}
}

// mapTimeout folds an I/O timeout produced by an armed deadline back to
// the context error. The socket timer can race slightly ahead of the
// context timer, so a passed deadline maps to DeadlineExceeded even when
// ctx.Err() is not set yet.
func mapTimeout(ctx context.Context, deadline time.Time, hasDeadline bool, err error) error {
	var ne net.Error
	if !errors.As(err, &ne) || !ne.Timeout() {
		return err
	}
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	if hasDeadline && !time.Now().Before(deadline) {
		return context.DeadlineExceeded
	}
	return err
}

// ReadMessage reads one websocket message, honoring ctx cancellation and
// deadline. Control frames are handled inline by the registered ping and
// pong handlers.
func (c *Conn) ReadMessage(ctx context.Context) (int, []byte, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}
	deadline, hasDeadline := ctx.Deadline()
	if hasDeadline {
		_ = c.ws.SetReadDeadline(deadline)
	} else {
		_ = c.ws.SetReadDeadline(time.Time{})
	}
	stop := armDeadline(ctx, c.ws.SetReadDeadline)
	defer stop()
	mt, b, err := c.ws.ReadMessage()
	if err != nil {
		return 0, nil, mapTimeout(ctx, deadline, hasDeadline, err)
	}
	return mt, b, nil
}

// WriteMessage writes one websocket message, honoring ctx cancellation
// and deadline. Callers must serialize WriteMessage; control frames via
// Ping and CloseWithStatus may run concurrently.
func (c *Conn) WriteMessage(ctx context.Context, messageType int, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline, hasDeadline := ctx.Deadline()
	if hasDeadline {
		_ = c.ws.SetWriteDeadline(deadline)
	} else {
		_ = c.ws.SetWriteDeadline(time.Time{})
	}
	stop := armDeadline(ctx, c.ws.SetWriteDeadline)
	defer stop()
	if err := c.ws.WriteMessage(messageType, data); err != nil {
		return mapTimeout(ctx, deadline, hasDeadline, err)
	}
	return nil
}

// Ping sends a ping control frame. Safe to call concurrently with
// WriteMessage.
func (c *Conn) Ping(deadline time.Time) error {
	return c.ws.WriteControl(websocket.PingMessage, nil, deadline)
}

// SetPongHandler installs the handler invoked for pong control frames.
// The handler runs inside ReadMessage.
func (c *Conn) SetPongHandler(fn func(appData string) error) {
	c.ws.SetPongHandler(fn)
}

// SetPingHandler overrides the default ping handler, which answers every
// ping with a pong.
func (c *Conn) SetPingHandler(fn func(appData string) error) {
	c.ws.SetPingHandler(fn)
}

// SetReadLimit caps inbound message size; larger messages fail the read
// and poison the connection.
func (c *Conn) SetReadLimit(n int64) {
	c.ws.SetReadLimit(n)
}

// Subprotocol returns the negotiated subprotocol, or "".
func (c *Conn) Subprotocol() string {
	return c.ws.Subprotocol()
}

// Close closes the underlying connection without a close handshake.
func (c *Conn) Close() error {
	return c.ws.Close()
}

// CloseWithStatus sends a close control frame, then closes.
func (c *Conn) CloseWithStatus(code int, text string) error {
	deadline := time.Now().Add(2 * time.Second)
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
	return c.ws.Close()
}
