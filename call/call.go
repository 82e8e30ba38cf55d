// Package call carries per-call context through the interceptor chain and
// into handlers: the request id, transport origin, caller metadata, the
// authenticated principal, and the active trace slot.
package call

import (
	"context"

	"github.com/raffelio/raffel/auth"
)

// Transport names used by the built-in adapters.
const (
	TransportHTTP    = "http"
	TransportJSONRPC = "jsonrpc"
	TransportWS      = "ws"
	TransportTCP     = "tcp"
	TransportUDP     = "udp"
	TransportLocal   = "local"
)

// Trace identifies the span covering this call. Populated by the tracing
// interceptor; zero when tracing is disabled.
type Trace struct {
	TraceID      string
	SpanID       string
	ParentSpanID string
}

// Info is the per-call record shared by interceptors and handlers. The
// router creates one Info per routed envelope; interceptors may populate
// Principal, Trace, and reply metadata before the handler runs.
type Info struct {
	// RequestID is the envelope id of the initiating frame.
	RequestID string
	// Transport is the adapter the call arrived on (see Transport* consts).
	Transport string
	// RemoteAddr is the peer address as reported by the transport.
	RemoteAddr string
	// Metadata holds the caller-supplied string pairs (headers, _meta,
	// envelope metadata). Never nil after the router admits a call.
	Metadata map[string]string
	// Principal is the authenticated caller, if any.
	Principal *auth.Principal
	// Trace is the span slot for this call.
	Trace Trace

	reply map[string]string
}

// Meta returns the metadata value for key, or "" when absent.
func (in *Info) Meta(key string) string {
	if in == nil || in.Metadata == nil {
		return ""
	}
	return in.Metadata[key]
}

// SetReplyMeta attaches a response metadata pair. Adapters render reply
// metadata as HTTP response headers or envelope metadata. Calls for one
// Info must not race; the pipeline mutates Info from a single goroutine.
func (in *Info) SetReplyMeta(key, value string) {
	if in.reply == nil {
		in.reply = make(map[string]string, 4)
	}
	in.reply[key] = value
}

// ReplyMeta returns the accumulated response metadata, or nil.
func (in *Info) ReplyMeta() map[string]string {
	if in == nil {
		return nil
	}
	return in.reply
}

type ctxKey struct{}

// NewContext returns a context carrying the call info.
func NewContext(ctx context.Context, in *Info) context.Context {
	return context.WithValue(ctx, ctxKey{}, in)
}

// FromContext extracts the call info attached by the router.
func FromContext(ctx context.Context) (*Info, bool) {
	in, ok := ctx.Value(ctxKey{}).(*Info)
	return in, ok
}
