// Package defaults holds the cross-adapter defaults shared by the HTTP,
// WebSocket, TCP, and UDP front ends.
package defaults

import "time"

const (
	// MaxBodyBytes caps HTTP and JSON-RPC request bodies.
	MaxBodyBytes int64 = 1 << 20
	// MaxFrameBytes caps one length-prefixed TCP frame.
	MaxFrameBytes = 16 << 20
	// MaxMessageBytes caps one WebSocket text message.
	MaxMessageBytes int64 = 1 << 20
	// MaxDatagramBytes caps one UDP datagram.
	MaxDatagramBytes = 64 << 10
)

const (
	// MailboxSize is the per-connection fan-out mailbox depth; the oldest
	// frame is dropped once the mailbox is full.
	MailboxSize = 256
	// StreamWindow is the buffered item count of a stream pipe before the
	// producer blocks.
	StreamWindow = 16
)

const (
	// PingInterval is the WebSocket server heartbeat period.
	PingInterval = 30 * time.Second
	// StreamHeartbeat is the SSE comment period on idle streams.
	StreamHeartbeat = 15 * time.Second
	// ShutdownGrace bounds the drain phase of a graceful shutdown.
	ShutdownGrace = 5 * time.Second
)
