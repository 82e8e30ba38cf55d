package defaults

import "time"

const (
	// ConnectTimeout is the default timeout for establishing a client
	// connection (WebSocket dial, TCP dial).
	ConnectTimeout = 10 * time.Second
	// CallTimeout is the default per-call timeout used by the CLI client.
	CallTimeout = 30 * time.Second
)
