// Package calltrack tracks the in-flight calls of one multiplexed
// connection, keyed by envelope id. The WebSocket and TCP adapters share
// its restart and ownership semantics: server-direction streams replace
// an existing registration, everything else refuses duplicate ids, and a
// finished call only unregisters itself if it still owns its id.
package calltrack

import (
	"context"
	"sync"

	"github.com/raffelio/raffel/stream"
)

// Call is one in-flight request or stream.
type Call struct {
	// Cancel tears down the call's context. Table.Finish and
	// Table.CancelAll invoke it.
	Cancel context.CancelFunc
	// Inbound is the client-to-server item pipe; non-nil only for
	// client and bidi streams.
	Inbound *stream.Pipe
}

// Table is the live-call registry of one connection.
type Table struct {
	mu sync.Mutex
	m  map[string]*Call
}

func New() *Table {
	return &Table{m: make(map[string]*Call)}
}

// Start registers c under id. With replace false a duplicate id is
// refused. With replace true an existing call is displaced and returned
// so the caller can cancel it.
func (t *Table) Start(id string, c *Call, replace bool) (prev *Call, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, exists := t.m[id]
	if exists && !replace {
		return nil, false
	}
	t.m[id] = c
	return cur, true
}

// Lookup returns the call registered under id, or nil.
func (t *Table) Lookup(id string) *Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.m[id]
}

// Finish unregisters c and cancels it. The entry is removed only if it
// still holds c, so a restarted stream never unregisters its
// replacement.
func (t *Table) Finish(id string, c *Call) {
	t.mu.Lock()
	if cur, ok := t.m[id]; ok && cur == c {
		delete(t.m, id)
	}
	t.mu.Unlock()
	c.Cancel()
}

// Owns reports whether c is still the registered call for id. A stream
// pump that lost its id to a restart must not emit terminal frames.
func (t *Table) Owns(id string, c *Call) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.m[id] == c
}
