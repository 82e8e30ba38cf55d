// Package contextutil carries small context helpers shared by the
// binaries.
package contextutil

import (
	"context"
	"time"
)

// WithTimeout bounds parent by d. A non-positive d means unbounded:
// parent comes back unchanged with a no-op cancel, so callers can defer
// the cancel unconditionally. A nil parent falls back to
// context.Background().
func WithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	if d <= 0 {
		return parent, func() {}
	}
	return context.WithTimeout(parent, d)
}
