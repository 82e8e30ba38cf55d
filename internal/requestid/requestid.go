// Package requestid generates and validates the URL-safe identifiers used
// for requests, connections, and presence members.
package requestid

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// MaxLen is the maximum accepted length for caller-supplied identifiers
// (e.g. the x-request-id header or envelope ids).
const MaxLen = 256

var (
	// ErrMissing indicates the identifier is empty after normalization.
	ErrMissing = errors.New("missing id")
	// ErrTooLong indicates the identifier exceeds MaxLen.
	ErrTooLong = errors.New("id too long")
)

const randBytes = 12

// New returns a fresh identifier of the form "<prefix>_<random>" where the
// random part is 12 bytes of crypto/rand encoded as unpadded base64url.
func New(prefix string) string {
	b := make([]byte, randBytes)
	// crypto/rand.Read never fails; it fills b entirely.
	_, _ = rand.Read(b)
	if prefix == "" {
		return base64url(b)
	}
	return prefix + "_" + base64url(b)
}

// Normalize trims leading/trailing whitespace from a caller-supplied id.
func Normalize(id string) string {
	return strings.TrimSpace(id)
}

// Validate validates a normalized caller-supplied id.
func Validate(id string) error {
	if id == "" {
		return ErrMissing
	}
	if len(id) > MaxLen {
		return fmt.Errorf("%w (max=%d)", ErrTooLong, MaxLen)
	}
	return nil
}

func base64url(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}
