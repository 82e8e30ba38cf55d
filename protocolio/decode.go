// Package protocolio holds the size-capped JSON decode helpers shared by
// the HTTP and JSON-RPC adapters.
package protocolio

import (
	"encoding/json"
	"errors"
	"io"

	"github.com/raffelio/raffel/envelope"
)

// DefaultMaxJSONBytes caps request bodies when a caller passes no limit.
const DefaultMaxJSONBytes int64 = 1 << 20

// ErrInputTooLarge is returned when a body exceeds its byte cap.
var ErrInputTooLarge = errors.New("input too large")

// ReadAllLimit reads r to EOF, failing with ErrInputTooLarge once more
// than maxBytes arrive. A non-positive maxBytes applies the default cap.
func ReadAllLimit(r io.Reader, maxBytes int64) ([]byte, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxJSONBytes
	}
	lr := &io.LimitedReader{R: r, N: maxBytes + 1}
	b, err := io.ReadAll(lr)
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > maxBytes {
		return nil, ErrInputTooLarge
	}
	return b, nil
}

// DecodeJSONLimit decodes one JSON document from r into v under a byte cap.
func DecodeJSONLimit(r io.Reader, maxBytes int64, v any) error {
	b, err := ReadAllLimit(r, maxBytes)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// ReadEnvelope reads and decodes one envelope from r under a byte cap.
// Decode errors carry envelope.ErrMalformed or envelope.ErrInvalid.
func ReadEnvelope(r io.Reader, maxBytes int64) (*envelope.Envelope, error) {
	b, err := ReadAllLimit(r, maxBytes)
	if err != nil {
		return nil, err
	}
	return envelope.Decode(b)
}
