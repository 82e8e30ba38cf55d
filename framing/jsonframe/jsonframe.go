// Package jsonframe implements the length-prefixed JSON framing used on
// raw TCP connections: a 4-byte big-endian payload length followed by a
// UTF-8 JSON document.
package jsonframe

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
)

var ErrFrameTooLarge = errors.New("json frame too large")

// DefaultMaxFrameBytes is the recommended maximum size for a single framed
// JSON message.
//
// Do not call ReadFrame with maxLen<=0 on untrusted inputs, because it
// disables size checks and may lead to large allocations (memory DoS).
const DefaultMaxFrameBytes = 16 << 20

// WriteFrame writes one length-prefixed payload to the writer.
func WriteFrame(w io.Writer, b []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(b)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

// WriteJSONFrame marshals v and writes it as one frame.
func WriteJSONFrame(w io.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return WriteFrame(w, b)
}

// ReadFrame reads one length-prefixed payload with a maximum size guard.
//
// Callers MUST pass a positive maxLen when reading from untrusted peers.
// Passing maxLen<=0 disables the guard and can result in large
// allocations. A too-large declared length fails with ErrFrameTooLarge
// before any payload byte is read, so callers can report the violation
// and close.
func ReadFrame(r io.Reader, maxLen int) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := int(binary.BigEndian.Uint32(hdr[:]))
	if n < 0 {
		return nil, ErrFrameTooLarge
	}
	if maxLen > 0 && n > maxLen {
		return nil, ErrFrameTooLarge
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

// ReadFrameDefaultMax is a convenience wrapper around ReadFrame using
// DefaultMaxFrameBytes.
func ReadFrameDefaultMax(r io.Reader) ([]byte, error) {
	return ReadFrame(r, DefaultMaxFrameBytes)
}
