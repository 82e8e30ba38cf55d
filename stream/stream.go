// Package stream defines the pull-based item source consumed by the
// router and transport adapters, plus the producer-side Pipe used by
// stream handlers.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
)

// ErrClosed is returned by Pipe.Emit after the consumer closed the stream,
// and by Next after Close.
var ErrClosed = errors.New("stream closed")

// Source produces the items of one stream, one at a time, in order.
//
// Next returns io.EOF after the final item; empty sources return io.EOF on
// the first call. Any other error is terminal and maps to a stream error
// frame on the wire. Implementations must honor ctx cancellation in Next.
//
// Close releases the source early; it is safe to call more than once and
// after Next returned a terminal result.
type Source interface {
	Next(ctx context.Context) (json.RawMessage, error)
	Close() error
}

type sliceSource struct {
	items []json.RawMessage
}

func (s *sliceSource) Next(ctx context.Context) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(s.items) == 0 {
		return nil, io.EOF
	}
	item := s.items[0]
	s.items = s.items[1:]
	return item, nil
}

func (s *sliceSource) Close() error {
	s.items = nil
	return nil
}

// FromSlice returns a source yielding the given items in order.
func FromSlice(items []json.RawMessage) Source {
	cloned := make([]json.RawMessage, len(items))
	copy(cloned, items)
	return &sliceSource{items: cloned}
}

// Empty returns a source that ends immediately.
func Empty() Source { return &sliceSource{} }

type mapSource struct {
	src Source
	fn  func(json.RawMessage) (json.RawMessage, error)
}

func (m *mapSource) Next(ctx context.Context) (json.RawMessage, error) {
	item, err := m.src.Next(ctx)
	if err != nil {
		return nil, err
	}
	out, err := m.fn(item)
	if err != nil {
		m.src.Close()
		return nil, err
	}
	return out, nil
}

func (m *mapSource) Close() error { return m.src.Close() }

// Map returns a source applying fn to every item of src. An fn error is
// terminal: the underlying source is closed and the error surfaces from
// Next.
func Map(src Source, fn func(json.RawMessage) (json.RawMessage, error)) Source {
	return &mapSource{src: src, fn: fn}
}

// Collect drains src into a slice. The source is closed before Collect
// returns. Intended for clients and tests.
func Collect(ctx context.Context, src Source) ([]json.RawMessage, error) {
	defer src.Close()
	var items []json.RawMessage
	for {
		item, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return items, nil
		}
		if err != nil {
			return items, err
		}
		items = append(items, item)
	}
}
