// Package typed layers generic codec glue over the registry's raw
// json.RawMessage handler shapes and the transport clients' raw call
// surface, so applications work with their own structs on both ends.
package typed

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/raffelio/raffel/registry"
	"github.com/raffelio/raffel/rferrors"
	"github.com/raffelio/raffel/stream"
)

// Caller is the request surface shared by the ws and tcp clients.
type Caller interface {
	Call(ctx context.Context, procedure string, payload json.RawMessage) (json.RawMessage, error)
}

// Notifier is the one-way event surface shared by the ws and tcp clients.
type Notifier interface {
	Notify(ctx context.Context, name string, payload json.RawMessage) error
}

// Call invokes a remote procedure with a typed request and decodes the
// response into Out. A nil in sends the zero value of In.
func Call[In any, Out any](ctx context.Context, c Caller, procedure string, in *In) (*Out, error) {
	payload, err := marshalValue(in)
	if err != nil {
		return nil, err
	}
	raw, err := c.Call(ctx, procedure, payload)
	if err != nil {
		return nil, err
	}
	var out Out
	if len(raw) != 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, rferrors.Wrap(rferrors.CodeInternal, "decode response payload", err)
		}
	}
	return &out, nil
}

// Notify publishes a typed one-way event. A nil in sends the zero value.
func Notify[In any](ctx context.Context, n Notifier, name string, in *In) error {
	payload, err := marshalValue(in)
	if err != nil {
		return err
	}
	return n.Notify(ctx, name, payload)
}

// RegisterProcedure registers h under def. The request payload decodes
// into In and the returned Out encodes as the response payload; an empty
// payload decodes as the zero In, a nil Out encodes as the zero Out.
func RegisterProcedure[In any, Out any](r *registry.Registry, def registry.HandlerDef, h func(ctx context.Context, in *In) (*Out, error)) error {
	return r.RegisterProcedure(def, func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		in, err := decodeInput[In](payload)
		if err != nil {
			return nil, err
		}
		out, err := h(ctx, in)
		if err != nil {
			return nil, err
		}
		return marshalValue(out)
	})
}

// MustRegisterProcedure is RegisterProcedure that panics on error.
func MustRegisterProcedure[In any, Out any](r *registry.Registry, def registry.HandlerDef, h func(ctx context.Context, in *In) (*Out, error)) {
	if err := RegisterProcedure(r, def, h); err != nil {
		panic(err)
	}
}

// RegisterStream registers h under def, decoding the start payload into
// In. The inbound and returned sources stay raw; wrap them with NextItem
// and SourceFunc where typed items are wanted.
func RegisterStream[In any](r *registry.Registry, def registry.HandlerDef, h func(ctx context.Context, in *In, inbound stream.Source) (stream.Source, error)) error {
	return r.RegisterStream(def, func(ctx context.Context, payload json.RawMessage, inbound stream.Source) (stream.Source, error) {
		in, err := decodeInput[In](payload)
		if err != nil {
			return nil, err
		}
		return h(ctx, in, inbound)
	})
}

// MustRegisterStream is RegisterStream that panics on error.
func MustRegisterStream[In any](r *registry.Registry, def registry.HandlerDef, h func(ctx context.Context, in *In, inbound stream.Source) (stream.Source, error)) {
	if err := RegisterStream(r, def, h); err != nil {
		panic(err)
	}
}

// RegisterEvent registers h under def, decoding event payloads into In.
func RegisterEvent[In any](r *registry.Registry, def registry.HandlerDef, h func(ctx context.Context, in *In) error) error {
	return r.RegisterEvent(def, func(ctx context.Context, payload json.RawMessage) error {
		in, err := decodeInput[In](payload)
		if err != nil {
			return err
		}
		return h(ctx, in)
	})
}

// MustRegisterEvent is RegisterEvent that panics on error.
func MustRegisterEvent[In any](r *registry.Registry, def registry.HandlerDef, h func(ctx context.Context, in *In) error) {
	if err := RegisterEvent(r, def, h); err != nil {
		panic(err)
	}
}

type funcSource[T any] struct {
	next   func(ctx context.Context) (*T, error)
	closed bool
}

func (s *funcSource[T]) Next(ctx context.Context) (json.RawMessage, error) {
	if s.closed {
		return nil, stream.ErrClosed
	}
	v, err := s.next(ctx)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, rferrors.Wrap(rferrors.CodeInternal, "encode stream item", err)
	}
	return b, nil
}

func (s *funcSource[T]) Close() error {
	s.closed = true
	return nil
}

// SourceFunc adapts a typed generator to a stream.Source. The generator
// signals exhaustion with io.EOF, matching the Source contract.
func SourceFunc[T any](next func(ctx context.Context) (*T, error)) stream.Source {
	return &funcSource[T]{next: next}
}

// NextItem decodes the next item of src into T, passing io.EOF through
// unchanged at end of stream.
func NextItem[T any](ctx context.Context, src stream.Source) (*T, error) {
	raw, err := src.Next(ctx)
	if err != nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, rferrors.Wrap(rferrors.CodeInvalidArgument, "decode stream item", err)
	}
	return &v, nil
}

// CollectItems drains src, decoding every item into T. The source is
// closed before CollectItems returns.
func CollectItems[T any](ctx context.Context, src stream.Source) ([]*T, error) {
	defer src.Close()
	var items []*T
	for {
		v, err := NextItem[T](ctx, src)
		if errors.Is(err, io.EOF) {
			return items, nil
		}
		if err != nil {
			return items, err
		}
		items = append(items, v)
	}
}

func marshalValue[T any](v *T) (json.RawMessage, error) {
	if v == nil {
		v = new(T)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, rferrors.Wrap(rferrors.CodeInternal, "encode payload", err)
	}
	return b, nil
}

func decodeInput[T any](payload json.RawMessage) (*T, error) {
	var v T
	if len(payload) != 0 {
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, rferrors.Wrap(rferrors.CodeInvalidArgument, "invalid payload", err)
		}
	}
	return &v, nil
}
