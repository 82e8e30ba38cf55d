// Package registry holds the typed procedure, stream, and event
// definitions a server exposes. One registry backs every transport
// adapter, so a handler registered once is callable over HTTP, JSON-RPC,
// WebSocket, TCP, and UDP alike.
package registry

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/raffelio/raffel/envelope"
	"github.com/raffelio/raffel/rferrors"
	"github.com/raffelio/raffel/stream"
	"github.com/raffelio/raffel/validate"
)

// Kind discriminates the three handler shapes.
type Kind string

const (
	KindProcedure Kind = "procedure"
	KindStream    Kind = "stream"
	KindEvent     Kind = "event"
)

// Direction describes who produces items on a stream.
type Direction string

const (
	// DirectionServer streams flow server→client only. The default.
	DirectionServer Direction = "server"
	// DirectionClient streams flow client→server only.
	DirectionClient Direction = "client"
	// DirectionBidi streams flow both ways.
	DirectionBidi Direction = "bidi"
)

// Delivery is the acknowledged delivery guarantee of an event.
type Delivery string

const (
	DeliveryBestEffort  Delivery = "best-effort"
	DeliveryAtLeastOnce Delivery = "at-least-once"
)

// ProcedureFunc handles one request and returns one response payload.
type ProcedureFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// StreamFunc starts one stream. For server streams inbound is nil; for
// client and bidi streams it yields the caller's items. The returned
// source produces the outbound items (client streams typically return a
// source that ends after a summary item, or an empty source).
type StreamFunc func(ctx context.Context, payload json.RawMessage, inbound stream.Source) (stream.Source, error)

// EventFunc handles one fire-and-forget event.
type EventFunc func(ctx context.Context, payload json.RawMessage) error

// HandlerDef describes one registered name.
type HandlerDef struct {
	// Name is the dot-separated identifier, unique across all kinds.
	Name string
	// Kind is set by the Register* method; a preset value must match.
	Kind Kind
	// Input and Output are schema handles for the configured validator.
	// Nil skips validation on that side. Output applies per item for
	// streams and is unused for events.
	Input  validate.Schema
	Output validate.Schema
	// Direction applies to streams; defaults to DirectionServer.
	Direction Direction
	// Delivery applies to events; defaults to DeliveryBestEffort.
	Delivery Delivery
	// ContentType of payloads; defaults to "application/json".
	ContentType string
	// Description and Tags feed listings and documentation.
	Description string
	Tags        []string
}

// Registration pairs a definition with its handler. Exactly one of
// Procedure, Stream, and Event is non-nil, matching Def.Kind.
type Registration struct {
	Def       HandlerDef
	Procedure ProcedureFunc
	Stream    StreamFunc
	Event     EventFunc
}

// Registry is the name→registration table. Registration happens during
// startup; Freeze flips the table to read-only before serving begins.
// Lookups are safe for concurrent use at any point.
type Registry struct {
	mu     sync.RWMutex
	frozen bool
	regs   map[string]*Registration
	order  []string
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{regs: make(map[string]*Registration)}
}

func (r *Registry) register(def HandlerDef, kind Kind, reg *Registration) error {
	if !envelope.ValidName(def.Name) {
		return rferrors.Newf(rferrors.CodeInvalidArgument, "invalid name %q", def.Name)
	}
	if def.Kind != "" && def.Kind != kind {
		return rferrors.Newf(rferrors.CodeInvalidArgument, "definition kind %q does not match %s registration", def.Kind, kind)
	}
	def.Kind = kind
	if def.ContentType == "" {
		def.ContentType = "application/json"
	}
	switch kind {
	case KindStream:
		if def.Direction == "" {
			def.Direction = DirectionServer
		}
		switch def.Direction {
		case DirectionServer, DirectionClient, DirectionBidi:
		default:
			return rferrors.Newf(rferrors.CodeInvalidArgument, "invalid stream direction %q", def.Direction)
		}
	case KindEvent:
		if def.Delivery == "" {
			def.Delivery = DeliveryBestEffort
		}
		switch def.Delivery {
		case DeliveryBestEffort, DeliveryAtLeastOnce:
		default:
			return rferrors.Newf(rferrors.CodeInvalidArgument, "invalid event delivery %q", def.Delivery)
		}
	}
	reg.Def = def

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return rferrors.New(rferrors.CodeFailedPrecondition, "registry is frozen")
	}
	if _, dup := r.regs[def.Name]; dup {
		return rferrors.Newf(rferrors.CodeAlreadyExists, "%q is already registered", def.Name)
	}
	r.regs[def.Name] = reg
	r.order = append(r.order, def.Name)
	return nil
}

// RegisterProcedure adds a request/response handler under def.Name.
func (r *Registry) RegisterProcedure(def HandlerDef, h ProcedureFunc) error {
	if h == nil {
		return rferrors.New(rferrors.CodeInvalidArgument, "nil procedure handler")
	}
	return r.register(def, KindProcedure, &Registration{Procedure: h})
}

// RegisterStream adds a stream handler under def.Name.
func (r *Registry) RegisterStream(def HandlerDef, h StreamFunc) error {
	if h == nil {
		return rferrors.New(rferrors.CodeInvalidArgument, "nil stream handler")
	}
	return r.register(def, KindStream, &Registration{Stream: h})
}

// RegisterEvent adds a fire-and-forget handler under def.Name.
func (r *Registry) RegisterEvent(def HandlerDef, h EventFunc) error {
	if h == nil {
		return rferrors.New(rferrors.CodeInvalidArgument, "nil event handler")
	}
	return r.register(def, KindEvent, &Registration{Event: h})
}

// MustRegisterProcedure is RegisterProcedure that panics on error, for
// startup wiring where registration failure is a programming mistake.
func (r *Registry) MustRegisterProcedure(def HandlerDef, h ProcedureFunc) {
	if err := r.RegisterProcedure(def, h); err != nil {
		panic(err)
	}
}

// MustRegisterStream is RegisterStream that panics on error.
func (r *Registry) MustRegisterStream(def HandlerDef, h StreamFunc) {
	if err := r.RegisterStream(def, h); err != nil {
		panic(err)
	}
}

// MustRegisterEvent is RegisterEvent that panics on error.
func (r *Registry) MustRegisterEvent(def HandlerDef, h EventFunc) {
	if err := r.RegisterEvent(def, h); err != nil {
		panic(err)
	}
}

// Lookup returns the registration for name.
func (r *Registry) Lookup(name string) (*Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.regs[name]
	return reg, ok
}

// List returns definitions in registration order. A non-empty kind
// filters to that kind.
func (r *Registry) List(kind Kind) []HandlerDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]HandlerDef, 0, len(r.order))
	for _, name := range r.order {
		def := r.regs[name].Def
		if kind != "" && def.Kind != kind {
			continue
		}
		defs = append(defs, def)
	}
	return defs
}

// Len returns the number of registrations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Freeze makes the registry read-only. Further Register* calls fail with
// FAILED_PRECONDITION. Freeze is idempotent.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Frozen reports whether Freeze was called.
func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}
