// Package router drives every call through one pipeline, whatever
// transport it arrived on: lookup, input validation, the interceptor
// chain, kind dispatch, output validation, and panic containment.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/raffelio/raffel/call"
	"github.com/raffelio/raffel/envelope"
	"github.com/raffelio/raffel/observability"
	"github.com/raffelio/raffel/registry"
	"github.com/raffelio/raffel/rferrors"
	"github.com/raffelio/raffel/stream"
	"github.com/raffelio/raffel/validate"
)

// EventAck is the payload acknowledging an accepted event.
var EventAck = json.RawMessage(`{"status":"accepted"}`)

// Result is the outcome of a routed envelope. Procedures and events set
// Payload; stream handlers set Stream.
type Result struct {
	Payload json.RawMessage
	Stream  stream.Source
}

// Invoke continues the pipeline from an interceptor.
type Invoke func(ctx context.Context, env *envelope.Envelope) (Result, error)

// Interceptor wraps every call routed through a Router. Implementations
// may short-circuit by not calling next, rewrite the envelope, or wrap
// the returned result (including Result.Stream). Cancellation errors from
// next must be propagated, not remapped.
type Interceptor func(ctx context.Context, env *envelope.Envelope, next Invoke) (Result, error)

// Config carries the router collaborators. The zero value is usable:
// silent logger, no validation, no metrics.
type Config struct {
	// Logger receives pipeline faults (panics, internal errors).
	Logger zerolog.Logger
	// Validator applies registered schemas; nil skips validation.
	Validator validate.Validator
	// Observer receives request metrics; nil installs the no-op observer.
	Observer observability.RouterObserver
}

// Router routes envelopes against one registry. Use installs
// interceptors; installation is copy-on-write, so in-flight calls keep
// the chain they started with.
type Router struct {
	reg       *registry.Registry
	validator validate.Validator
	logger    zerolog.Logger
	obs       observability.RouterObserver

	mu    sync.Mutex
	chain atomic.Pointer[[]Interceptor]
}

// New returns a router over reg.
func New(reg *registry.Registry, cfg Config) *Router {
	obs := cfg.Observer
	if obs == nil {
		obs = observability.NoopRouterObserver
	}
	return &Router{
		reg:       reg,
		validator: cfg.Validator,
		logger:    cfg.Logger,
		obs:       obs,
	}
}

// Registry returns the registry this router routes over. Adapters whose
// wire format carries no envelope type use it to pick one by handler kind.
func (r *Router) Registry() *registry.Registry { return r.reg }

// Use appends interceptors to the chain. Registration order is execution
// order: the first registered interceptor is outermost.
func (r *Router) Use(ics ...Interceptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.loadChain()
	next := make([]Interceptor, 0, len(cur)+len(ics))
	next = append(next, cur...)
	next = append(next, ics...)
	r.chain.Store(&next)
}

func (r *Router) loadChain() []Interceptor {
	p := r.chain.Load()
	if p == nil {
		return nil
	}
	return *p
}

// Handle routes one envelope. The envelope type selects the handler
// shape: request→procedure, stream:start→stream, event→event. See
// HandleStream for streams with caller-supplied inbound items.
func (r *Router) Handle(ctx context.Context, env *envelope.Envelope) (Result, error) {
	return r.handle(ctx, env, nil)
}

// HandleStream routes a stream:start envelope, attaching the caller's
// inbound item source for client and bidi streams. Pass nil for server
// streams.
func (r *Router) HandleStream(ctx context.Context, env *envelope.Envelope, inbound stream.Source) (Result, error) {
	return r.handle(ctx, env, inbound)
}

// HandleEnvelope routes a request or event envelope and renders the
// outcome as the reply envelope: a response on success, an error envelope
// answering env.ID on failure. Stream frames are refused; streams need a
// transport that can pump frames.
func (r *Router) HandleEnvelope(ctx context.Context, env *envelope.Envelope) *envelope.Envelope {
	if env == nil {
		return rferrors.ToEnvelope("", rferrors.New(rferrors.CodeInvalidEnvelope, "nil envelope"))
	}
	if env.Type.Stream() {
		return rferrors.ToEnvelope(env.ID, rferrors.New(rferrors.CodeUnimplemented, "streams are not supported on this transport"))
	}
	res, err := r.Handle(ctx, env)
	if err != nil {
		return rferrors.ToEnvelope(env.ID, err)
	}
	return envelope.NewResponse(env.ID, env.Procedure, res.Payload)
}

func (r *Router) handle(ctx context.Context, env *envelope.Envelope, inbound stream.Source) (res Result, err error) {
	if env == nil {
		return Result{}, rferrors.New(rferrors.CodeInvalidEnvelope, "nil envelope")
	}
	start := time.Now()
	kind := kindForType(env.Type)
	defer func() {
		result := observability.RequestResultOK
		if err != nil {
			result = observability.RequestResult(rferrors.CodeOf(err))
		}
		r.obs.Request(kind, result, time.Since(start))
	}()

	reg, ok := r.reg.Lookup(env.Procedure)
	if !ok {
		return Result{}, rferrors.Newf(rferrors.CodeNotFound, "unknown name %q", env.Procedure)
	}
	kind = observability.RequestKind(reg.Def.Kind)
	if mismatch := kindMismatch(reg.Def.Kind, env.Type); mismatch != nil {
		return Result{}, mismatch
	}

	if reg.Def.Input != nil && r.validator != nil {
		payload, verr := r.validator.Validate(reg.Def.Input, env.Payload)
		if verr != nil {
			return Result{}, asValidationError(rferrors.CodeValidationError, verr)
		}
		cp := *env
		cp.Payload = payload
		env = &cp
	}

	ctx = r.callContext(ctx, env)

	inv := r.terminal(reg, inbound)
	chain := r.loadChain()
	for i := len(chain) - 1; i >= 0; i-- {
		ic, next := chain[i], inv
		inv = func(ctx context.Context, env *envelope.Envelope) (Result, error) {
			return ic(ctx, env, next)
		}
	}

	res, err = r.invoke(ctx, env, inv)
	if err != nil {
		e := rferrors.Classify(err)
		if e.Code == rferrors.CodeInternal {
			r.logger.Error().Err(err).Str("procedure", env.Procedure).Msg("internal routing error")
		}
		return Result{}, e
	}
	return res, nil
}

// callContext guarantees downstream code finds call info. Adapters
// normally attach a fully populated Info before calling Handle; direct
// in-process calls get a local one.
func (r *Router) callContext(ctx context.Context, env *envelope.Envelope) context.Context {
	in, ok := call.FromContext(ctx)
	if !ok {
		in = &call.Info{Transport: call.TransportLocal}
		ctx = call.NewContext(ctx, in)
	}
	if in.RequestID == "" {
		in.RequestID = env.ID
	}
	if in.Metadata == nil {
		in.Metadata = env.CloneMetadata()
	}
	return ctx
}

// invoke runs the composed chain with panic containment.
func (r *Router) invoke(ctx context.Context, env *envelope.Envelope, inv Invoke) (res Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.obs.Panic()
			r.logger.Error().
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Str("procedure", env.Procedure).
				Msg("handler panic")
			res = Result{}
			err = rferrors.New(rferrors.CodeInternal, "internal error")
		}
	}()
	return inv(ctx, env)
}

func (r *Router) terminal(reg *registry.Registration, inbound stream.Source) Invoke {
	return func(ctx context.Context, env *envelope.Envelope) (Result, error) {
		switch reg.Def.Kind {
		case registry.KindProcedure:
			return r.invokeProcedure(ctx, reg, env)
		case registry.KindStream:
			return r.invokeStream(ctx, reg, env, inbound)
		case registry.KindEvent:
			return r.invokeEvent(ctx, reg, env)
		default:
			return Result{}, rferrors.Newf(rferrors.CodeInternal, "unknown handler kind %q", reg.Def.Kind)
		}
	}
}

func (r *Router) invokeProcedure(ctx context.Context, reg *registry.Registration, env *envelope.Envelope) (Result, error) {
	out, err := reg.Procedure(ctx, env.Payload)
	if err != nil {
		return Result{}, err
	}
	if reg.Def.Output != nil && r.validator != nil {
		if _, verr := r.validator.Validate(reg.Def.Output, out); verr != nil {
			r.logger.Error().Err(verr).Str("procedure", reg.Def.Name).Msg("handler output failed validation")
			return Result{}, rferrors.New(rferrors.CodeOutputValidationError, "response failed output validation")
		}
	}
	return Result{Payload: out}, nil
}

func (r *Router) invokeStream(ctx context.Context, reg *registry.Registration, env *envelope.Envelope, inbound stream.Source) (Result, error) {
	src, err := reg.Stream(ctx, env.Payload, inbound)
	if err != nil {
		return Result{}, err
	}
	if src == nil {
		src = stream.Empty()
	}
	if reg.Def.Output != nil && r.validator != nil {
		name, output := reg.Def.Name, reg.Def.Output
		src = stream.Map(src, func(item json.RawMessage) (json.RawMessage, error) {
			if _, verr := r.validator.Validate(output, item); verr != nil {
				r.logger.Error().Err(verr).Str("stream", name).Msg("stream item failed output validation")
				return nil, rferrors.New(rferrors.CodeOutputValidationError, "stream item failed output validation")
			}
			return item, nil
		})
	}
	return Result{Stream: r.observeStream(src)}, nil
}

// invokeEvent runs the handler synchronously. Events are fire-and-forget:
// handler failures are logged, never surfaced, except cancellation, which
// propagates so adapters stop cleanly.
func (r *Router) invokeEvent(ctx context.Context, reg *registry.Registration, env *envelope.Envelope) (Result, error) {
	if err := reg.Event(ctx, env.Payload); err != nil {
		switch rferrors.CodeOf(err) {
		case rferrors.CodeCancelled, rferrors.CodeDeadlineExceeded:
			return Result{}, err
		}
		r.logger.Error().Err(err).Str("event", reg.Def.Name).Msg("event handler failed")
	}
	return Result{Payload: EventAck}, nil
}

func kindForType(t envelope.Type) observability.RequestKind {
	switch t {
	case envelope.TypeStreamStart:
		return observability.RequestKindStream
	case envelope.TypeEvent:
		return observability.RequestKindEvent
	default:
		return observability.RequestKindProcedure
	}
}

func kindMismatch(kind registry.Kind, t envelope.Type) error {
	want := envelope.TypeRequest
	switch kind {
	case registry.KindStream:
		want = envelope.TypeStreamStart
	case registry.KindEvent:
		want = envelope.TypeEvent
	}
	if t == want {
		return nil
	}
	return rferrors.Newf(rferrors.CodeInvalidArgument, "%s handler cannot serve a %q envelope", kind, t)
}

func asValidationError(code rferrors.Code, err error) error {
	var ve *validate.Error
	if errors.As(err, &ve) {
		return rferrors.New(code, ve.Message).WithDetails(ve.Diagnostic)
	}
	return rferrors.Wrap(code, "invalid payload", err)
}
