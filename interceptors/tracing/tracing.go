// Package tracing provides the tracing interceptor: one server span per
// call, propagated from the caller through envelope metadata.
package tracing

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/raffelio/raffel/call"
	"github.com/raffelio/raffel/envelope"
	"github.com/raffelio/raffel/rferrors"
	"github.com/raffelio/raffel/router"
	"github.com/raffelio/raffel/stream"
	"github.com/raffelio/raffel/trace"
)

// New returns the tracing interceptor. The caller's span context is
// extracted from envelope metadata (traceparent/tracestate); the call's
// span ids land in the per-call trace slot. Stream spans stay open until
// the stream ends.
func New(tracer trace.Tracer) router.Interceptor {
	return func(ctx context.Context, env *envelope.Envelope, next router.Invoke) (router.Result, error) {
		ctx = tracer.Extract(ctx, env.Metadata)
		ctx, span := tracer.StartSpan(ctx, env.Procedure, trace.KindServer)

		in, _ := call.FromContext(ctx)
		if in != nil {
			sc := span.Context()
			in.Trace = call.Trace{TraceID: sc.TraceID, SpanID: sc.SpanID, ParentSpanID: sc.ParentSpanID}
			span.SetAttribute("raffel.transport", in.Transport)
		}
		span.SetAttribute("raffel.type", string(env.Type))

		res, err := next(ctx, env)
		if err != nil {
			span.RecordError(err)
			span.SetAttribute("raffel.code", string(rferrors.CodeOf(err)))
			span.End()
			return res, err
		}
		if res.Stream != nil {
			res.Stream = &spannedSource{src: res.Stream, span: span}
			return res, nil
		}
		span.End()
		return res, nil
	}
}

// spannedSource keeps the call span open until its stream terminates.
type spannedSource struct {
	src  stream.Source
	span trace.Span

	endOnce sync.Once
}

func (s *spannedSource) Next(ctx context.Context) (json.RawMessage, error) {
	item, err := s.src.Next(ctx)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			s.span.RecordError(err)
		}
		s.end()
	}
	return item, err
}

func (s *spannedSource) Close() error {
	err := s.src.Close()
	s.end()
	return err
}

func (s *spannedSource) end() {
	s.endOnce.Do(s.span.End)
}
