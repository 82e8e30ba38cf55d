package router

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/raffelio/raffel/observability"
	"github.com/raffelio/raffel/rferrors"
	"github.com/raffelio/raffel/stream"
)

// observeStream wraps src so the observer sees item counts and exactly
// one terminal result per stream.
func (r *Router) observeStream(src stream.Source) stream.Source {
	if r.obs == observability.NoopRouterObserver {
		return src
	}
	return &observedSource{src: src, obs: r.obs}
}

type observedSource struct {
	src stream.Source
	obs observability.RouterObserver

	endOnce sync.Once
}

func (s *observedSource) Next(ctx context.Context) (json.RawMessage, error) {
	item, err := s.src.Next(ctx)
	switch {
	case err == nil:
		s.obs.StreamItem()
	case errors.Is(err, io.EOF):
		s.end(observability.StreamResultOK)
	case isCancel(err):
		s.end(observability.StreamResultCancelled)
	default:
		s.end(observability.StreamResultError)
	}
	return item, err
}

// Close before a terminal Next counts as a cancelled stream.
func (s *observedSource) Close() error {
	err := s.src.Close()
	s.end(observability.StreamResultCancelled)
	return err
}

func (s *observedSource) end(result observability.StreamResult) {
	s.endOnce.Do(func() { s.obs.StreamEnd(result) })
}

func isCancel(err error) bool {
	switch rferrors.CodeOf(err) {
	case rferrors.CodeCancelled, rferrors.CodeDeadlineExceeded:
		return true
	}
	return false
}
