// Package reqlog provides the request logging interceptor: one structured
// line per completed call, whichever transport it arrived on.
package reqlog

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/raffelio/raffel/call"
	"github.com/raffelio/raffel/envelope"
	"github.com/raffelio/raffel/rferrors"
	"github.com/raffelio/raffel/router"
)

// New returns the logging interceptor. Successful calls log at debug,
// failures at warn with the taxonomy code. For streams the line covers
// stream start; frame flow is not logged.
func New(logger zerolog.Logger) router.Interceptor {
	return func(ctx context.Context, env *envelope.Envelope, next router.Invoke) (router.Result, error) {
		start := time.Now()
		res, err := next(ctx, env)

		var evt *zerolog.Event
		if err != nil {
			evt = logger.Warn().Str("code", string(rferrors.CodeOf(err)))
		} else {
			evt = logger.Debug()
		}
		evt = evt.
			Str("procedure", env.Procedure).
			Str("type", string(env.Type)).
			Dur("duration", time.Since(start))
		if in, ok := call.FromContext(ctx); ok {
			evt = evt.Str("request_id", in.RequestID).Str("transport", in.Transport)
			if in.RemoteAddr != "" {
				evt = evt.Str("remote", in.RemoteAddr)
			}
			if in.Principal != nil {
				evt = evt.Str("subject", in.Principal.Subject)
			}
		}
		evt.Msg("call")
		return res, err
	}
}
