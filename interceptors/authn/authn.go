// Package authn provides the authentication interceptor. It resolves the
// bearer credential in call metadata through a pluggable auth.Strategy and
// attaches the resulting principal to the call.
package authn

import (
	"context"
	"strings"

	"github.com/raffelio/raffel/auth"
	"github.com/raffelio/raffel/call"
	"github.com/raffelio/raffel/envelope"
	"github.com/raffelio/raffel/rferrors"
	"github.com/raffelio/raffel/router"
)

// MetadataKey is the call metadata key carrying the credential. Adapters
// lower-case incoming header names, so this matches the Authorization
// header on HTTP-family transports and the metadata pair elsewhere.
const MetadataKey = "authorization"

// Config controls the interceptor.
type Config struct {
	// Strategy verifies credentials. Required.
	Strategy auth.Strategy
	// Optional lets calls without a credential proceed unauthenticated.
	// Calls presenting an invalid credential always fail.
	Optional bool
}

// New returns the authentication interceptor.
func New(cfg Config) router.Interceptor {
	return func(ctx context.Context, env *envelope.Envelope, next router.Invoke) (router.Result, error) {
		in, _ := call.FromContext(ctx)

		credential := ""
		if in != nil {
			credential = strings.TrimSpace(in.Meta(MetadataKey))
		}
		if credential == "" {
			if cfg.Optional {
				return next(ctx, env)
			}
			return router.Result{}, rferrors.New(rferrors.CodeUnauthenticated, "missing credentials")
		}
		// Accept both bare tokens and the Bearer scheme.
		if len(credential) > 7 && strings.EqualFold(credential[:7], "bearer ") {
			credential = strings.TrimSpace(credential[7:])
		}

		p, err := cfg.Strategy.Verify(ctx, credential)
		if err != nil {
			return router.Result{}, rferrors.Wrap(rferrors.CodeUnauthenticated, "invalid credentials", err)
		}
		if in != nil {
			in.Principal = p
		}
		return next(ctx, env)
	}
}

// RequireRole returns an interceptor rejecting calls whose principal lacks
// the role. Place it after New in the chain.
func RequireRole(role string) router.Interceptor {
	return func(ctx context.Context, env *envelope.Envelope, next router.Invoke) (router.Result, error) {
		in, _ := call.FromContext(ctx)
		if in == nil || in.Principal == nil {
			return router.Result{}, rferrors.New(rferrors.CodeUnauthenticated, "missing credentials")
		}
		if !in.Principal.HasRole(role) {
			return router.Result{}, rferrors.Newf(rferrors.CodePermissionDenied, "requires role %q", role)
		}
		return next(ctx, env)
	}
}
