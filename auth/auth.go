// Package auth defines the caller identity model and the pluggable
// credential verification contract used by the authentication interceptor.
package auth

import (
	"context"
	"errors"
)

// ErrInvalidCredentials is returned by strategies when a presented
// credential is malformed, expired, or unknown.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Principal identifies the authenticated caller of one request.
type Principal struct {
	// Subject is the stable identifier of the caller (user id, service name).
	Subject string
	// Roles are coarse authorization labels attached to the caller.
	Roles []string
	// Claims carries verified attributes beyond subject and roles.
	Claims map[string]any
}

// HasRole reports whether the principal carries the given role.
func (p *Principal) HasRole(role string) bool {
	if p == nil {
		return false
	}
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Strategy verifies a bearer credential and resolves the principal behind
// it. Implementations must be safe for concurrent use.
type Strategy interface {
	Verify(ctx context.Context, credential string) (*Principal, error)
}

// StrategyFunc adapts a function to the Strategy interface.
type StrategyFunc func(ctx context.Context, credential string) (*Principal, error)

// Verify implements Strategy.
func (f StrategyFunc) Verify(ctx context.Context, credential string) (*Principal, error) {
	return f(ctx, credential)
}

// Static returns a strategy backed by a fixed credential→principal table.
// Useful for tests and single-tenant deployments.
func Static(table map[string]*Principal) Strategy {
	cloned := make(map[string]*Principal, len(table))
	for k, v := range table {
		cloned[k] = v
	}
	return StrategyFunc(func(_ context.Context, credential string) (*Principal, error) {
		p, ok := cloned[credential]
		if !ok {
			return nil, ErrInvalidCredentials
		}
		return p, nil
	})
}
