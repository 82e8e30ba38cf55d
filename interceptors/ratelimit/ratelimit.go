// Package ratelimit provides the rate limiting interceptor, backed by a
// multi-window sliding limiter with independent buckets per category.
package ratelimit

import (
	"context"
	"encoding/json"
	"math"
	"strconv"
	"time"

	"github.com/joeycumines/go-catrate"

	"github.com/raffelio/raffel/call"
	"github.com/raffelio/raffel/envelope"
	"github.com/raffelio/raffel/rferrors"
	"github.com/raffelio/raffel/router"
)

// Config controls the interceptor.
type Config struct {
	// Rates maps sliding window sizes to the maximum number of calls per
	// window, e.g. {time.Second: 10, time.Minute: 100}. Required; counts
	// must be positive and monotonic across windows.
	Rates map[time.Duration]int
	// Category derives the limiter bucket for a call. Defaults to
	// ByProcedure.
	Category func(ctx context.Context, env *envelope.Envelope) any
}

// ByProcedure buckets calls by registered name.
func ByProcedure(_ context.Context, env *envelope.Envelope) any {
	return env.Procedure
}

// ByRemoteAddr buckets calls by caller address, falling back to the
// procedure name for in-process calls.
func ByRemoteAddr(ctx context.Context, env *envelope.Envelope) any {
	if in, ok := call.FromContext(ctx); ok && in.RemoteAddr != "" {
		return in.RemoteAddr
	}
	return env.Procedure
}

// New returns the rate limiting interceptor. Denied calls fail with
// RATE_LIMITED; the retry hint travels both in the error details and in
// reply metadata (Retry-After, X-RateLimit-*), which the HTTP adapter
// renders as response headers.
func New(cfg Config) router.Interceptor {
	limiter := catrate.NewLimiter(cfg.Rates)
	category := cfg.Category
	if category == nil {
		category = ByProcedure
	}
	limit := strconv.Itoa(advertisedLimit(cfg.Rates))

	return func(ctx context.Context, env *envelope.Envelope, next router.Invoke) (router.Result, error) {
		in, _ := call.FromContext(ctx)
		nextAt, ok := limiter.Allow(category(ctx, env))
		if !ok {
			retry := retryAfterSeconds(nextAt)
			if in != nil {
				in.SetReplyMeta("X-RateLimit-Limit", limit)
				in.SetReplyMeta("X-RateLimit-Remaining", "0")
				in.SetReplyMeta("Retry-After", strconv.Itoa(retry))
			}
			details, _ := json.Marshal(map[string]int{"retryAfterSeconds": retry})
			return router.Result{}, rferrors.New(rferrors.CodeRateLimited, "rate limit exceeded").WithDetails(details)
		}
		if in != nil {
			in.SetReplyMeta("X-RateLimit-Limit", limit)
		}
		return next(ctx, env)
	}
}

// advertisedLimit is the count of the smallest configured window.
func advertisedLimit(rates map[time.Duration]int) int {
	best := time.Duration(math.MaxInt64)
	n := 0
	for window, count := range rates {
		if window < best {
			best, n = window, count
		}
	}
	return n
}

func retryAfterSeconds(nextAt time.Time) int {
	d := time.Until(nextAt)
	if d <= 0 {
		return 1
	}
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
