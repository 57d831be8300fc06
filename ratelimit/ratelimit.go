// Package ratelimit is the admission-control layer in front of the gateway's
// HTTP entry points. Counters live in the shared KeyedCache so the limit
// holds across every gateway instance of a deployment.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/skilder-ai/toolgate/cache"
	"github.com/skilder-ai/toolgate/tenancy"
)

type (
	// Limiter admits at most Max requests per caller key and window.
	Limiter struct {
		bucket *cache.Bucket
		max    int64
		window time.Duration
	}

	// Options configures a Limiter. Values are fixed for the life of the
	// limiter.
	Options struct {
		// Max is the request ceiling per window.
		Max int64
		// Window is the length of a window, starting at the first admission.
		Window time.Duration
	}

	// Decision is the outcome of an admission.
	Decision struct {
		Allowed   bool
		Limit     int64
		Remaining int64
		ResetAt   time.Time
	}
)

// PublicScope partitions counters of callers that have not authenticated
// yet. Admission runs before any credential is read.
var PublicScope = tenancy.Scope{Tenant: "_public"}

// New returns a Limiter counting in c.
func New(c cache.Cache, opts Options) (*Limiter, error) {
	if c == nil {
		return nil, errors.New("ratelimit: cache is required")
	}
	if opts.Max <= 0 {
		return nil, fmt.Errorf("ratelimit: max must be positive, got %d", opts.Max)
	}
	if opts.Window <= 0 {
		return nil, fmt.Errorf("ratelimit: window must be positive, got %s", opts.Window)
	}
	return &Limiter{
		bucket: cache.NewBucket(c, cache.BucketRateLimit, opts.Window),
		max:    opts.Max,
		window: opts.Window,
	}, nil
}

// Limit returns the request ceiling per window.
func (l *Limiter) Limit() int64 { return l.max }

// Window returns the window length.
func (l *Limiter) Window() time.Duration { return l.window }

// Admit counts one request for key. The first admission of a window creates
// the counter with count 1 and resetAt = now + window; once resetAt passes
// the counter expires and the next admission starts a new window.
func (l *Limiter) Admit(ctx context.Context, scope tenancy.Scope, key string) (Decision, error) {
	c, err := l.bucket.Incr(ctx, scope, key)
	if err != nil {
		return Decision{}, fmt.Errorf("count request for %q: %w", key, err)
	}
	remaining := l.max - c.Count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   c.Count <= l.max,
		Limit:     l.max,
		Remaining: remaining,
		ResetAt:   c.ExpiresAt,
	}, nil
}
