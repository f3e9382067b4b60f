// Rate limiting for the Upstream Client, built directly on
// golang.org/x/time/rate — the same dependency warming/service.go already
// uses (rate.NewLimiter(rate.Limit(N), N)) — rather than a hand-rolled
// token bucket, since the ecosystem library already covers this concern.
package upstream

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter enforces N requests per rolling window of size W against the
// upstream. Acquire blocks until a slot is available; TryAcquire never
// blocks. The limiter is process-local (spec.md §4.2).
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter builds a limiter admitting `requests` events per `window`,
// with a burst equal to requests (a full window's worth of slack, matching
// spec.md's sliding-window description: up to N requests may land back to
// back before the limiter starts deferring).
func NewRateLimiter(requests int, window time.Duration) *RateLimiter {
	if requests <= 0 {
		requests = 1
	}
	if window <= 0 {
		window = time.Second
	}
	perSecond := float64(requests) / window.Seconds()
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(perSecond), requests)}
}

// Acquire returns once a slot is available in the current window, or when
// ctx is done, whichever comes first.
func (r *RateLimiter) Acquire(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}

// TryAcquire reports whether a slot is immediately available, without
// blocking or consuming one if not.
func (r *RateLimiter) TryAcquire() bool {
	return r.limiter.Allow()
}

// MultiLimiter composes several (N, W) pairs; Acquire must satisfy each in
// order, per spec.md §4.2's "Multi-tier" variant (e.g. 10/s AND 100/min).
type MultiLimiter struct {
	tiers []*RateLimiter
}

// NewMultiLimiter builds a limiter that enforces every given tier.
func NewMultiLimiter(tiers ...*RateLimiter) *MultiLimiter {
	return &MultiLimiter{tiers: tiers}
}

func (m *MultiLimiter) Acquire(ctx context.Context) error {
	for _, t := range m.tiers {
		if err := t.Acquire(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (m *MultiLimiter) TryAcquire() bool {
	// All tiers must currently admit; none may be consumed if any tier denies.
	// rate.Limiter.Allow() always consumes a token on a pass, so a denial on a
	// later tier would otherwise burn tokens already committed on earlier
	// tiers. Probe every tier with Tokens() (non-consuming) first, and only
	// once every tier clears, make a second pass that actually reserves.
	for _, t := range m.tiers {
		if t.limiter.Tokens() < 1 {
			return false
		}
	}
	for _, t := range m.tiers {
		if !t.limiter.Allow() {
			return false
		}
	}
	return true
}
