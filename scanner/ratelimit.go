package scanner

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiter spaces request starts across all workers so the aggregate
// rate never exceeds the configured requests per second. A nil
// *RateLimiter is valid and never throttles.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter returns an unthrottled limiter when perSecond <= 0.
func NewRateLimiter(perSecond float64) *RateLimiter {
	if perSecond <= 0 {
		return &RateLimiter{}
	}
	// burst 1 makes this a minimum-interval gate of 1/perSecond
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(perSecond), 1)}
}

// Acquire blocks until the caller may issue its next request.
func (l *RateLimiter) Acquire(ctx context.Context) error {
	if l == nil || l.limiter == nil {
		return ctx.Err()
	}
	return l.limiter.Wait(ctx)
}

// Limit returns the configured rate, 0 when unthrottled.
func (l *RateLimiter) Limit() float64 {
	if l == nil || l.limiter == nil {
		return 0
	}
	return float64(l.limiter.Limit())
}
