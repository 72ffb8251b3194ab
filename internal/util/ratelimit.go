package util

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiter paces calls to an external API. It allows a burst of one and
// refills at perMinute/60 tokens per second.
type RateLimiter struct {
	lim *rate.Limiter
}

// NewRateLimiter creates a RateLimiter that allows perMinute operations per
// minute. A non-positive perMinute disables limiting.
func NewRateLimiter(perMinute int) *RateLimiter {
	if perMinute <= 0 {
		return &RateLimiter{lim: rate.NewLimiter(rate.Inf, 1)}
	}
	return &RateLimiter{lim: rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), 1)}
}

// Wait blocks until a rate-limit token is available or the context is
// cancelled.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	return rl.lim.Wait(ctx)
}

// Allow reports whether an operation may happen now without waiting.
func (rl *RateLimiter) Allow() bool {
	return rl.lim.Allow()
}
