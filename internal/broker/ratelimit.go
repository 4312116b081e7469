// ratelimit.go implements token-bucket rate limiting for broker REST APIs.
//
// Brokers enforce per-category request limits (Kite: 10 order placements per
// second, ~3/s for everything else). The bucket refills continuously rather
// than in window-sized bursts so a burst of strategies firing at the same
// buy_time spreads out instead of tripping the hard limit.
package broker

import (
	"context"
	"sync"
	"time"
)

// TokenBucket implements a token-bucket rate limiter with continuous refill.
// Callers block in Wait() until a token is available or the context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64   // current available tokens (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time tokens were calculated
}

// NewTokenBucket creates a rate limiter with the given capacity and refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		// Calculate wait time for next token
		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}

// RateLimiter groups token buckets by broker endpoint category. Each call
// must go through the matching bucket's Wait() before the HTTP request.
type RateLimiter struct {
	Order *TokenBucket // POST /orders — order placement
	Meta  *TokenBucket // profile, session, instrument lookups
}

// NewRateLimiter creates buckets tuned to Kite's published limits
// (10 order placements/s, 3/s for the rest).
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Order: NewTokenBucket(10, 10),
		Meta:  NewTokenBucket(5, 3),
	}
}
