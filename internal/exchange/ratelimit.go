// Package exchange is the rate-limited REST client of §4.9: continuous
// token-bucket throttling across order/cancel/query endpoint classes, HMAC
// request signing, adaptive cooldown parsing of the venue's rate-limit
// response headers, and a short TTL cache for idempotent GETs.
//
// Token-bucket grounded on the rate limiter pack repo's continuous-refill
// TokenBucket, generalized from three Polymarket CLOB categories (order,
// cancel, book) to this venue's order/cancel/query split.
package exchange

import (
	"context"
	"sync"
	"time"
)

// TokenBucket is a continuous-refill rate limiter; Wait blocks until a
// token is available or ctx is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64
	lastTime time.Time
}

// NewTokenBucket builds a bucket with the given burst capacity and
// steady-state refill rate in tokens per second.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{tokens: capacity, capacity: capacity, rate: ratePerSecond, lastTime: time.Now()}
}

// Wait blocks until a token is available.
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

		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// PauseFor stalls every future Wait caller by draining tokens to zero and
// pushing lastTime forward; used to honor the venue's advertised
// X-Bapi-Limit-Reset-Timestamp cooldown instead of re-discovering it
// through repeated 429s.
func (tb *TokenBucket) PauseFor(d time.Duration) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.tokens = 0
	tb.lastTime = time.Now().Add(d)
}

// RateLimiter groups the buckets each REST operation must acquire from
// before making its request.
type RateLimiter struct {
	Order  *TokenBucket
	Cancel *TokenBucket
	Query  *TokenBucket
}

// NewRateLimiter builds a limiter set from the configured burst/rate pairs.
func NewRateLimiter(orderBurst, orderRate, cancelBurst, cancelRate, queryBurst, queryRate float64) *RateLimiter {
	return &RateLimiter{
		Order:  NewTokenBucket(orderBurst, orderRate),
		Cancel: NewTokenBucket(cancelBurst, cancelRate),
		Query:  NewTokenBucket(queryBurst, queryRate),
	}
}
