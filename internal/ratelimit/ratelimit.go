// Package ratelimit provides token-bucket rate limiting for the action
// ingress. Buckets refill continuously rather than in window bursts, and
// ingress uses the non-blocking Allow path so an exhausted agent gets an
// immediate 429 with a Retry-After hint.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// TokenBucket is a token-bucket limiter with continuous refill.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64 // current available tokens (fractional allowed)
	capacity float64 // maximum burst size
	rate     float64 // tokens refilled per second
	lastTime time.Time
}

// NewTokenBucket creates a full bucket with the given burst capacity and
// refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

func (tb *TokenBucket) refillLocked(now time.Time) {
	elapsed := now.Sub(tb.lastTime).Seconds()
	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastTime = now
}

// Allow consumes a token if one is available. When it is not, the second
// return is how long until the next token.
func (tb *TokenBucket) Allow() (bool, time.Duration) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked(time.Now())

	if tb.tokens >= 1 {
		tb.tokens--
		return true, 0
	}
	wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
	return false, wait
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		ok, wait := tb.Allow()
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// PerAgent keys one bucket per agent, all sharing the same tuning.
type PerAgent struct {
	capacity float64
	rate     float64

	mu      sync.Mutex
	buckets map[string]*TokenBucket
}

// NewPerAgent creates an empty per-agent limiter.
func NewPerAgent(capacity, ratePerSecond float64) *PerAgent {
	return &PerAgent{
		capacity: capacity,
		rate:     ratePerSecond,
		buckets:  make(map[string]*TokenBucket),
	}
}

// Allow consumes a token from the agent's bucket, creating it full on
// first sight.
func (p *PerAgent) Allow(agentID string) (bool, time.Duration) {
	p.mu.Lock()
	tb, ok := p.buckets[agentID]
	if !ok {
		tb = NewTokenBucket(p.capacity, p.rate)
		p.buckets[agentID] = tb
	}
	p.mu.Unlock()
	return tb.Allow()
}
