// Package retry provides the two transient-failure primitives used by the
// outbound paths: exponential backoff with jitter, and a per-endpoint
// circuit breaker.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Profile describes one backoff schedule. Delay for attempt n (0-based
// counting of retries) is min(InitialDelay·Multiplier^n, MaxDelay), then
// jittered uniformly by ±Jitter.
type Profile struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64
}

// WebhookProfile is the default schedule for webhook deliveries.
var WebhookProfile = Profile{
	MaxRetries:   3,
	InitialDelay: 100 * time.Millisecond,
	MaxDelay:     5 * time.Second,
	Multiplier:   2,
	Jitter:       0.1,
}

// DatabaseProfile is the schedule for persistence writes inside the tick
// pipeline.
var DatabaseProfile = Profile{
	MaxRetries:   2,
	InitialDelay: 50 * time.Millisecond,
	MaxDelay:     2 * time.Second,
	Multiplier:   2,
	Jitter:       0.1,
}

// Delay returns the jittered backoff delay before retry attempt n (n=0 is
// the first retry).
func (p Profile) Delay(attempt int) time.Duration {
	d := float64(p.InitialDelay)
	for i := 0; i < attempt; i++ {
		d *= p.Multiplier
	}
	if max := float64(p.MaxDelay); d > max {
		d = max
	}
	if p.Jitter > 0 {
		// uniform in [1-jitter, 1+jitter]
		d *= 1 + p.Jitter*(2*rand.Float64()-1)
	}
	return time.Duration(d)
}

// Do runs fn up to 1+MaxRetries times. A nil error stops immediately.
// retryable decides whether a given error is worth another attempt;
// non-retryable errors are returned as-is. Context cancellation aborts
// between attempts.
func Do(ctx context.Context, p Profile, retryable func(error) bool, fn func(context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if attempt >= p.MaxRetries || !retryable(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.Delay(attempt)):
		}
	}
}
