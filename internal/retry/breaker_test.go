package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		RecoveryTime:     30 * time.Second,
	}
}

// fakeClock is a settable clock for breaker transition tests.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestBreakerOpensAtThreshold(t *testing.T) {
	t.Parallel()
	b := NewBreaker(testBreakerConfig())

	for i := 0; i < 4; i++ {
		b.Failure()
		if err := b.Allow(); err != nil {
			t.Fatalf("breaker open after %d failures", i+1)
		}
	}
	b.Failure()

	err := b.Allow()
	var open *CircuitOpenError
	if !errors.As(err, &open) {
		t.Fatalf("Allow = %v, want *CircuitOpenError", err)
	}
	if open.MsUntilRetry <= 0 || open.MsUntilRetry > 30_000 {
		t.Errorf("MsUntilRetry = %d, want within recovery window", open.MsUntilRetry)
	}
}

func TestBreakerSuccessResetsFailureStreak(t *testing.T) {
	t.Parallel()
	b := NewBreaker(testBreakerConfig())

	for i := 0; i < 4; i++ {
		b.Failure()
	}
	b.Success()
	for i := 0; i < 4; i++ {
		b.Failure()
	}
	if b.State() != Closed {
		t.Errorf("state = %s, want closed after streak reset", b.State())
	}
}

func TestBreakerRecoveryCycle(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{t: time.Unix(1_000_000, 0)}
	b := NewBreakerWithClock(testBreakerConfig(), clock.now)

	b.Trip()
	if b.State() != Open {
		t.Fatalf("state = %s, want open after trip", b.State())
	}

	clock.advance(29 * time.Second)
	if err := b.Allow(); err == nil {
		t.Fatal("Allow should fail before recovery time elapses")
	}

	clock.advance(2 * time.Second)
	if b.State() != HalfOpen {
		t.Fatalf("state = %s, want half-open after recovery time", b.State())
	}
	if err := b.Allow(); err != nil {
		t.Fatalf("half-open should admit a probe: %v", err)
	}

	b.Success()
	if b.State() != HalfOpen {
		t.Errorf("state = %s, want half-open after one success", b.State())
	}
	b.Success()
	if b.State() != Closed {
		t.Errorf("state = %s, want closed after two successes", b.State())
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{t: time.Unix(1_000_000, 0)}
	b := NewBreakerWithClock(testBreakerConfig(), clock.now)

	b.Trip()
	clock.advance(31 * time.Second)
	if b.State() != HalfOpen {
		t.Fatalf("state = %s, want half-open", b.State())
	}

	b.Failure()
	if b.State() != Open {
		t.Errorf("state = %s, want open after half-open failure", b.State())
	}
	// The open window restarts from the half-open failure.
	clock.advance(29 * time.Second)
	if err := b.Allow(); err == nil {
		t.Error("Allow should still fail inside the restarted window")
	}
}

func TestBreakerReset(t *testing.T) {
	t.Parallel()
	b := NewBreaker(testBreakerConfig())

	b.Trip()
	b.Reset()
	if b.State() != Closed {
		t.Errorf("state = %s, want closed after reset", b.State())
	}
	if err := b.Allow(); err != nil {
		t.Errorf("Allow after reset: %v", err)
	}
}

func TestBreakerRegistryPerKey(t *testing.T) {
	t.Parallel()
	reg := NewBreakerRegistry(testBreakerConfig())

	a := reg.Get("agent-a")
	if reg.Get("agent-a") != a {
		t.Error("same key should return the same breaker")
	}
	if reg.Get("agent-b") == a {
		t.Error("distinct keys should get distinct breakers")
	}

	a.Trip()
	reg.Remove("agent-a")
	if reg.Get("agent-a").State() != Closed {
		t.Error("re-created breaker should start closed")
	}
}

func TestProfileDelayBounds(t *testing.T) {
	t.Parallel()
	p := Profile{
		MaxRetries:   3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2,
		Jitter:       0.1,
	}

	// Expected bases: 100ms, 200ms, 400ms, then capped growth.
	bases := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
	}
	for attempt, base := range bases {
		d := p.Delay(attempt)
		lo := time.Duration(float64(base) * 0.9)
		hi := time.Duration(float64(base) * 1.1)
		if d < lo || d > hi {
			t.Errorf("Delay(%d) = %s, want within [%s, %s]", attempt, d, lo, hi)
		}
	}

	// Far attempts cap at MaxDelay before jitter.
	d := p.Delay(20)
	if d > time.Duration(float64(5*time.Second)*1.1) {
		t.Errorf("Delay(20) = %s exceeds jittered cap", d)
	}
}

func TestDoStopsOnSuccess(t *testing.T) {
	t.Parallel()
	p := Profile{MaxRetries: 5, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}

	calls := 0
	err := Do(context.Background(), p, func(error) bool { return true }, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do = %v, want nil", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoExhaustsRetries(t *testing.T) {
	t.Parallel()
	p := Profile{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}

	calls := 0
	sentinel := errors.New("still down")
	err := Do(context.Background(), p, func(error) bool { return true }, func(context.Context) error {
		calls++
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("Do = %v, want %v", err, sentinel)
	}
	if calls != 4 {
		t.Errorf("calls = %d, want 1 initial + 3 retries", calls)
	}
}

func TestDoNonRetryableReturnsImmediately(t *testing.T) {
	t.Parallel()
	p := Profile{MaxRetries: 5, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}

	calls := 0
	fatal := errors.New("bad request")
	err := Do(context.Background(), p, func(error) bool { return false }, func(context.Context) error {
		calls++
		return fatal
	})
	if !errors.Is(err, fatal) {
		t.Fatalf("Do = %v, want %v", err, fatal)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDoHonoursCancellation(t *testing.T) {
	t.Parallel()
	p := Profile{MaxRetries: 10, InitialDelay: 50 * time.Millisecond, MaxDelay: 50 * time.Millisecond, Multiplier: 1}

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, p, func(error) bool { return true }, func(context.Context) error {
		calls++
		cancel()
		return errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Do = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 before cancellation", calls)
	}
}
