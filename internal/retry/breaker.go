package retry

import (
	"fmt"
	"sync"
	"time"
)

// BreakerState is the circuit's failure-isolation state.
type BreakerState string

const (
	Closed   BreakerState = "closed"
	HalfOpen BreakerState = "half-open"
	Open     BreakerState = "open"
)

// CircuitOpenError is returned by Allow while the circuit is open. It
// carries how long until the next attempt will be permitted.
type CircuitOpenError struct {
	MsUntilRetry int64
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open, retry in %dms", e.MsUntilRetry)
}

// BreakerConfig tunes one circuit.
type BreakerConfig struct {
	FailureThreshold int           // consecutive failures closing → open
	SuccessThreshold int           // consecutive half-open successes → closed
	RecoveryTime     time.Duration // open → half-open after this elapses
}

// DefaultBreakerConfig matches the webhook dispatcher defaults.
var DefaultBreakerConfig = BreakerConfig{
	FailureThreshold: 5,
	SuccessThreshold: 2,
	RecoveryTime:     30 * time.Second,
}

// Breaker is a per-endpoint circuit breaker.
//
//	closed    → open      after FailureThreshold consecutive failures
//	open      → half-open automatically once RecoveryTime has elapsed
//	half-open → closed    after SuccessThreshold consecutive successes
//	half-open → open      on the first failure
//
// Callers run Allow() before an attempt and Success()/Failure() after.
// The now func is injectable for tests.
type Breaker struct {
	cfg BreakerConfig
	now func() time.Time

	mu        sync.Mutex
	state     BreakerState
	failures  int       // consecutive failures (closed state)
	successes int       // consecutive successes (half-open state)
	openedAt  time.Time // when the circuit last opened
}

// NewBreaker creates a closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{cfg: cfg, now: time.Now, state: Closed}
}

// NewBreakerWithClock creates a breaker with an injected clock.
func NewBreakerWithClock(cfg BreakerConfig, now func() time.Time) *Breaker {
	return &Breaker{cfg: cfg, now: now, state: Closed}
}

// State returns the current state, applying the open → half-open
// transition if the recovery time has elapsed.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()
	return b.state
}

// Allow reports whether a call may proceed. While open it fails fast with
// *CircuitOpenError carrying the remaining wait.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()
	if b.state == Open {
		remaining := b.cfg.RecoveryTime - b.now().Sub(b.openedAt)
		if remaining < 0 {
			remaining = 0
		}
		return &CircuitOpenError{MsUntilRetry: remaining.Milliseconds()}
	}
	return nil
}

// Success records a successful call.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Closed:
		b.failures = 0
	case HalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.state = Closed
			b.failures = 0
			b.successes = 0
		}
	}
}

// Failure records a failed call.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Closed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.openLocked()
		}
	case HalfOpen:
		b.openLocked()
	}
}

// Trip forces the circuit open.
func (b *Breaker) Trip() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.openLocked()
}

// Reset forces the circuit closed and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failures = 0
	b.successes = 0
}

func (b *Breaker) openLocked() {
	b.state = Open
	b.openedAt = b.now()
	b.failures = 0
	b.successes = 0
}

func (b *Breaker) maybeHalfOpenLocked() {
	if b.state == Open && b.now().Sub(b.openedAt) >= b.cfg.RecoveryTime {
		b.state = HalfOpen
		b.successes = 0
	}
}

// BreakerRegistry holds one breaker per endpoint key. Construct it
// explicitly and pass it to the dispatcher; there is no global registry.
type BreakerRegistry struct {
	cfg BreakerConfig

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewBreakerRegistry creates an empty registry.
func NewBreakerRegistry(cfg BreakerConfig) *BreakerRegistry {
	return &BreakerRegistry{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for key, creating it closed if absent.
func (r *BreakerRegistry) Get(key string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[key]
	if !ok {
		b = NewBreaker(r.cfg)
		r.breakers[key] = b
	}
	return b
}

// Remove drops the breaker for key (endpoint deregistered).
func (r *BreakerRegistry) Remove(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.breakers, key)
}
