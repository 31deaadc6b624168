package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestBucketBurstThenExhaustion(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(3, 1)

	for i := 0; i < 3; i++ {
		ok, _ := tb.Allow()
		if !ok {
			t.Fatalf("burst request %d denied", i+1)
		}
	}

	ok, wait := tb.Allow()
	if ok {
		t.Fatal("empty bucket should deny")
	}
	if wait <= 0 || wait > time.Second {
		t.Errorf("wait = %s, want up to one refill interval", wait)
	}
}

func TestBucketRefills(t *testing.T) {
	t.Parallel()
	// 100 tokens/sec so the test stays fast.
	tb := NewTokenBucket(1, 100)

	if ok, _ := tb.Allow(); !ok {
		t.Fatal("fresh bucket should allow")
	}
	if ok, _ := tb.Allow(); ok {
		t.Fatal("bucket should be empty")
	}

	time.Sleep(20 * time.Millisecond)
	if ok, _ := tb.Allow(); !ok {
		t.Error("bucket should have refilled")
	}
}

func TestBucketCapsAtCapacity(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(2, 1000)

	time.Sleep(10 * time.Millisecond)
	granted := 0
	for i := 0; i < 10; i++ {
		if ok, _ := tb.Allow(); ok {
			granted++
		}
	}
	if granted > 3 {
		t.Errorf("granted = %d, refill must cap at capacity", granted)
	}
}

func TestWaitHonoursCancellation(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(1, 0.001)
	tb.Allow()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := tb.Wait(ctx); err == nil {
		t.Fatal("Wait should fail when ctx expires first")
	}
}

func TestPerAgentIsolation(t *testing.T) {
	t.Parallel()
	p := NewPerAgent(1, 0.001)

	if ok, _ := p.Allow("a1"); !ok {
		t.Fatal("first request for a1 denied")
	}
	if ok, _ := p.Allow("a1"); ok {
		t.Fatal("a1 should be exhausted")
	}
	// A different agent gets its own full bucket.
	if ok, _ := p.Allow("a2"); !ok {
		t.Error("a2 should not share a1's bucket")
	}
}
