package upstream

import (
	"context"
	"testing"
	"time"
)

func TestRateLimiterBurstThenShaped(t *testing.T) {
	rl := NewRateLimiter(10, time.Second)

	allowed := 0
	for i := 0; i < 10; i++ {
		if rl.TryAcquire() {
			allowed++
		}
	}
	if allowed != 10 {
		t.Fatalf("expected burst of 10 to be admitted immediately, got %d", allowed)
	}

	if rl.TryAcquire() {
		t.Fatal("11th immediate request should be rate limited")
	}
}

func TestRateLimiterAcquireBlocksUntilSlot(t *testing.T) {
	rl := NewRateLimiter(2, 100*time.Millisecond)
	ctx := context.Background()

	if err := rl.Acquire(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := rl.Acquire(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	start := time.Now()
	if err := rl.Acquire(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Fatalf("third acquire should have waited for refill, took %v", time.Since(start))
	}
}

func TestRateLimiterAcquireRespectsContextCancellation(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)
	ctx := context.Background()
	if err := rl.Acquire(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()

	if err := rl.Acquire(cctx); err == nil {
		t.Fatal("expected context deadline error")
	}
}

func TestMultiLimiterEnforcesAllTiers(t *testing.T) {
	fast := NewRateLimiter(2, time.Second)
	slow := NewRateLimiter(3, time.Minute)
	multi := NewMultiLimiter(fast, slow)

	allowed := 0
	for i := 0; i < 5; i++ {
		if multi.TryAcquire() {
			allowed++
		}
	}
	if allowed > 2 {
		t.Fatalf("fast tier should cap admissions at 2, got %d", allowed)
	}
}

func TestMultiLimiterDenialDoesNotConsumeEarlierTiers(t *testing.T) {
	generous := NewRateLimiter(10, time.Second)
	strict := NewRateLimiter(1, time.Minute)
	multi := NewMultiLimiter(generous, strict)

	if !multi.TryAcquire() {
		t.Fatal("first acquire should succeed on both tiers")
	}
	if multi.TryAcquire() {
		t.Fatal("second acquire should be denied by the strict tier")
	}

	// The strict-tier denial above must not have burned a token on the
	// generous tier: it alone should still admit every one of its own slots.
	admitted := 0
	for i := 0; i < 9; i++ {
		if generous.TryAcquire() {
			admitted++
		}
	}
	if admitted != 9 {
		t.Fatalf("expected generous tier to retain its full remaining burst, got %d", admitted)
	}
}
