package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRateLimiter_Burst(t *testing.T) {
	rl := NewRateLimiter(1, 3)

	for i := 0; i < 3; i++ {
		if !rl.Allow() {
			t.Fatalf("request %d within burst must be allowed", i+1)
		}
	}
	if rl.Allow() {
		t.Error("request beyond burst must be denied")
	}
}

func TestRateLimiter_Defaults(t *testing.T) {
	rl := NewRateLimiter(0, 0)
	if rl.rate != 10 || rl.burst != 10 {
		t.Errorf("unexpected defaults: rate=%v burst=%v", rl.rate, rl.burst)
	}
}

func TestRateLimiter_WaitRefills(t *testing.T) {
	rl := NewRateLimiter(100, 1)
	if !rl.Allow() {
		t.Fatal("first request must pass")
	}

	start := time.Now()
	if err := rl.Wait(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if time.Since(start) > 200*time.Millisecond {
		t.Error("Wait took too long for 100 req/sec")
	}
}

func TestRateLimiter_WaitCancelled(t *testing.T) {
	rl := NewRateLimiter(0.1, 1)
	rl.Allow()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if err := rl.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
}

func TestVenueLimiter(t *testing.T) {
	vl := NewVenueLimiter(1, 0)

	if !vl.Allow(CategoryOrder) || !vl.Allow(CategoryOrder) {
		t.Fatal("burst of 2 order requests must pass")
	}
	if vl.Allow(CategoryOrder) {
		t.Error("third order request must be denied")
	}

	// query без лимита
	for i := 0; i < 100; i++ {
		if !vl.Allow(CategoryQuery) {
			t.Fatal("unlimited category must always pass")
		}
	}
	if err := vl.Wait(context.Background(), "unknown"); err != nil {
		t.Errorf("unknown category must not block: %v", err)
	}
}
