package api

import (
	"testing"
	"time"
)

func TestRateLimiterAllow(t *testing.T) {
	rl := NewRateLimiter(3, time.Minute)
	defer rl.Stop()

	for i := 0; i < 3; i++ {
		if !rl.Allow("10.0.0.1") {
			t.Fatalf("Request %d should be allowed", i+1)
		}
	}
	if rl.Allow("10.0.0.1") {
		t.Error("Request over the budget should be rejected")
	}

	// Other clients have their own budget.
	if !rl.Allow("10.0.0.2") {
		t.Error("Separate client should be allowed")
	}
}

func TestRateLimiterWindowExpiry(t *testing.T) {
	rl := NewRateLimiter(1, 10*time.Millisecond)
	defer rl.Stop()

	if !rl.Allow("10.0.0.1") {
		t.Fatal("First request should be allowed")
	}
	if rl.Allow("10.0.0.1") {
		t.Fatal("Second request in window should be rejected")
	}

	time.Sleep(20 * time.Millisecond)

	if !rl.Allow("10.0.0.1") {
		t.Error("Request after the window should be allowed")
	}
}

func TestRateLimiterStop(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)

	rl.Stop()
	rl.Stop() // idempotent

	// The limiter itself keeps enforcing the budget after Stop.
	if !rl.Allow("10.0.0.1") {
		t.Error("First request should be allowed after Stop")
	}
	if rl.Allow("10.0.0.1") {
		t.Error("Budget should still be enforced after Stop")
	}
}
