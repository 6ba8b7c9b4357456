package api

import (
	"testing"
	"time"
)

// TestRateLimiterWindow checks the sliding window with a fake clock.
func TestRateLimiterWindow(t *testing.T) {
	now := time.Unix(1000, 0)
	rl := newRateLimiter(10*time.Second, 2)
	rl.now = func() time.Time { return now }

	if _, ok := rl.allow("k"); !ok {
		t.Fatal("first request should pass")
	}
	if _, ok := rl.allow("k"); !ok {
		t.Fatal("second request should pass")
	}
	retry, ok := rl.allow("k")
	if ok {
		t.Fatal("third request should be limited")
	}
	if retry <= 0 || retry > 10*time.Second {
		t.Error("retry hint out of range:", retry)
	}

	// Other keys have their own windows.
	if _, ok := rl.allow("other"); !ok {
		t.Error("limit leaked across keys")
	}

	// Once the window slides past the oldest hit, requests pass again.
	now = now.Add(11 * time.Second)
	if _, ok := rl.allow("k"); !ok {
		t.Error("request after the window should pass")
	}
}

// TestRateLimiterDisabled checks that a zero limit disables the limiter.
func TestRateLimiterDisabled(t *testing.T) {
	rl := newRateLimiter(time.Second, 0)
	for i := 0; i < 100; i++ {
		if _, ok := rl.allow("k"); !ok {
			t.Fatal("disabled limiter must always allow")
		}
	}
}
