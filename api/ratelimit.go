package api

// ratelimit.go is a per-key sliding window limiter. The window is a slice
// of request times per key, pruned on every check; with the request rates
// a coordinator sees, the bookkeeping stays trivially small.

import (
	"sync"
	"time"
)

type rateLimiter struct {
	mu     sync.Mutex
	window time.Duration
	max    int
	hits   map[string][]time.Time

	// now is swapped out by tests.
	now func() time.Time
}

func newRateLimiter(window time.Duration, max int) *rateLimiter {
	return &rateLimiter{
		window: window,
		max:    max,
		hits:   make(map[string][]time.Time),
		now:    time.Now,
	}
}

// allow records one request for the key and reports whether it fits the
// window. On rejection it returns how long until the oldest counted
// request falls out of the window. A non-positive max disables limiting.
func (rl *rateLimiter) allow(key string) (time.Duration, bool) {
	if rl.max <= 0 || rl.window <= 0 {
		return 0, true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cutoff := now.Add(-rl.window)
	hits := rl.hits[key]
	kept := hits[:0]
	for _, t := range hits {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= rl.max {
		rl.hits[key] = kept
		return kept[0].Sub(cutoff), false
	}
	rl.hits[key] = append(kept, now)
	return 0, true
}
