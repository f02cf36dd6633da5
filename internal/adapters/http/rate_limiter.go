package http

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// RateLimiter allows at most limit attempts per key inside a sliding window.
type RateLimiter struct {
	mu       sync.Mutex
	clock    clock.Clock
	history  map[string][]time.Time
	limit    int
	interval time.Duration
}

func NewRateLimiter(clk clock.Clock, limit int, interval time.Duration) *RateLimiter {
	if clk == nil {
		clk = clock.New()
	}
	return &RateLimiter{
		clock:    clk,
		history:  make(map[string][]time.Time),
		limit:    limit,
		interval: interval,
	}
}

func (rl *RateLimiter) Allow(key string) bool {
	if rl.limit <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[key]
	fresh := make([]time.Time, 0, len(attempts)+1)
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}

	if len(fresh) >= rl.limit {
		rl.history[key] = fresh
		return false
	}

	rl.history[key] = append(fresh, now)
	return true
}
