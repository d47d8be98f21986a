package chatsync

import (
	"sync"
	"time"
)

const (
	DefaultRateLimit  = 30
	DefaultRateWindow = 60 * time.Second
)

// RateLimiter is a sliding-window limiter over attempt timestamps. At most
// limit attempts succeed in any trailing window.
type RateLimiter struct {
	mu       sync.Mutex
	limit    int
	window   time.Duration
	clock    Clock
	attempts []time.Time
}

// NewRateLimiter returns a limiter allowing limit attempts per window. Zero
// values select the defaults; a nil clock selects SystemClock.
func NewRateLimiter(limit int, window time.Duration, clock Clock) *RateLimiter {
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	if window <= 0 {
		window = DefaultRateWindow
	}
	if clock == nil {
		clock = SystemClock()
	}
	return &RateLimiter{limit: limit, window: window, clock: clock}
}

// CheckLimit records an attempt and reports whether it is allowed. Rejected
// attempts are not recorded.
func (r *RateLimiter) CheckLimit() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	r.prune(now)
	if len(r.attempts) >= r.limit {
		return false
	}
	r.attempts = append(r.attempts, now)
	return true
}

// RemainingAttempts returns how many attempts would currently succeed.
func (r *RateLimiter) RemainingAttempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.prune(r.clock.Now())
	return max(r.limit-len(r.attempts), 0)
}

// Reset forgets all recorded attempts.
func (r *RateLimiter) Reset() {
	r.mu.Lock()
	r.attempts = nil
	r.mu.Unlock()
}

func (r *RateLimiter) prune(now time.Time) {
	i := 0
	for i < len(r.attempts) && now.Sub(r.attempts[i]) >= r.window {
		i++
	}
	if i > 0 {
		r.attempts = append(r.attempts[:0], r.attempts[i:]...)
	}
}
