package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ton-stars-service/internal/clock"
)

// RateLimiter caps requests per caller in fixed windows. It guards the
// endpoints that spend wallet funds.
type RateLimiter struct {
	mu          sync.Mutex
	clock       clock.Clock
	max         int
	window      time.Duration
	counters    map[string]*window
	lastCleanup time.Time
}

type window struct {
	count    int
	resetAt  time.Time
	lastSeen time.Time
}

const (
	cleanupInterval    = 5 * time.Minute
	expiredWindowGrace = 10 * time.Minute
)

func NewRateLimiter(max int, per time.Duration, c clock.Clock) *RateLimiter {
	if c == nil {
		c = clock.Real{}
	}
	return &RateLimiter{
		clock:       c,
		max:         max,
		window:      per,
		counters:    make(map[string]*window),
		lastCleanup: c.Now(),
	}
}

// Allow counts one request for key. It returns whether the request fits,
// how many remain in the window, and when the window resets.
func (rl *RateLimiter) Allow(key string) (bool, int, time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	defer rl.cleanupLocked(now)

	w, exists := rl.counters[key]
	if !exists || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(rl.window)}
		rl.counters[key] = w
	}
	w.lastSeen = now

	if w.count >= rl.max {
		return false, 0, w.resetAt
	}
	w.count++
	return true, rl.max - w.count, w.resetAt
}

// RateLimit keys requests by admin identity, falling back to the client IP.
func RateLimit(rl *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := GetAdmin(r.Context())
			if key == "" {
				key = clientIPKey(r, "anon")
			}

			allowed, remaining, resetAt := rl.Allow(key)

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.max))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))

			if !allowed {
				respondError(w, http.StatusTooManyRequests, "rate_limited", "Rate limit exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func (rl *RateLimiter) cleanupLocked(now time.Time) {
	if now.Sub(rl.lastCleanup) < cleanupInterval {
		return
	}

	for key, w := range rl.counters {
		if now.After(w.resetAt.Add(expiredWindowGrace)) {
			delete(rl.counters, key)
		}
	}

	rl.lastCleanup = now
}
