package middleware

import (
	"net/http"
	"sync"
	"time"
)

const (
	rateLimitSweepEvery = 5 * time.Minute
	rateLimitStaleAfter = 10 * time.Minute
)

// RateLimiter is a per-key token bucket. Stale buckets are swept inline
// while serving requests, so the limiter starts no goroutines.
type RateLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	rate      float64 // tokens per second
	burst     int
	now       func() time.Time
	lastSweep time.Time
}

type bucket struct {
	tokens   float64
	lastTime time.Time
}

// NewRateLimiter allows rate requests per second per key with the given burst.
func NewRateLimiter(rate float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		buckets:   make(map[string]*bucket),
		rate:      rate,
		burst:     burst,
		now:       time.Now,
		lastSweep: time.Now(),
	}
}

// Allow reports whether one more request from key fits in its bucket.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Sub(rl.lastSweep) >= rateLimitSweepEvery {
		rl.sweep(now)
	}

	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(rl.burst), lastTime: now}
		rl.buckets[key] = b
	}

	b.tokens += now.Sub(b.lastTime).Seconds() * rl.rate
	if b.tokens > float64(rl.burst) {
		b.tokens = float64(rl.burst)
	}
	b.lastTime = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Len reports how many keys are tracked.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

func (rl *RateLimiter) sweep(now time.Time) {
	cutoff := now.Add(-rateLimitStaleAfter)
	for key, b := range rl.buckets {
		if b.lastTime.Before(cutoff) {
			delete(rl.buckets, key)
		}
	}
	rl.lastSweep = now
}

// RateLimit rejects requests over the per-IP budget with 429.
func RateLimit(rate float64, burst int) func(http.Handler) http.Handler {
	return RateLimitWith(NewRateLimiter(rate, burst))
}

// RateLimitWith is RateLimit over a caller-owned limiter.
func RateLimitWith(limiter *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := r.RemoteAddr
			// chi's RealIP middleware rewrites RemoteAddr; X-Real-Ip covers setups without it.
			if xri := r.Header.Get("X-Real-Ip"); xri != "" {
				ip = xri
			}
			if !limiter.Allow(ip) {
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
