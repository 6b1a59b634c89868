package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterRefillsOverTime(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(1, 2)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"), "burst exhausted")
	assert.True(t, rl.Allow("b"), "keys are independent")

	now = now.Add(1500 * time.Millisecond)
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
}

func TestRateLimiterSweepsStaleKeys(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(1, 1)
	rl.now = func() time.Time { return now }
	rl.lastSweep = now

	rl.Allow("old")
	assert.Equal(t, 1, rl.Len())

	now = now.Add(rateLimitStaleAfter + time.Minute)
	rl.Allow("new")
	assert.Equal(t, 1, rl.Len())
}

func TestRateLimitMiddleware(t *testing.T) {
	handler := RateLimit(0, 1)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	send := func() int {
		req := httptest.NewRequest(http.MethodGet, "/admin/profiles/1", nil)
		req.Header.Set("X-Real-Ip", "203.0.113.9")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}
	assert.Equal(t, http.StatusNoContent, send())
	assert.Equal(t, http.StatusTooManyRequests, send())
}
