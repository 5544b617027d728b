package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLimiter(t *testing.T, cfg Config) *RateLimiter {
	t.Helper()
	rl := NewRateLimiter(cfg, nil)
	t.Cleanup(rl.Stop)
	return rl
}

func TestAllow_WithinBudget(t *testing.T) {
	rl := newLimiter(t, Config{MaxPerKey: map[string]int{RouteClaim: 3}})

	for i := 0; i < 3; i++ {
		ok, _ := rl.Allow("10.0.0.1", RouteClaim)
		assert.True(t, ok)
	}
	ok, retry := rl.Allow("10.0.0.1", RouteClaim)
	assert.False(t, ok)
	assert.Greater(t, retry, time.Duration(0))
}

func TestAllow_KeysAreIndependent(t *testing.T) {
	rl := newLimiter(t, Config{MaxPerKey: map[string]int{RouteClaim: 1, RouteStatus: 1}})

	ok, _ := rl.Allow("10.0.0.1", RouteClaim)
	assert.True(t, ok)
	ok, _ = rl.Allow("10.0.0.1", RouteClaim)
	assert.False(t, ok)

	// Different route class and different client each get their own budget.
	ok, _ = rl.Allow("10.0.0.1", RouteStatus)
	assert.True(t, ok)
	ok, _ = rl.Allow("10.0.0.2", RouteClaim)
	assert.True(t, ok)
}

func TestAllow_WindowResets(t *testing.T) {
	rl := newLimiter(t, Config{Window: 20 * time.Millisecond, MaxPerKey: map[string]int{RouteClaim: 1}})

	ok, _ := rl.Allow("10.0.0.1", RouteClaim)
	assert.True(t, ok)
	ok, _ = rl.Allow("10.0.0.1", RouteClaim)
	assert.False(t, ok)

	time.Sleep(30 * time.Millisecond)
	ok, _ = rl.Allow("10.0.0.1", RouteClaim)
	assert.True(t, ok, "fresh window after expiry")
}

func TestAllow_TrackedKeysBounded(t *testing.T) {
	rl := newLimiter(t, Config{MaxPerKey: map[string]int{RouteClaim: 10}, TrackedKeysMax: 5})

	for i := 0; i < 20; i++ {
		rl.Allow(string(rune('a'+i)), RouteClaim)
	}
	stats := rl.Stats()
	assert.LessOrEqual(t, stats["tracked_keys"].(int), 5)
}

func TestMiddleware_Returns429Envelope(t *testing.T) {
	rl := newLimiter(t, Config{MaxPerKey: map[string]int{RouteClaim: 1}})

	h := Correlation(rl.Middleware(RouteClaim, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})))

	req := httptest.NewRequest(http.MethodPost, "/claim", nil)
	req.RemoteAddr = "10.0.0.9:1234"

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "RATE_LIMITED")
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.168.1.5:443"
	assert.Equal(t, "192.168.1.5", ClientIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	assert.Equal(t, "203.0.113.7", ClientIP(r))
}

func TestBodyCap(t *testing.T) {
	h := BodyCap(10, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/claim", nil)
	req.ContentLength = 100
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
