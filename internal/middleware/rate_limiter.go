package middleware

import (
	"container/list"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/sehha/claimsbridge/internal/envelope"
	"github.com/sehha/claimsbridge/internal/metrics"
)

// Route classes carry their own per-key budgets.
const (
	RouteClaim  = "claim"
	RouteStatus = "status"
)

// RateLimiter enforces per (client_ip, route_class) request budgets over a
// sliding window. Tracked keys are bounded by an LRU so an address scan
// cannot grow the table without limit.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]*rateLimitWindow
	order   *list.List // front = most recently touched key

	window    time.Duration
	maxPerKey map[string]int
	keysMax   int

	metrics *metrics.Metrics
	logger  *log.Logger
	stop    chan struct{}
}

// Config defines the limiter thresholds.
type Config struct {
	Window         time.Duration
	MaxPerKey      map[string]int // route_class → requests per window
	TrackedKeysMax int
	Cleanup        time.Duration
}

type rateLimitWindow struct {
	key         string
	count       int
	windowStart time.Time
	elem        *list.Element
}

// NewRateLimiter creates the limiter and starts its cleanup loop.
func NewRateLimiter(cfg Config, m *metrics.Metrics) *RateLimiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.TrackedKeysMax <= 0 {
		cfg.TrackedKeysMax = 10000
	}
	if cfg.Cleanup <= 0 {
		cfg.Cleanup = 5 * time.Minute
	}
	if cfg.MaxPerKey == nil {
		cfg.MaxPerKey = map[string]int{RouteClaim: 100, RouteStatus: 300}
	}

	rl := &RateLimiter{
		windows:   make(map[string]*rateLimitWindow),
		order:     list.New(),
		window:    cfg.Window,
		maxPerKey: cfg.MaxPerKey,
		keysMax:   cfg.TrackedKeysMax,
		metrics:   m,
		logger:    log.New(log.Writer(), "[RATE-LIMIT] ", log.LstdFlags),
		stop:      make(chan struct{}),
	}
	go rl.cleanup(cfg.Cleanup)
	return rl
}

// Allow reports whether the request fits the budget. When it does not, the
// second return value is how long the caller should wait.
func (rl *RateLimiter) Allow(clientIP, routeClass string) (bool, time.Duration) {
	limit, ok := rl.maxPerKey[routeClass]
	if !ok || limit <= 0 {
		return true, 0
	}
	key := clientIP + "|" + routeClass
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, exists := rl.windows[key]
	if !exists || now.Sub(w.windowStart) > rl.window {
		if !exists {
			w = &rateLimitWindow{key: key}
			rl.windows[key] = w
			w.elem = rl.order.PushFront(w)
			rl.evictLocked()
		}
		w.count = 1
		w.windowStart = now
		rl.order.MoveToFront(w.elem)
		return true, 0
	}

	rl.order.MoveToFront(w.elem)
	w.count++
	if w.count > limit {
		retry := rl.window - now.Sub(w.windowStart)
		if retry < 0 {
			retry = 0
		}
		rl.logger.Printf("⚠️ limit exceeded: key=%s count=%d limit=%d", key, w.count, limit)
		if rl.metrics != nil {
			rl.metrics.RateLimited.WithLabelValues(routeClass).Inc()
		}
		return false, retry
	}
	return true, 0
}

// evictLocked drops the least recently touched keys above the bound.
func (rl *RateLimiter) evictLocked() {
	for len(rl.windows) > rl.keysMax {
		oldest := rl.order.Back()
		if oldest == nil {
			return
		}
		w := oldest.Value.(*rateLimitWindow)
		rl.order.Remove(oldest)
		delete(rl.windows, w.key)
	}
}

// Middleware enforces the budget for one route class.
func (rl *RateLimiter) Middleware(routeClass string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, retry := rl.Allow(ClientIP(r), routeClass)
		if !ok {
			err := envelope.New(envelope.KindRateLimited, "API_RATE_LIMITED",
				"request budget exhausted for this client").
				WithDetail("retry_after_ms", fmt.Sprintf("%d", retry.Milliseconds()))
			envelope.WriteHTTP(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Stop halts the cleanup loop.
func (rl *RateLimiter) Stop() {
	close(rl.stop)
}

func (rl *RateLimiter) cleanup(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.mu.Lock()
			now := time.Now()
			for key, w := range rl.windows {
				if now.Sub(w.windowStart) > 2*rl.window {
					rl.order.Remove(w.elem)
					delete(rl.windows, key)
				}
			}
			rl.mu.Unlock()
		}
	}
}

// Stats reports limiter occupancy for diagnostics.
func (rl *RateLimiter) Stats() map[string]interface{} {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return map[string]interface{}{
		"tracked_keys":     len(rl.windows),
		"tracked_keys_max": rl.keysMax,
		"window_s":         int(rl.window.Seconds()),
	}
}
