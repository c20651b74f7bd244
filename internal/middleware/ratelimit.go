// Package middleware carries the HTTP middleware for the management API:
// per-client rate limiting and request instrumentation.
package middleware

import (
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

const (
	cleanupEvery = 5 * time.Minute
	idleDrop     = 10 * time.Minute
)

// RateLimitConfig defines the per-client limits.
type RateLimitConfig struct {
	RequestsPerSecond float64 // default 10
	Burst             int     // default twice the sustained rate
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter enforces a per-client token bucket on API calls. Keys are
// client addresses; idle buckets are garbage-collected periodically.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*client
	cfg     RateLimitConfig
	logger  *log.Logger
	quit    chan struct{}

	rejected atomic.Int64
}

// NewRateLimiter creates a rate limiter with the given defaults and starts
// its cleanup loop.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.RequestsPerSecond == 0 {
		cfg.RequestsPerSecond = 10
	}
	if cfg.Burst == 0 {
		cfg.Burst = int(cfg.RequestsPerSecond) * 2
	}

	rl := &RateLimiter{
		clients: make(map[string]*client),
		cfg:     cfg,
		logger:  log.New(log.Writer(), "[RATE-LIMIT] ", log.LstdFlags),
		quit:    make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

// Allow reports whether a request from the given key is within limits.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	c, ok := rl.clients[key]
	if !ok {
		c = &client{limiter: rate.NewLimiter(rate.Limit(rl.cfg.RequestsPerSecond), rl.cfg.Burst)}
		rl.clients[key] = c
	}
	c.lastSeen = time.Now()
	rl.mu.Unlock()
	return c.limiter.Allow()
}

// Middleware enforces the limit per client address.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := ClientAddr(r)
		if !rl.Allow(key) {
			rl.rejected.Add(1)
			rl.logger.Printf("rate limit exceeded: client=%s path=%s", key, r.URL.Path)
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate limit exceeded","retry_after_seconds":1}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Close stops the cleanup loop.
func (rl *RateLimiter) Close() {
	close(rl.quit)
}

// ClientAddr picks the first forwarded hop when a proxy fronts the
// service, otherwise the peer address.
func ClientAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(cleanupEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.sweep(time.Now())
		case <-rl.quit:
			return
		}
	}
}

func (rl *RateLimiter) sweep(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, c := range rl.clients {
		if now.Sub(c.lastSeen) > idleDrop {
			delete(rl.clients, key)
		}
	}
}

// Stats returns current rate limiter statistics.
func (rl *RateLimiter) Stats() map[string]interface{} {
	rl.mu.Lock()
	active := len(rl.clients)
	rl.mu.Unlock()
	return map[string]interface{}{
		"active_clients":      active,
		"requests_per_second": rl.cfg.RequestsPerSecond,
		"burst":               rl.cfg.Burst,
		"rejected":            rl.rejected.Load(),
	}
}
