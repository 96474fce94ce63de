package middleware

import (
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerSecond int           // Max requests per second per client
	BurstSize         int           // Max burst size
	CleanupInterval   time.Duration // How often to sweep stale client limiters
}

// DefaultRateLimitConfig returns default rate limit configuration
func DefaultRateLimitConfig() *RateLimitConfig {
	rps, _ := strconv.Atoi(os.Getenv("RATE_LIMIT_RPS"))
	if rps <= 0 {
		rps = 1000 // Default: 1000 requests per second
	}

	burst, _ := strconv.Atoi(os.Getenv("RATE_LIMIT_BURST"))
	if burst <= 0 {
		burst = 100 // Default burst size
	}

	return &RateLimitConfig{
		Enabled:           os.Getenv("RATE_LIMIT_ENABLED") == "true",
		RequestsPerSecond: rps,
		BurstSize:         burst,
		CleanupInterval:   time.Minute,
	}
}

// clientLimiter pairs a per-client token bucket with the time it was last
// touched, so the sweep goroutine can evict idle clients.
type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter provides per-client rate limiting middleware backed by
// golang.org/x/time/rate, giving each client identifier its own token
// bucket instead of one shared limiter.
type RateLimiter struct {
	config  *RateLimitConfig
	clients map[string]*clientLimiter
	mu      sync.Mutex
	stopCh  chan struct{}
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(config *RateLimitConfig) *RateLimiter {
	if config == nil {
		config = DefaultRateLimitConfig()
	}

	rl := &RateLimiter{
		config:  config,
		clients: make(map[string]*clientLimiter),
		stopCh:  make(chan struct{}),
	}

	go rl.sweep()

	return rl
}

// sweep periodically evicts client limiters that have gone idle.
func (rl *RateLimiter) sweep() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.mu.Lock()
			now := time.Now()
			for key, cl := range rl.clients {
				if now.Sub(cl.lastSeen) > time.Minute {
					delete(rl.clients, key)
				}
			}
			rl.mu.Unlock()
		case <-rl.stopCh:
			return
		}
	}
}

// Stop stops the sweep goroutine
func (rl *RateLimiter) Stop() {
	close(rl.stopCh)
}

// Middleware returns the rate limiting middleware handler
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.config.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		// Get client identifier (prefer producer ID from auth, fallback to IP)
		clientID := r.Header.Get("X-Producer-ID")
		if clientID == "" {
			clientID = getClientIP(r)
		}

		if !rl.allow(clientID) {
			w.Header().Set("Retry-After", "1")
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.config.RequestsPerSecond))
			w.Header().Set("X-RateLimit-Remaining", "0")
			http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.config.RequestsPerSecond))

		next.ServeHTTP(w, r)
	})
}

// allow checks if a request from the given client should be allowed,
// lazily creating its token bucket on first sight.
func (rl *RateLimiter) allow(clientID string) bool {
	rl.mu.Lock()
	cl, exists := rl.clients[clientID]
	if !exists {
		cl = &clientLimiter{
			limiter: rate.NewLimiter(rate.Limit(rl.config.RequestsPerSecond), rl.config.BurstSize),
		}
		rl.clients[clientID] = cl
	}
	cl.lastSeen = time.Now()
	rl.mu.Unlock()

	return cl.limiter.Allow()
}

// getClientIP extracts the client IP from the request
func getClientIP(r *http.Request) string {
	// Check X-Forwarded-For header (common for proxied requests)
	xff := r.Header.Get("X-Forwarded-For")
	if xff != "" {
		// Take the first IP in the chain
		for i := 0; i < len(xff); i++ {
			if xff[i] == ',' {
				return xff[:i]
			}
		}
		return xff
	}

	// Check X-Real-IP header
	xri := r.Header.Get("X-Real-IP")
	if xri != "" {
		return xri
	}

	// Fall back to RemoteAddr
	addr := r.RemoteAddr
	// Strip port if present
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i]
		}
	}
	return addr
}

// SetEnabled enables or disables rate limiting
func (rl *RateLimiter) SetEnabled(enabled bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.config.Enabled = enabled
}

// SetRPS sets the requests per second limit for newly created client
// limiters; existing limiters keep their prior rate.
func (rl *RateLimiter) SetRPS(rps int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.config.RequestsPerSecond = rps
}

// SetBurstSize sets the burst size for newly created client limiters.
func (rl *RateLimiter) SetBurstSize(burst int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.config.BurstSize = burst
}
