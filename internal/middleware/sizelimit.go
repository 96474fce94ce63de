// Package middleware provides HTTP middleware guarding the exchange's
// request surface.
package middleware

import (
	"net/http"
	"os"
	"strconv"
)

// SizeLimitConfig bounds the size of an inbound submit/cancel request —
// a producer's task content plus metadata map can be arbitrarily large
// otherwise, and an oversized URL is never legitimate for this API.
type SizeLimitConfig struct {
	Enabled      bool
	MaxBodySize  int64 // max request body size in bytes
	MaxURLLength int   // max URL length
}

// DefaultSizeLimitConfig reads MAX_REQUEST_SIZE/MAX_URL_LENGTH, falling
// back to limits generous enough for a task's content plus a
// conversationHistory blob in metadata.
func DefaultSizeLimitConfig() *SizeLimitConfig {
	maxBody, _ := strconv.ParseInt(os.Getenv("MAX_REQUEST_SIZE"), 10, 64)
	if maxBody <= 0 {
		maxBody = 1024 * 1024 // default: 1MB
	}

	maxURL, _ := strconv.Atoi(os.Getenv("MAX_URL_LENGTH"))
	if maxURL <= 0 {
		maxURL = 8192 // default: 8KB
	}

	return &SizeLimitConfig{
		Enabled:      true, // on by default — submissions are untrusted input
		MaxBodySize:  maxBody,
		MaxURLLength: maxURL,
	}
}

// SizeLimiter rejects oversized requests before they reach a handler. A
// nil config falls back to DefaultSizeLimitConfig, matching the
// NewX(*Config)/Middleware shape the other middleware in this package
// (Auth, CORS, Security) use.
type SizeLimiter struct {
	config *SizeLimitConfig
}

// NewSizeLimiter creates a size limiter.
func NewSizeLimiter(config *SizeLimitConfig) *SizeLimiter {
	if config == nil {
		config = DefaultSizeLimitConfig()
	}
	return &SizeLimiter{config: config}
}

// Middleware wraps next, enforcing the configured URL and body limits.
func (sl *SizeLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !sl.config.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		if len(r.URL.String()) > sl.config.MaxURLLength {
			http.Error(w, `{"error":"URL too long"}`, http.StatusRequestURITooLong)
			return
		}

		if r.ContentLength > sl.config.MaxBodySize {
			http.Error(w, `{"error":"request body too large"}`, http.StatusRequestEntityTooLarge)
			return
		}

		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, sl.config.MaxBodySize)
		}

		next.ServeHTTP(w, r)
	})
}

// SetMaxBodySize updates the max body size at runtime.
func (sl *SizeLimiter) SetMaxBodySize(size int64) {
	sl.config.MaxBodySize = size
}

// SetMaxURLLength updates the max URL length at runtime.
func (sl *SizeLimiter) SetMaxURLLength(length int) {
	sl.config.MaxURLLength = length
}

// SetEnabled enables or disables size limiting at runtime.
func (sl *SizeLimiter) SetEnabled(enabled bool) {
	sl.config.Enabled = enabled
}
