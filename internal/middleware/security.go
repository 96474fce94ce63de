// Package middleware provides HTTP middleware components
package middleware

import (
	"net/http"
)

// SecurityConfig configures security headers
type SecurityConfig struct {
	// EnableHSTS enables HTTP Strict Transport Security
	EnableHSTS bool
	// HSTSMaxAge is the max-age value for HSTS in seconds (default: 1 year)
	HSTSMaxAge int
	// FrameOptions controls X-Frame-Options (DENY, SAMEORIGIN, or empty to disable)
	FrameOptions string
	// ContentTypeNosniff enables X-Content-Type-Options: nosniff
	ContentTypeNosniff bool
	// XSSProtection enables X-XSS-Protection header
	XSSProtection bool
	// ReferrerPolicy sets the Referrer-Policy header
	ReferrerPolicy string
	// CSPPolicy sets Content-Security-Policy (empty to disable)
	CSPPolicy string
	// PermissionsPolicy sets Permissions-Policy header
	PermissionsPolicy string
}

// DefaultSecurityConfig returns secure defaults for an API server
func DefaultSecurityConfig() SecurityConfig {
	return SecurityConfig{
		EnableHSTS:         true,
		HSTSMaxAge:         31536000, // 1 year
		FrameOptions:       "DENY",
		ContentTypeNosniff: true,
		XSSProtection:      true,
		ReferrerPolicy:     "strict-origin-when-cross-origin",
		// CSP for API responses - very restrictive
		CSPPolicy: "default-src 'none'; frame-ancestors 'none'",
		// Disable sensitive browser features
		PermissionsPolicy: "geolocation=(), microphone=(), camera=()",
	}
}

// Security adds security headers to HTTP responses. It follows the same
// NewX/Middleware shape as the other middleware in this package (Auth,
// CORS, SizeLimiter).
type Security struct {
	config SecurityConfig
}

// NewSecurity creates security headers middleware. A nil config falls
// back to DefaultSecurityConfig.
func NewSecurity(config *SecurityConfig) *Security {
	cfg := DefaultSecurityConfig()
	if config != nil {
		cfg = *config
	}
	return &Security{config: cfg}
}

// GetConfig returns the active security configuration.
func (s *Security) GetConfig() SecurityConfig {
	return s.config
}

// Middleware wraps next, setting security headers on every response.
func (s *Security) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.setSecurityHeaders(w)
		next.ServeHTTP(w, r)
	})
}

// setSecurityHeaders adds all configured security headers
func (s *Security) setSecurityHeaders(w http.ResponseWriter) {
	// HSTS - only enable in production (when using HTTPS)
	if s.config.EnableHSTS && s.config.HSTSMaxAge > 0 {
		// Note: This header is ignored over HTTP, only effective over HTTPS
		w.Header().Set("Strict-Transport-Security",
			"max-age="+itoa(s.config.HSTSMaxAge)+"; includeSubDomains")
	}

	// X-Frame-Options - prevent clickjacking
	if s.config.FrameOptions != "" {
		w.Header().Set("X-Frame-Options", s.config.FrameOptions)
	}

	// X-Content-Type-Options - prevent MIME sniffing
	if s.config.ContentTypeNosniff {
		w.Header().Set("X-Content-Type-Options", "nosniff")
	}

	// X-XSS-Protection - legacy but still useful for older browsers
	if s.config.XSSProtection {
		w.Header().Set("X-XSS-Protection", "1; mode=block")
	}

	// Referrer-Policy - control referrer information
	if s.config.ReferrerPolicy != "" {
		w.Header().Set("Referrer-Policy", s.config.ReferrerPolicy)
	}

	// Content-Security-Policy - restrict resource loading
	if s.config.CSPPolicy != "" {
		w.Header().Set("Content-Security-Policy", s.config.CSPPolicy)
	}

	// Permissions-Policy - restrict browser features
	if s.config.PermissionsPolicy != "" {
		w.Header().Set("Permissions-Policy", s.config.PermissionsPolicy)
	}

	// Cache-Control for API responses - prevent caching of sensitive data
	// Individual handlers can override this for cacheable responses
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
}

// itoa converts int to string without importing strconv
func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}
