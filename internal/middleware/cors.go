// Package middleware provides HTTP middleware for the exchange's
// producer-facing API.
package middleware

import (
	"net/http"
	"os"
	"strings"

	"github.com/taskauction/exchange/internal/xlog"
)

// CORSConfig configures CORS behavior
type CORSConfig struct {
	// Enabled toggles the middleware entirely; when false, requests pass
	// through untouched and no CORS headers are set.
	Enabled bool
	// AllowedOrigins is a list of origins that are allowed to make cross-origin requests.
	// Use "*" to allow all origins (not recommended for production). An entry
	// may also be a "*.domain" wildcard suffix. An empty list allows any
	// origin, matching local-dev defaults.
	AllowedOrigins []string
	// AllowCredentials indicates whether the request can include credentials.
	AllowCredentials bool
	// AllowedMethods specifies the methods allowed for cross-origin requests.
	AllowedMethods []string
	// AllowedHeaders specifies the headers allowed in cross-origin requests.
	AllowedHeaders []string
	// ExposedHeaders specifies headers that browsers are allowed to access.
	ExposedHeaders []string
	// MaxAge indicates how long preflight results can be cached (in seconds).
	MaxAge int
}

// DefaultCORSConfig returns a default CORS config for the producer API.
func DefaultCORSConfig() CORSConfig {
	// Read allowed origins from environment
	originsEnv := os.Getenv("CORS_ALLOWED_ORIGINS")
	var origins []string
	if originsEnv != "" {
		origins = strings.Split(originsEnv, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
	}

	return CORSConfig{
		Enabled:          true,
		AllowedOrigins:   origins,
		AllowCredentials: false,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{
			"Content-Type",
			"Accept",
			"Origin",
			"X-Requested-With",
			"X-API-Key",
		},
		ExposedHeaders: []string{
			"X-Request-ID",
		},
		MaxAge: 86400, // 24 hours - preflight cache
	}
}

// CORS middleware handles Cross-Origin Resource Sharing
type CORS struct {
	config    CORSConfig
	originSet map[string]bool
	suffixes  []string
	allowAll  bool
}

// NewCORS creates a new CORS middleware from config. A nil config falls
// back to DefaultCORSConfig.
func NewCORS(config *CORSConfig) *CORS {
	cfg := DefaultCORSConfig()
	if config != nil {
		cfg = *config
	}

	// Build origin lookup set for O(1) checks. An empty AllowedOrigins
	// list is permissive by default, matching local-dev expectations;
	// "*" and "*.domain" wildcard suffixes are also supported.
	originSet := make(map[string]bool)
	var suffixes []string
	allowAll := len(cfg.AllowedOrigins) == 0
	for _, origin := range cfg.AllowedOrigins {
		switch {
		case origin == "*":
			allowAll = true
		case strings.HasPrefix(origin, "*."):
			suffixes = append(suffixes, origin[1:]) // keep leading dot
		default:
			originSet[origin] = true
		}
	}

	if allowAll {
		xlog.Log.Warn().Msg("CORS allows any origin - not recommended for production")
	} else {
		xlog.Log.Info().
			Strs("origins", cfg.AllowedOrigins).
			Msg("CORS configured for specific origins")
	}

	return &CORS{
		config:    cfg,
		originSet: originSet,
		suffixes:  suffixes,
		allowAll:  allowAll,
	}
}

// Middleware wraps next with CORS header handling and preflight support.
func (c *CORS) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !c.config.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		origin := r.Header.Get("Origin")

		// No Origin header = not a CORS request
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}

		// Check if origin is allowed
		if !c.isOriginAllowed(origin) {
			// Origin not allowed - don't set CORS headers.
			// The browser will block the response.
			xlog.Log.Debug().
				Str("origin", origin).
				Str("path", r.URL.Path).
				Msg("CORS request from non-allowed origin")
			next.ServeHTTP(w, r)
			return
		}

		c.setCORSHeaders(w, origin)

		if r.Method == http.MethodOptions {
			c.handlePreflight(w)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// isOriginAllowed checks if the origin is in the allowed list
func (c *CORS) isOriginAllowed(origin string) bool {
	if c.allowAll {
		return true
	}
	if c.originSet[origin] {
		return true
	}
	for _, suffix := range c.suffixes {
		if strings.HasSuffix(origin, suffix) {
			return true
		}
	}
	return false
}

// setCORSHeaders sets the appropriate CORS response headers
func (c *CORS) setCORSHeaders(w http.ResponseWriter, origin string) {
	// Use the actual origin, not "*", for security
	w.Header().Set("Access-Control-Allow-Origin", origin)

	if c.config.AllowCredentials {
		w.Header().Set("Access-Control-Allow-Credentials", "true")
	}

	if len(c.config.ExposedHeaders) > 0 {
		w.Header().Set("Access-Control-Expose-Headers",
			strings.Join(c.config.ExposedHeaders, ", "))
	}

	// Vary header is important for caching
	w.Header().Add("Vary", "Origin")
}

// handlePreflight handles OPTIONS preflight requests
func (c *CORS) handlePreflight(w http.ResponseWriter) {
	if len(c.config.AllowedMethods) > 0 {
		w.Header().Set("Access-Control-Allow-Methods",
			strings.Join(c.config.AllowedMethods, ", "))
	}

	if len(c.config.AllowedHeaders) > 0 {
		w.Header().Set("Access-Control-Allow-Headers",
			strings.Join(c.config.AllowedHeaders, ", "))
	}

	if c.config.MaxAge > 0 {
		w.Header().Set("Access-Control-Max-Age", itoa(c.config.MaxAge))
	}

	// Preflight requests should return 204 No Content
	w.WriteHeader(http.StatusNoContent)
}
