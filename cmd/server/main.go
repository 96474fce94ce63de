// Package main is the entry point for the task auction exchange server.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/taskauction/exchange/internal/auction"
	"github.com/taskauction/exchange/internal/category"
	"github.com/taskauction/exchange/internal/endpoints"
	"github.com/taskauction/exchange/internal/events"
	"github.com/taskauction/exchange/internal/exchange"
	"github.com/taskauction/exchange/internal/execution"
	"github.com/taskauction/exchange/internal/hooks"
	"github.com/taskauction/exchange/internal/metrics"
	"github.com/taskauction/exchange/internal/middleware"
	"github.com/taskauction/exchange/internal/queue"
	"github.com/taskauction/exchange/internal/ratelimit"
	"github.com/taskauction/exchange/internal/registry"
	"github.com/taskauction/exchange/internal/reputation"
	"github.com/taskauction/exchange/internal/storage"
	"github.com/taskauction/exchange/internal/transport"
	"github.com/taskauction/exchange/internal/xlog"
)

func main() {
	port := flag.String("port", "8000", "Server port")
	flag.Parse()

	xlog.Init(xlog.DefaultConfig())
	log := xlog.Log

	log.Info().Str("port", *port).Msg("Starting task auction exchange server")

	m := metrics.NewMetrics("exchange")
	log.Info().Msg("Prometheus metrics enabled")

	// Middleware
	cors := middleware.NewCORS(nil)
	security := middleware.NewSecurity(nil)
	auth := middleware.NewAuth(middleware.DefaultAuthConfig())
	rateLimiter := middleware.NewRateLimiter(middleware.DefaultRateLimitConfig())
	sizeLimiter := middleware.NewSizeLimiter(middleware.DefaultSizeLimitConfig())

	log.Info().
		Bool("security_headers_enabled", security.GetConfig().EnableHSTS).
		Bool("auth_enabled", auth.IsEnabled()).
		Msg("Middleware initialized")

	// Storage backend: Redis if configured, in-memory otherwise.
	var kv storage.KV
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		redisKV, err := storage.NewRedis(redisURL)
		if err != nil {
			log.Warn().Err(err).Msg("failed to connect to Redis, falling back to in-memory storage")
			kv = storage.NewMemory()
		} else {
			kv = redisKV
			log.Info().Msg("Redis storage backend active")
		}
	} else {
		kv = storage.NewMemory()
		log.Info().Msg("REDIS_URL not set, using in-memory storage")
	}

	// Core collaborators.
	bus := events.NewBus()
	reg := registry.New(bus)
	rep := reputation.New(kv, bus)
	categories := category.New()
	hk := hooks.New()
	hub := transport.NewHub()
	limiter := ratelimit.New(ratelimit.DefaultConfig())
	q := queue.New()

	auctionCtrl := auction.New(auction.DefaultConfig(), categories, reg, rep, hk, bus)
	execCtrl := execution.New(execution.DefaultConfig(), reg, rep, hk, bus)
	rep.SetMetrics(m)
	auctionCtrl.SetMetrics(m)
	auctionCtrl.SetQueueDepthFunc(q.Len)
	execCtrl.SetMetrics(m)

	exCfg := exchange.DefaultConfig()
	exCfg.MarketMakerAgentID = os.Getenv("MARKET_MAKER_AGENT_ID")

	ex := exchange.New(exCfg, exchange.Deps{
		Registry:   reg,
		Reputation: rep,
		Categories: categories,
		Hooks:      hk,
		Bus:        bus,
		Queue:      q,
		Limiter:    limiter,
		Storage:    kv,
		Hub:        hub,
		Auction:    auctionCtrl,
		Execution:  execCtrl,
		Metrics:    m,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ex.Recover(ctx); err != nil {
		log.Warn().Err(err).Msg("recovery failed, starting with an empty task set")
	}
	ex.Start(ctx)

	// Handlers
	submitHandler := endpoints.NewSubmitHandler(ex)
	cancelHandler := endpoints.NewCancelHandler(ex)
	getTaskHandler := endpoints.NewGetTaskHandler(ex)
	queueStatsHandler := endpoints.NewQueueStatsHandler(ex)
	agentHandler := endpoints.NewAgentHandler(ex)
	statusHandler := endpoints.NewStatusHandler(ex)
	agentsHandler := endpoints.NewAgentsHandler(ex)
	reputationHandler := endpoints.NewReputationHandler(ex)
	clearFlagHandler := endpoints.NewClearFlagHandler(ex)
	categoryHandler := endpoints.NewCategoryHandler(ex)

	mux := http.NewServeMux()
	mux.Handle("POST /v1/tasks", submitHandler)
	mux.Handle("POST /v1/tasks/{id}/cancel", cancelHandler)
	mux.Handle("GET /v1/tasks/{id}", getTaskHandler)
	mux.Handle("GET /v1/queue", queueStatsHandler)
	mux.Handle("/v1/agents/connect", agentHandler)

	mux.Handle("/status", statusHandler)
	mux.Handle("/health", healthHandler())
	mux.Handle("GET /agents", agentsHandler)
	mux.Handle("GET /reputation/{agentId}", reputationHandler)
	mux.Handle("POST /reputation/{agentId}/clear-flag", clearFlagHandler)
	mux.Handle("POST /v1/categories", categoryHandler)
	mux.Handle("/metrics", metrics.Handler())

	// Middleware chain: CORS -> Security -> Logging -> Size Limit -> Auth
	// -> Rate Limit -> Metrics -> Handler. CORS stays outermost to handle
	// preflight OPTIONS; auth runs before rate limiting so the producer ID
	// is available as the rate-limit key.
	handler := http.Handler(mux)
	handler = m.Middleware(handler)
	handler = rateLimiter.Middleware(handler)
	handler = auth.Middleware(handler)
	handler = sizeLimiter.Middleware(handler)
	handler = loggingMiddleware(handler)
	handler = security.Middleware(handler)
	handler = cors.Middleware(handler)

	server := &http.Server{
		Addr:         ":" + *port,
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", ":"+*port).Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")

	rateLimiter.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := ex.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("exchange shutdown reported an error")
	}

	if err := kv.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close storage backend")
	}

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped gracefully")
}

// responseWriter wraps http.ResponseWriter to capture the status code for
// request logging.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// loggingMiddleware logs HTTP requests with structured logging.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}
		w.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		event := xlog.Log.Info()
		if wrapped.statusCode >= 400 {
			event = xlog.Log.Warn()
		}
		if wrapped.statusCode >= 500 {
			event = xlog.Log.Error()
		}

		event.
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapped.statusCode).
			Dur("duration_ms", duration).
			Str("remote_addr", r.RemoteAddr).
			Str("user_agent", r.UserAgent()).
			Msg("HTTP request")
	})
}

// healthHandler returns a basic liveness check.
func healthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := map[string]any{
			"status":    "healthy",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(health); err != nil {
			xlog.Log.Error().Err(err).Msg("failed to encode health response")
		}
	})
}

// generateRequestID creates a unique request ID using cryptographically
// secure randomness.
func generateRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return time.Now().Format("20060102150405.000000000")
	}
	return hex.EncodeToString(b)
}
