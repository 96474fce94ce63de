// Package ratelimit implements the exchange's two rate gates (§4.2): a
// sliding-window submission gate and a concurrent-auction gate. Both are
// advisory to the auction controller and enforced at the exchange
// boundary.
//
// The shape (config struct with env-var-backed defaults, a single mutex
// guarding shared state) follows the teacher's
// internal/middleware.RateLimiter; the algorithm itself is the sliding
// submission-timestamp window the spec's Rate Bucket data model calls for,
// rather than the teacher's per-client token bucket, since §4.2 names the
// gate in terms of a window of submission timestamps.
package ratelimit

import (
	"sync"
	"time"
)

// Config mirrors the Rate Bucket data model of §3.
type Config struct {
	MaxSubmitsPerWindow  int
	WindowMs             int64
	MaxConcurrentAuctions int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxSubmitsPerWindow:   100,
		WindowMs:              1000,
		MaxConcurrentAuctions: 20,
	}
}

// Decision is the result of a canSubmit check (§4.2).
type Decision struct {
	Allowed      bool
	RetryAfterMs int64
	Reason       string
}

// Limiter implements the submission and concurrency gates.
type Limiter struct {
	mu             sync.Mutex
	cfg            Config
	submissions    []time.Time
	activeAuctions int
}

// New creates a Limiter from cfg.
func New(cfg Config) *Limiter {
	if cfg.MaxSubmitsPerWindow <= 0 {
		cfg.MaxSubmitsPerWindow = DefaultConfig().MaxSubmitsPerWindow
	}
	if cfg.WindowMs <= 0 {
		cfg.WindowMs = DefaultConfig().WindowMs
	}
	if cfg.MaxConcurrentAuctions <= 0 {
		cfg.MaxConcurrentAuctions = DefaultConfig().MaxConcurrentAuctions
	}
	return &Limiter{cfg: cfg}
}

// CanSubmit reports whether a new submission is currently allowed. It
// checks both gates: the sliding submission window and the concurrent
// auction ceiling.
func (l *Limiter) CanSubmit() Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	l.trim(now)

	if l.activeAuctions >= l.cfg.MaxConcurrentAuctions {
		return Decision{Allowed: false, RetryAfterMs: 250, Reason: "max concurrent auctions reached"}
	}

	if len(l.submissions) >= l.cfg.MaxSubmitsPerWindow {
		oldest := l.submissions[0]
		retryAfter := l.cfg.WindowMs - now.Sub(oldest).Milliseconds()
		if retryAfter < 0 {
			retryAfter = 0
		}
		return Decision{Allowed: false, RetryAfterMs: retryAfter, Reason: "submission rate exceeded"}
	}

	return Decision{Allowed: true}
}

// RecordSubmission records a new accepted submission against the window.
// Call only after CanSubmit returned Allowed.
func (l *Limiter) RecordSubmission() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.submissions = append(l.submissions, time.Now())
}

// AuctionStarted brackets the start of a running auction for the
// concurrency gate.
func (l *Limiter) AuctionStarted() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.activeAuctions++
}

// AuctionEnded brackets the end of a running auction.
func (l *Limiter) AuctionEnded() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.activeAuctions > 0 {
		l.activeAuctions--
	}
}

// ActiveAuctions returns the current in-flight auction count.
func (l *Limiter) ActiveAuctions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.activeAuctions
}

// ConcurrencySaturated reports whether the concurrent-auction ceiling is
// currently reached, independent of the submission-rate window. The
// scheduler uses this to stop dequeuing without penalizing already-queued
// tasks against the submission window a second time.
func (l *Limiter) ConcurrencySaturated() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.activeAuctions >= l.cfg.MaxConcurrentAuctions
}

// trim drops submission timestamps older than the window. Caller holds l.mu.
func (l *Limiter) trim(now time.Time) {
	cutoff := now.Add(-time.Duration(l.cfg.WindowMs) * time.Millisecond)
	i := 0
	for i < len(l.submissions) && l.submissions[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		l.submissions = l.submissions[i:]
	}
}
