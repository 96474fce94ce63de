package exchange

import "time"

// Config mirrors the teacher's Config/DefaultConfig/validateConfig triple
// (internal/exchange.Config) adapted to the façade's own scheduling and
// shutdown knobs.
type Config struct {
	// SchedulerTick is how often processQueue runs absent an explicit
	// wake signal (a new submission or a freed scheduling slot).
	SchedulerTick time.Duration
	// ShutdownGrace bounds how long Shutdown waits for in-flight
	// auctions/assignments to finish before persisting them for recovery
	// (§5 "bounded grace window, default 30s").
	ShutdownGrace time.Duration
	// MarketMakerAgentID is the configured fallback bidder guaranteeing
	// non-empty candidate sets (§4.3), supplemented as a first-class
	// config field per SPEC_FULL.md.
	MarketMakerAgentID string
}

// DefaultConfig returns the façade's defaults.
func DefaultConfig() Config {
	return Config{
		SchedulerTick: 100 * time.Millisecond,
		ShutdownGrace: 30 * time.Second,
	}
}

func validateConfig(cfg Config) Config {
	d := DefaultConfig()
	if cfg.SchedulerTick <= 0 {
		cfg.SchedulerTick = d.SchedulerTick
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = d.ShutdownGrace
	}
	return cfg
}
