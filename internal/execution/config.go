package execution

import "time"

// Config mirrors the teacher's Config/DefaultConfig/validateConfig
// triple, sized to the lease protocol's three deadlines (§4.8).
type Config struct {
	AckTimeoutMs          int64
	ExecutionTimeoutMs    int64
	HeartbeatExtensionMs  int64
	ExecutionSlackMs      int64 // added to a bid's estimatedMs to size the execution deadline
	MaxAuctionAttempts    int
}

// DefaultConfig returns the §4.8 defaults.
func DefaultConfig() Config {
	return Config{
		AckTimeoutMs:         10_000,
		ExecutionTimeoutMs:   120_000,
		HeartbeatExtensionMs: 30_000,
		ExecutionSlackMs:     15_000,
		MaxAuctionAttempts:   3,
	}
}

func validateConfig(cfg Config) Config {
	d := DefaultConfig()
	if cfg.AckTimeoutMs <= 0 {
		cfg.AckTimeoutMs = d.AckTimeoutMs
	}
	if cfg.ExecutionTimeoutMs <= 0 {
		cfg.ExecutionTimeoutMs = d.ExecutionTimeoutMs
	}
	if cfg.HeartbeatExtensionMs <= 0 {
		cfg.HeartbeatExtensionMs = d.HeartbeatExtensionMs
	}
	if cfg.ExecutionSlackMs <= 0 {
		cfg.ExecutionSlackMs = d.ExecutionSlackMs
	}
	if cfg.MaxAuctionAttempts <= 0 {
		cfg.MaxAuctionAttempts = d.MaxAuctionAttempts
	}
	return cfg
}

func (c Config) ackTimeout() time.Duration {
	return time.Duration(c.AckTimeoutMs) * time.Millisecond
}

// execTimeout sizes the execution deadline from a bid's estimatedMs:
// min(estimatedMs + slack, executionTimeoutMs). A missing estimate (0)
// falls back to the full executionTimeoutMs.
func (c Config) execTimeout(estimatedMs int64) time.Duration {
	if estimatedMs <= 0 {
		return time.Duration(c.ExecutionTimeoutMs) * time.Millisecond
	}
	capped := estimatedMs + c.ExecutionSlackMs
	if capped > c.ExecutionTimeoutMs {
		capped = c.ExecutionTimeoutMs
	}
	return time.Duration(capped) * time.Millisecond
}

func (c Config) heartbeatExtension(extendMs int64) time.Duration {
	if extendMs <= 0 {
		return time.Duration(c.HeartbeatExtensionMs) * time.Millisecond
	}
	return time.Duration(extendMs) * time.Millisecond
}
