package auction

// Config mirrors the teacher's Config/DefaultConfig/validateConfig triple
// (internal/exchange.Config) adapted to the auction controller's own
// knobs from §4.7.B.
type Config struct {
	MinWindowMs       int64
	DefaultWindowMs   int64
	MaxWindowMs       int64
	SimpleActionVerbs []string
	MaxAuctionAttempts int
}

// DefaultConfig returns the §4.7.B defaults.
func DefaultConfig() Config {
	return Config{
		MinWindowMs:        1000,
		DefaultWindowMs:    4000,
		MaxWindowMs:        8000,
		SimpleActionVerbs:  append([]string(nil), defaultStopWords...),
		MaxAuctionAttempts: 3,
	}
}

func validateConfig(cfg Config) Config {
	d := DefaultConfig()
	if cfg.MinWindowMs <= 0 {
		cfg.MinWindowMs = d.MinWindowMs
	}
	if cfg.DefaultWindowMs <= 0 {
		cfg.DefaultWindowMs = d.DefaultWindowMs
	}
	if cfg.MaxWindowMs <= 0 {
		cfg.MaxWindowMs = d.MaxWindowMs
	}
	if len(cfg.SimpleActionVerbs) == 0 {
		cfg.SimpleActionVerbs = d.SimpleActionVerbs
	}
	if cfg.MaxAuctionAttempts <= 0 {
		cfg.MaxAuctionAttempts = d.MaxAuctionAttempts
	}
	return cfg
}
