// Package xlog provides structured logging for the exchange.
package xlog

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// ContextKey is the type for context keys carrying log fields.
type ContextKey string

const (
	TaskIDKey    ContextKey = "task_id"
	AuctionIDKey ContextKey = "auction_id"
	AgentIDKey   ContextKey = "agent_id"
)

// Log is the global logger instance.
var Log zerolog.Logger

// Config holds logger configuration.
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json, console
	TimeFormat string
}

// DefaultConfig returns sensible defaults for production, read from the
// environment the way the teacher's logger config does.
func DefaultConfig() Config {
	return Config{
		Level:      getEnv("LOG_LEVEL", "info"),
		Format:     getEnv("LOG_FORMAT", "json"),
		TimeFormat: time.RFC3339,
	}
}

// Init initializes the global logger.
func Init(cfg Config) {
	var output io.Writer = os.Stdout

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	if cfg.Format == "console" {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: cfg.TimeFormat}
	}

	Log = zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Str("service", "task-exchange").
		Logger()
}

// WithTaskID attaches a task id to the context for later retrieval by
// FromContext.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, TaskIDKey, taskID)
}

// WithAuctionID attaches an auction id to the context.
func WithAuctionID(ctx context.Context, auctionID string) context.Context {
	return context.WithValue(ctx, AuctionIDKey, auctionID)
}

// FromContext returns a logger enriched with any ids stashed in ctx.
func FromContext(ctx context.Context) zerolog.Logger {
	l := Log.With()
	if v, ok := ctx.Value(TaskIDKey).(string); ok {
		l = l.Str("task_id", v)
	}
	if v, ok := ctx.Value(AuctionIDKey).(string); ok {
		l = l.Str("auction_id", v)
	}
	if v, ok := ctx.Value(AgentIDKey).(string); ok {
		l = l.Str("agent_id", v)
	}
	return l.Logger()
}

// Auction returns a logger scoped to one auction.
func Auction(auctionID string) zerolog.Logger {
	return Log.With().Str("auction_id", auctionID).Logger()
}

// Agent returns a logger scoped to one agent.
func Agent(agentID string) zerolog.Logger {
	return Log.With().Str("agent_id", agentID).Logger()
}

// Task returns a logger scoped to one task.
func Task(taskID string) zerolog.Logger {
	return Log.With().Str("task_id", taskID).Logger()
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func init() {
	Init(DefaultConfig())
}
