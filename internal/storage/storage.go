// Package storage defines the key-value persistence contract consumed by
// the reputation store and task-recovery path (§6), plus two
// implementations: an in-memory store for tests and a Redis-backed store
// for production.
package storage

import "context"

// KV is the storage interface the exchange core depends on. Values are
// opaque byte slices; callers serialize to JSON before Set and deserialize
// after Get, per §6.
type KV interface {
	Set(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	List(ctx context.Context, prefix string) (map[string][]byte, error)
	Delete(ctx context.Context, key string) error
	Close() error
}

// Key prefixes from the persisted-state layout in §6.
const (
	PendingTaskPrefix = "pending:"
	ReputationPrefix  = "reputation:"
	FlaggedPrefix     = "flagged:"
)
