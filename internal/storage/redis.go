package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taskauction/exchange/internal/xlog"
)

// Redis is a KV backed by Redis, the production storage backend. Unlike the
// teacher's pkg/redis.Client (which hand-rolls the RESP protocol and is
// declared in go.mod but never actually invoked), this wires the real
// go-redis/v9 client the dependency was always meant to back.
type Redis struct {
	client *redis.Client
}

// NewRedis builds a Redis-backed KV from a redis:// URL. Connection errors
// are logged and do not fail construction — every operation surfaces its own
// error per the StorageFailure error kind in §7.
func NewRedis(redisURL string) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		xlog.Log.Warn().Err(err).Str("addr", opts.Addr).Msg("redis connection test failed")
	} else {
		xlog.Log.Info().Str("addr", opts.Addr).Msg("redis connected")
	}

	return &Redis{client: client}, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte) error {
	return r.client.Set(ctx, key, value, 0).Err()
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (r *Redis) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, prefix+"*", 100).Result()
		if err != nil {
			return nil, err
		}
		if len(keys) > 0 {
			vals, err := r.client.MGet(ctx, keys...).Result()
			if err != nil {
				return nil, err
			}
			for i, k := range keys {
				if s, ok := vals[i].(string); ok {
					out[k] = []byte(s)
				}
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
