// Package fallback provides the read-only secondary store consulted when a
// key misses both locally and on every replica. The concrete target is a
// Redis-compatible server; the Store interface exists so tests and the
// resolver can substitute anything with get-by-key semantics.
package fallback

import (
	"context"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
)

// Store is the fallback capability: a point read against the authoritative
// secondary. ok is false on a clean miss; err is reserved for transport
// and server failures, which callers degrade to miss semantics.
type Store interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
}

// Redis is the production Store backed by a Redis-compatible server.
type Redis struct {
	client *redis.Client
}

// NewRedis connects to the server at url (redis://... form) and verifies
// the connection with a ping.
func NewRedis(ctx context.Context, url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrap(err, "ping redis")
	}
	return &Redis{client: client}, nil
}

// Get reads key. redis.Nil is a clean miss, not an error.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "redis get")
	}
	return value, true, nil
}

// Close releases the connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}
