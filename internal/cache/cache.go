// Package cache is a best-effort read-through cache in front of storage.
//
// Correctness never depends on it: every entry has a TTL and hot paths treat
// any cache error as a miss. The Redis implementation backs multi-replica
// deployments; Noop serves tests and single-process setups.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/clara-ai/clara/internal/model"
)

// Entry lifetimes. Manifests are immutable so they live longest; installation
// and shared-context entries are invalidated on write and the TTL only bounds
// staleness after a missed invalidation.
const (
	ManifestTTL      = time.Hour
	InstallationsTTL = 5 * time.Minute
	SharedContextTTL = 5 * time.Minute
)

// Cache stores JSON-encoded values under string keys.
type Cache interface {
	// Get unmarshals the cached value into dest and reports whether the key
	// was present.
	Get(ctx context.Context, key string, dest any) (bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// ManifestKey is the cache key for one manifest version.
func ManifestKey(key model.ManifestKey) string {
	return "manifest:" + key.String()
}

// InstallationsKey is the cache key for a user's installation list.
func InstallationsKey(userID uuid.UUID) string {
	return "installations:" + userID.String()
}

// SharedContextKey is the cache key for a user's shared context.
func SharedContextKey(userID uuid.UUID) string {
	return "shared:" + userID.String()
}

// Noop discards writes and always misses.
type Noop struct{}

func (Noop) Get(context.Context, string, any) (bool, error)        { return false, nil }
func (Noop) Set(context.Context, string, any, time.Duration) error { return nil }
func (Noop) Delete(context.Context, ...string) error               { return nil }

// Redis is a Cache backed by a Redis instance.
type Redis struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

// NewRedis connects to addr and verifies the connection with a ping. The
// prefix namespaces keys so several deployments can share an instance.
func NewRedis(ctx context.Context, addr, prefix string, logger *slog.Logger) (*Redis, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("cache: ping redis: %w", err)
	}
	return &Redis{client: client, prefix: prefix, logger: logger}, nil
}

// Close releases the underlying connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) key(k string) string {
	if r.prefix == "" {
		return k
	}
	return r.prefix + ":" + k
}

// Get implements Cache. Decode failures are treated as a miss and the stale
// entry is dropped.
func (r *Redis) Get(ctx context.Context, key string, dest any) (bool, error) {
	raw, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cache: get %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		r.logger.Warn("dropping undecodable cache entry", "key", key, "error", err)
		_ = r.client.Del(ctx, r.key(key)).Err()
		return false, nil
	}
	return true, nil
}

// Set implements Cache.
func (r *Redis) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: encode %s: %w", key, err)
	}
	if err := r.client.Set(ctx, r.key(key), raw, ttl).Err(); err != nil {
		return fmt.Errorf("cache: set %s: %w", key, err)
	}
	return nil
}

// Delete implements Cache.
func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	namespaced := make([]string, len(keys))
	for i, k := range keys {
		namespaced[i] = r.key(k)
	}
	if err := r.client.Del(ctx, namespaced...).Err(); err != nil {
		return fmt.Errorf("cache: delete: %w", err)
	}
	return nil
}
