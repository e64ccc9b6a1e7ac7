package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist or has expired.
var ErrNotFound = errors.New("store: key not found")

// Store is the shared state backend for bans, counters and event series.
// All instances of the gateway pointing at the same backend observe the
// same decisions. Keys are namespaced by the implementation's prefix.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)

	// Incr atomically increments the integer at key and returns the new
	// value. ttl is applied only when the increment creates the key, so
	// the counter expires relative to its first write.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// SeriesAdd appends member to a timestamp series as one atomic unit:
	// members scored strictly before cutoff are pruned, member is added
	// with at as its score, the key TTL is refreshed to ttl, and the
	// resulting member count is returned.
	SeriesAdd(ctx context.Context, key, member string, at, cutoff time.Time, ttl time.Duration) (int64, error)

	// SeriesRemove deletes a single member from a series. Used to back out
	// a provisional entry.
	SeriesRemove(ctx context.Context, key, member string) error

	// SeriesCount counts members scored at or after cutoff.
	SeriesCount(ctx context.Context, key string, cutoff time.Time) (int64, error)

	// SeriesRevRange returns members scored within [from, to], newest
	// first. limit <= 0 returns all.
	SeriesRevRange(ctx context.Context, key string, from, to time.Time, limit int) ([]string, error)

	// ScanKeys lists keys beginning with prefix, without the store's own
	// namespace. Intended for administrative listings, not hot paths.
	ScanKeys(ctx context.Context, prefix string) ([]string, error)

	Ping(ctx context.Context) error
	Close() error
}
