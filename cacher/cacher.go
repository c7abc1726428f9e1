// Package cacher provides the TTL key/value caches behind TLS session
// resumption and OCSP staple reuse. The memory backend serves a single
// process; the redis backend lets cooperating worker processes share
// resumption state and staples.
package cacher

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key is absent or expired.
var ErrNotFound = errors.New("cacher: key not found")

// FetchFunc produces a value on a cache miss.
type FetchFunc[T any] func(ctx context.Context) (T, error)

// Cacher is a TTL cache. Implementations are safe for concurrent use and
// collapse concurrent misses of one key in GetOrFetch into a single fetch.
type Cacher[T any] interface {
	// Get returns the value stored under key.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout control
	//   - key: The cache key
	//
	// Returns:
	//   - The cached value
	//   - ErrNotFound on a miss, or a backend error
	Get(ctx context.Context, key string) (T, error)

	// Set stores value under key for ttl.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout control
	//   - key: The cache key
	//   - value: The value to store
	//   - ttl: Time-to-live; zero means the backend default
	Set(ctx context.Context, key string, value T, ttl time.Duration) error

	// GetOrFetch returns the cached value, or runs fetchFn on a miss and
	// stores its result for ttl.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout control
	//   - key: The cache key to retrieve or set
	//   - ttl: Time-to-live duration for the fetched value
	//   - fetchFn: Function to fetch the value if not in cache
	//
	// Returns:
	//   - The cached or fetched value of type T
	//   - An error if retrieval or fetching fails
	GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetchFn FetchFunc[T]) (T, error)

	// Delete removes a key from the cache.
	Delete(ctx context.Context, key string) error

	// Clear removes every item owned by the cache.
	Clear(ctx context.Context) error

	// ItemCount returns the number of cached items.
	ItemCount(ctx context.Context) (int, error)

	// DeleteByPrefix deletes all keys with the given prefix.
	//
	// Returns:
	//   - The number of keys deleted
	//   - An error if the operation fails
	DeleteByPrefix(ctx context.Context, prefix string) (int, error)
}
