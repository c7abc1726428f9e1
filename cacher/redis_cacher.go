package cacher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisLockTTL     = 30 * time.Second
	redisWaitTimeout = 30 * time.Second
	redisMinBackoff  = 10 * time.Millisecond
	redisMaxBackoff  = 500 * time.Millisecond
)

// Lua scripts that act on a lock only while the caller still owns it.
var (
	releaseLockScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		end
		return 0
	`)
	extendLockScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		end
		return 0
	`)
)

// RedisCacher stores JSON-encoded values in Redis under a key namespace, so
// worker processes on one or more hosts see the same entries. GetOrFetch uses
// a SETNX lock so a miss is fetched once across all processes.
type RedisCacher[T any] struct {
	client    redis.UniversalClient
	namespace string
}

// NewRedisCacher creates a Redis-backed cache.
//
// Parameters:
//   - client: A connected Redis client (single node, cluster or ring)
//   - namespace: Prefix for every key, e.g. "netcore:tls-session:"
//
// Returns:
//   - A new RedisCacher
//
// Example:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	store := NewRedisCacher[[]byte](client, "netcore:tls-session:")
func NewRedisCacher[T any](client redis.UniversalClient, namespace string) *RedisCacher[T] {
	return &RedisCacher[T]{client: client, namespace: namespace}
}

func (c *RedisCacher[T]) key(k string) string {
	return c.namespace + k
}

func (c *RedisCacher[T]) decode(raw []byte) (T, error) {
	var result T
	if err := json.Unmarshal(raw, &result); err != nil {
		return result, fmt.Errorf("failed to unmarshal cached value: %w", err)
	}

	return result, nil
}

// Get implements Cacher.
func (c *RedisCacher[T]) Get(ctx context.Context, key string) (T, error) {
	var zero T

	raw, err := c.client.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return zero, ErrNotFound
	}
	if err != nil {
		return zero, fmt.Errorf("redis get error: %w", err)
	}

	return c.decode(raw)
}

// Set implements Cacher. A zero ttl stores the value without expiry.
func (c *RedisCacher[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	if err := c.client.Set(ctx, c.key(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set error: %w", err)
	}

	return nil
}

// GetOrFetch implements Cacher. On a miss the process that wins the lock
// fetches and stores the value; the others poll until it appears, the lock
// disappears without a value, or redisWaitTimeout passes.
func (c *RedisCacher[T]) GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetchFn FetchFunc[T]) (T, error) {
	var zero T

	val, err := c.Get(ctx, key)
	if err == nil || !errors.Is(err, ErrNotFound) {
		return val, err
	}

	// Lock keys live outside the namespace so scans never count them.
	lockKey := "lock:" + c.key(key)
	lockValue := strconv.FormatInt(time.Now().UnixNano(), 10)

	acquired, err := c.client.SetNX(ctx, lockKey, lockValue, redisLockTTL).Result()
	if err != nil {
		return zero, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !acquired {
		return c.waitFor(ctx, key, lockKey)
	}

	// The lock must be released even when ctx is already done.
	defer releaseLockScript.Run(context.Background(), c.client, []string{lockKey}, lockValue)

	extendCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.extendLock(extendCtx, lockKey, lockValue)

	result, err := fetchFn(ctx)
	if err != nil {
		return zero, fmt.Errorf("fetch function failed: %w", err)
	}

	if err := c.Set(context.Background(), key, result, ttl); err != nil {
		return zero, err
	}

	return result, nil
}

// extendLock pushes the lock expiry forward every third of its TTL until ctx
// is cancelled.
func (c *RedisCacher[T]) extendLock(ctx context.Context, lockKey, lockValue string) {
	ticker := time.NewTicker(redisLockTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			extendLockScript.Run(ctx, c.client, []string{lockKey}, lockValue, redisLockTTL.Milliseconds())
		}
	}
}

// waitFor polls with exponential backoff for a value another process is
// fetching.
func (c *RedisCacher[T]) waitFor(ctx context.Context, key, lockKey string) (T, error) {
	var zero T

	backoff := redisMinBackoff
	deadline := time.Now().Add(redisWaitTimeout)

	for {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		if time.Now().After(deadline) {
			return zero, errors.New("timeout waiting for cache")
		}

		val, err := c.Get(ctx, key)
		if err == nil || !errors.Is(err, ErrNotFound) {
			return val, err
		}

		exists, err := c.client.Exists(ctx, lockKey).Result()
		if err != nil {
			return zero, fmt.Errorf("failed to check lock existence: %w", err)
		}
		if exists == 0 {
			// The fetcher may have stored the value right before unlocking.
			if val, err := c.Get(ctx, key); err == nil {
				return val, nil
			}

			return zero, errors.New("fetch operation failed or cache not populated")
		}

		time.Sleep(backoff)
		backoff = min(backoff*2, redisMaxBackoff)
	}
}

// Delete implements Cacher.
func (c *RedisCacher[T]) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.key(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete key: %w", err)
	}

	return nil
}

// Clear implements Cacher. Only keys in the cacher's namespace are removed.
func (c *RedisCacher[T]) Clear(ctx context.Context) error {
	if _, err := c.DeleteByPrefix(ctx, ""); err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}

	return nil
}

// ItemCount implements Cacher.
func (c *RedisCacher[T]) ItemCount(ctx context.Context) (int, error) {
	keys, err := c.scan(ctx, "")
	if err != nil {
		return 0, err
	}

	return len(keys), nil
}

// DeleteByPrefix implements Cacher.
func (c *RedisCacher[T]) DeleteByPrefix(ctx context.Context, prefix string) (int, error) {
	keys, err := c.scan(ctx, prefix)
	if err != nil || len(keys) == 0 {
		return 0, err
	}

	deleted, err := c.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to delete keys: %w", err)
	}

	return int(deleted), nil
}

// scan lists namespaced keys starting with prefix using SCAN rather than
// KEYS.
func (c *RedisCacher[T]) scan(ctx context.Context, prefix string) ([]string, error) {
	var keys []string

	iter := c.client.Scan(ctx, 0, c.key(prefix)+"*", 0).Iterator()
	for iter.Next(ctx) {
		if err := ctx.Err(); err != nil {
			return keys, err
		}

		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return keys, fmt.Errorf("failed to scan keys: %w", err)
	}

	return keys, nil
}
