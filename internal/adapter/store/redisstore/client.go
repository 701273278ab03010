// Package redisstore wraps the Redis client with the typed primitives the
// queue protocol needs: hash records, the pending list, expiry, scans, and a
// cached availability probe.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// pingCacheWindow bounds how long an availability result is reused before a
// fresh PING is issued.
const pingCacheWindow = 2 * time.Second

// Client is a typed wrapper over the shared key/value + list store.
type Client struct {
	rdb *redis.Client

	mu         sync.Mutex
	lastPingAt time.Time
	lastPingOK bool
}

// New connects to the store at the given URL and verifies connectivity. A
// failed initial ping still returns a usable client alongside the error; the
// client reconnects lazily once the store comes back.
func New(ctx context.Context, storeURL string) (*Client, error) {
	opt, err := redis.ParseURL(storeURL)
	if err != nil {
		return nil, fmt.Errorf("op=redisstore.New parse url: %w", err)
	}
	c := &Client{rdb: redis.NewClient(opt)}
	if err := c.Ping(ctx); err != nil {
		return c, fmt.Errorf("op=redisstore.New ping: %w", err)
	}
	return c, nil
}

// NewFromClient wraps an existing Redis client. Used by tests with miniredis.
func NewFromClient(rdb *redis.Client) *Client { return &Client{rdb: rdb} }

// Close releases the underlying connection pool.
func (c *Client) Close() error { return c.rdb.Close() }

// Ping issues a liveness probe and records the result for IsAvailable.
func (c *Client) Ping(ctx context.Context) error {
	err := c.rdb.Ping(ctx).Err()
	c.mu.Lock()
	c.lastPingAt = time.Now()
	c.lastPingOK = err == nil
	c.mu.Unlock()
	return err
}

// IsAvailable returns the result of the most recent ping, re-probing when the
// cached result is stale.
func (c *Client) IsAvailable(ctx context.Context) bool {
	c.mu.Lock()
	fresh := time.Since(c.lastPingAt) < pingCacheWindow
	ok := c.lastPingOK
	c.mu.Unlock()
	if fresh {
		return ok
	}
	return c.Ping(ctx) == nil
}

// HashSet writes the given fields into the hash at key.
func (c *Client) HashSet(ctx context.Context, key string, fields map[string]any) error {
	if err := c.rdb.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("op=store.hset key=%s: %w", key, err)
	}
	return nil
}

// HashGetAll returns all fields of the hash at key; an empty map means the
// key does not exist.
func (c *Client) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("op=store.hgetall key=%s: %w", key, err)
	}
	return m, nil
}

// HashIncrBy atomically increments an integer hash field.
func (c *Client) HashIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	n, err := c.rdb.HIncrBy(ctx, key, field, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("op=store.hincrby key=%s field=%s: %w", key, field, err)
	}
	return n, nil
}

// ListPushRight appends a value to the list at key.
func (c *Client) ListPushRight(ctx context.Context, key, value string) error {
	if err := c.rdb.RPush(ctx, key, value).Err(); err != nil {
		return fmt.Errorf("op=store.rpush key=%s: %w", key, err)
	}
	return nil
}

// ListBlockPopLeft pops the head of the list at key, blocking up to timeout.
// ok is false when the timeout elapsed with no element.
func (c *Client) ListBlockPopLeft(ctx context.Context, key string, timeout time.Duration) (string, bool, error) {
	res, err := c.rdb.BLPop(ctx, timeout, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("op=store.blpop key=%s: %w", key, err)
	}
	// BLPOP returns [key, value].
	if len(res) != 2 {
		return "", false, fmt.Errorf("op=store.blpop key=%s: unexpected reply length %d", key, len(res))
	}
	return res[1], true, nil
}

// ListLen returns the length of the list at key.
func (c *Client) ListLen(ctx context.Context, key string) (int64, error) {
	n, err := c.rdb.LLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("op=store.llen key=%s: %w", key, err)
	}
	return n, nil
}

// Expire sets a TTL on key.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := c.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("op=store.expire key=%s: %w", key, err)
	}
	return nil
}

// Delete removes a key; deleting a missing key is not an error.
func (c *Client) Delete(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("op=store.del key=%s: %w", key, err)
	}
	return nil
}

// Scan returns all keys matching pattern using incremental SCAN, never KEYS,
// so production stores are not blocked.
func (c *Client) Scan(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := c.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("op=store.scan pattern=%s: %w", pattern, err)
	}
	return keys, nil
}

// Transient reports whether an error is worth retrying: network trouble,
// timeouts, and context expiry, as opposed to programmatic errors.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
