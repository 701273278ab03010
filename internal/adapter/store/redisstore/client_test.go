package redisstore

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewFromClient(rdb)
	t.Cleanup(func() {
		_ = c.Close()
		mr.Close()
	})
	return c, mr
}

func TestHashSetGetAll(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.HashSet(ctx, "job:1", map[string]any{"status": "queued", "retry_count": "0"}))
	m, err := c.HashGetAll(ctx, "job:1")
	require.NoError(t, err)
	assert.Equal(t, "queued", m["status"])
	assert.Equal(t, "0", m["retry_count"])
}

func TestHashGetAll_MissingKey(t *testing.T) {
	c, _ := newTestClient(t)
	m, err := c.HashGetAll(context.Background(), "job:none")
	require.NoError(t, err)
	assert.Empty(t, m)
}

func TestHashIncrBy(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	require.NoError(t, c.HashSet(ctx, "job:1", map[string]any{"retry_count": "1"}))
	n, err := c.HashIncrBy(ctx, "job:1", "retry_count", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestListPushPop(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.ListPushRight(ctx, "queue:pending", "a"))
	require.NoError(t, c.ListPushRight(ctx, "queue:pending", "b"))

	n, err := c.ListLen(ctx, "queue:pending")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	v, ok, err := c.ListBlockPopLeft(ctx, "queue:pending", 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", v, "FIFO order")

	v, ok, err = c.ListBlockPopLeft(ctx, "queue:pending", 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "b", v)
}

func TestListBlockPopLeft_TimeoutIsNotAnError(t *testing.T) {
	c, _ := newTestClient(t)
	_, ok, err := c.ListBlockPopLeft(context.Background(), "queue:empty", 20*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExpireAndDelete(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.HashSet(ctx, "worker:w1", map[string]any{"status": "running"}))
	require.NoError(t, c.Expire(ctx, "worker:w1", time.Minute))
	assert.Equal(t, time.Minute, mr.TTL("worker:w1"))

	mr.FastForward(2 * time.Minute)
	m, err := c.HashGetAll(ctx, "worker:w1")
	require.NoError(t, err)
	assert.Empty(t, m, "expired key behaves as missing")

	require.NoError(t, c.Delete(ctx, "worker:w1")) // deleting a gone key is fine
}

func TestScan(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	for _, k := range []string{"job:1", "job:2", "worker:w1"} {
		require.NoError(t, c.HashSet(ctx, k, map[string]any{"x": "1"}))
	}
	keys, err := c.Scan(ctx, "job:*")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"job:1", "job:2"}, keys)
}

func TestIsAvailable_CachesAndRecovers(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	assert.True(t, c.IsAvailable(ctx))

	mr.Close()
	// The cached result may linger briefly; force a fresh probe.
	c.mu.Lock()
	c.lastPingAt = time.Time{}
	c.mu.Unlock()
	assert.False(t, c.IsAvailable(ctx))
}

func TestNew_BadURL(t *testing.T) {
	_, err := New(context.Background(), "not-a-url")
	assert.Error(t, err)
}
