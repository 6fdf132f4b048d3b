package schedule

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLockIsExclusive(t *testing.T) {
	lock := NewLocalLock()
	ctx := context.Background()

	release, ok, err := lock.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = lock.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	release()
	release() // second release is a no-op

	release, ok, err = lock.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	release()
}

// TestRedisLockIsExclusive needs a reachable redis, e.g.
// SCRAPERD_TEST_REDIS=127.0.0.1:6379
func TestRedisLockIsExclusive(t *testing.T) {
	addr := os.Getenv("SCRAPERD_TEST_REDIS")
	if addr == "" {
		t.Skip("SCRAPERD_TEST_REDIS not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })

	ctx := context.Background()
	key := "scraperd:test:" + t.Name()
	require.NoError(t, rdb.Del(ctx, key).Err())

	a := NewRedisLock(rdb, key, time.Minute)
	b := NewRedisLock(rdb, key, time.Minute)

	release, ok, err := a.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = b.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "second process is kept out")

	release()
	release, ok, err = b.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	// a stale token cannot release someone else's lock
	require.NoError(t, rdb.Set(ctx, key, "other-holder", time.Minute).Err())
	release()
	assert.Equal(t, "other-holder", rdb.Get(ctx, key).Val())
	require.NoError(t, rdb.Del(ctx, key).Err())
}
