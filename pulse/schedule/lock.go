package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/4liaghaie/scraper-dashboard/errors"
)

// Lock guards the daily pipeline so at most one pass runs at a time.
// TryLock never blocks: ok is false when another holder has it. release
// is only non-nil when ok is true.
type Lock interface {
	TryLock(ctx context.Context) (release func(), ok bool, err error)
}

// LocalLock is a process-wide lock
type LocalLock struct {
	mu sync.Mutex
}

// NewLocalLock creates a process-wide lock
func NewLocalLock() *LocalLock {
	return &LocalLock{}
}

// TryLock implements Lock
func (l *LocalLock) TryLock(context.Context) (func(), bool, error) {
	if !l.mu.TryLock() {
		return nil, false, nil
	}
	var once sync.Once
	return func() { once.Do(l.mu.Unlock) }, true, nil
}

// releaseScript deletes the key only while it still holds our token, so a
// holder whose TTL lapsed cannot release a lock someone else took since.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLock is shared by every process pointing at the same redis. The TTL
// bounds how long a crashed holder can keep it.
type RedisLock struct {
	rdb redis.UniversalClient
	key string
	ttl time.Duration
}

// DefaultLockKey is the redis key of the daily pipeline lock
const DefaultLockKey = "scraperd:daily_pipeline"

// NewRedisLock creates a lock under key with the given TTL
func NewRedisLock(rdb redis.UniversalClient, key string, ttl time.Duration) *RedisLock {
	if key == "" {
		key = DefaultLockKey
	}
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	return &RedisLock{rdb: rdb, key: key, ttl: ttl}
}

// TryLock implements Lock with SET NX PX and a random token
func (l *RedisLock) TryLock(ctx context.Context) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, false, errors.Wrapf(err, "failed to acquire lock %s", l.key)
	}
	if !ok {
		return nil, false, nil
	}
	var once sync.Once
	release := func() {
		once.Do(func() {
			// the caller's context may be done by now
			ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_ = releaseScript.Run(ctx, l.rdb, []string{l.key}, token).Err()
		})
	}
	return release, true, nil
}
