package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockLost is logged when a Redis lease was gone before it was renewed
// or released.
var ErrLockLost = errors.New("lock: lease expired before release")

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the lease only if the key still holds our token.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker is a Locker shared by every engine instance using the same
// Redis. Each lease expires after TTL so a crashed holder cannot wedge a
// market; a live holder renews it every TTL/3 until it unlocks.
type RedisLocker struct {
	rdb    redis.UniversalClient
	ttl    time.Duration
	retry  time.Duration
	renew  time.Duration
	prefix string
}

// NewRedisLocker creates a distributed locker.
func NewRedisLocker(rdb redis.UniversalClient, ttl time.Duration) *RedisLocker {
	renew := ttl / 3
	if renew <= 0 {
		renew = time.Millisecond
	}
	return &RedisLocker{
		rdb:    rdb,
		ttl:    ttl,
		retry:  10 * time.Millisecond,
		renew:  renew,
		prefix: "lock:",
	}
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	k := l.prefix + key
	token := uuid.New().String()

	for {
		ok, err := l.rdb.SetNX(ctx, k, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("lock: acquire %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retry):
		}
	}

	acquired := time.Now()
	stop := make(chan struct{})
	renewed := make(chan struct{})
	go func() {
		defer close(renewed)
		l.keepAlive(key, k, token, stop)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-renewed
			// Release even if the caller's context is already done.
			n, err := releaseScript.Run(context.Background(), l.rdb, []string{k}, token).Int()
			if err != nil {
				slog.Error("lock release failed", "key", key, "err", err)
				return
			}
			if n == 0 {
				slog.Warn("lock lease lost", "key", key, "held", time.Since(acquired), "err", ErrLockLost)
			}
		})
	}, nil
}

// keepAlive extends the lease until stop is closed or the lease is gone.
func (l *RedisLocker) keepAlive(key, k, token string, stop <-chan struct{}) {
	ticker := time.NewTicker(l.renew)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		n, err := renewScript.Run(context.Background(), l.rdb, []string{k}, token, l.ttl.Milliseconds()).Int()
		if err != nil {
			slog.Error("lock renew failed", "key", key, "err", err)
			continue
		}
		if n == 0 {
			slog.Warn("lock lease lost", "key", key, "err", ErrLockLost)
			return
		}
	}
}
