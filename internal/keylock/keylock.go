// Package keylock provides per-key mutual exclusion, distributed through Redis
// or local to the process.
package keylock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrTimeout is returned when a lock could not be acquired before the wait deadline.
var ErrTimeout = errors.New("lock wait timed out")

const pollInterval = 50 * time.Millisecond

// Locker serializes work per key. Acquire blocks up to wait; the returned
// release func must be called exactly once.
type Locker interface {
	Acquire(ctx context.Context, key string, wait time.Duration) (release func(), err error)
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker holds locks as Redis keys set with NX and a TTL, so a crashed
// holder cannot block a key forever.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisLocker(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisLocker {
	if prefix == "" {
		prefix = "rerhythm:lock"
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisLocker{client: client, prefix: prefix, ttl: ttl}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, wait time.Duration) (func(), error) {
	redisKey := l.prefix + ":" + key
	token := uuid.NewString()
	deadline := time.Now().Add(wait)
	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			return func() {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = releaseScript.Run(ctx, l.client, []string{redisKey}, token).Err()
			}, nil
		}
		if err := sleepUntilRetry(ctx, deadline); err != nil {
			return nil, err
		}
	}
}

// MemoryLocker is a single-process Locker used when Redis is not configured.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]struct{})}
}

func (l *MemoryLocker) Acquire(ctx context.Context, key string, wait time.Duration) (func(), error) {
	deadline := time.Now().Add(wait)
	for {
		l.mu.Lock()
		if _, busy := l.held[key]; !busy {
			l.held[key] = struct{}{}
			l.mu.Unlock()
			var once sync.Once
			return func() {
				once.Do(func() {
					l.mu.Lock()
					delete(l.held, key)
					l.mu.Unlock()
				})
			}, nil
		}
		l.mu.Unlock()
		if err := sleepUntilRetry(ctx, deadline); err != nil {
			return nil, err
		}
	}
}

func sleepUntilRetry(ctx context.Context, deadline time.Time) error {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return ErrTimeout
	}
	delay := pollInterval
	if remaining < delay {
		delay = remaining
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
