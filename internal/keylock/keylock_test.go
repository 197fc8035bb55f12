package keylock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func lockers(t *testing.T) map[string]Locker {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return map[string]Locker{
		"redis":  NewRedisLocker(client, "test:lock", time.Minute),
		"memory": NewMemoryLocker(),
	}
}

func TestLockerTimesOutWhileHeld(t *testing.T) {
	for name, l := range lockers(t) {
		release, err := l.Acquire(context.Background(), "conversation:1", time.Second)
		if err != nil {
			t.Fatalf("%s: acquire: %v", name, err)
		}
		if _, err := l.Acquire(context.Background(), "conversation:1", 120*time.Millisecond); !errors.Is(err, ErrTimeout) {
			t.Fatalf("%s: expected timeout, got %v", name, err)
		}
		other, err := l.Acquire(context.Background(), "conversation:2", 0)
		if err != nil {
			t.Fatalf("%s: other key should be free: %v", name, err)
		}
		other()
		release()
		again, err := l.Acquire(context.Background(), "conversation:1", 0)
		if err != nil {
			t.Fatalf("%s: expected lock after release: %v", name, err)
		}
		again()
	}
}

func TestLockerSerializesHolders(t *testing.T) {
	for name, l := range lockers(t) {
		var inside, maxInside int32
		var wg sync.WaitGroup
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				release, err := l.Acquire(context.Background(), "k", 5*time.Second)
				if err != nil {
					t.Errorf("%s: acquire: %v", name, err)
					return
				}
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				atomic.AddInt32(&inside, -1)
				release()
			}()
		}
		wg.Wait()
		if maxInside != 1 {
			t.Fatalf("%s: expected one holder at a time, saw %d", name, maxInside)
		}
	}
}

func TestRedisLockerReleaseOnlyOwnToken(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	l := NewRedisLocker(client, "test:lock", 100*time.Millisecond)

	release, err := l.Acquire(context.Background(), "k", 0)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	// lease expires and another holder takes over
	mr.FastForward(time.Second)
	second, err := l.Acquire(context.Background(), "k", 0)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	release()
	if !mr.Exists("test:lock:k") {
		t.Fatalf("stale release must not delete the new holder's lock")
	}
	second()
	if mr.Exists("test:lock:k") {
		t.Fatalf("expected lock key removed")
	}
}
