package distributed

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func client(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("INTERCOM_TEST_REDIS")
	if addr == "" {
		addr = "localhost:6379"
	}
	c := redis.NewClient(&redis.Options{Addr: addr, DB: 13, DialTimeout: 500 * time.Millisecond})
	if err := c.Ping(context.Background()).Err(); err != nil {
		_ = c.Close()
		t.Skipf("redis not available at %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestLock_ExclusiveAndRenewed(t *testing.T) {
	c := client(t)
	ctx := context.Background()
	key := "test:lock:" + ownerValue()

	a := NewLock(c, key, 200*time.Millisecond)
	b := NewLock(c, key, 200*time.Millisecond)

	if err := a.TryLock(ctx); err != nil {
		t.Fatalf("first lock: %v", err)
	}
	if err := b.TryLock(ctx); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("second lock: got %v, want ErrLockHeld", err)
	}

	// Outlive the TTL; renewal keeps it.
	time.Sleep(500 * time.Millisecond)
	if err := b.TryLock(ctx); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("after ttl: got %v, want ErrLockHeld", err)
	}

	if err := a.Unlock(ctx); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if err := a.Unlock(ctx); !errors.Is(err, ErrLockNotHeld) {
		t.Fatalf("double unlock: got %v", err)
	}
	if err := b.TryLock(ctx); err != nil {
		t.Fatalf("lock after release: %v", err)
	}
	_ = b.Unlock(ctx)
}

func TestLock_LostWhenStolen(t *testing.T) {
	c := client(t)
	ctx := context.Background()
	key := "test:lock:" + ownerValue()

	l := NewLock(c, key, 100*time.Millisecond)
	if err := l.TryLock(ctx); err != nil {
		t.Fatal(err)
	}
	c.Set(ctx, key, "intruder", time.Second)

	select {
	case <-l.Lost():
	case <-time.After(time.Second):
		t.Fatal("lost not signalled")
	}
}
