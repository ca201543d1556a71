package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	l, err := NewRedisLocker(context.Background(), "redis://"+mr.Addr())
	if err != nil {
		t.Fatalf("NewRedisLocker() error = %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l, mr
}

func TestRedisLockerExclusive(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestRedisLocker(t)

	held, err := l.Acquire(ctx, "approve:s1", time.Minute)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if _, err := l.Acquire(ctx, "approve:s1", time.Minute); !errors.Is(err, ErrLocked) {
		t.Errorf("second Acquire() error = %v, want ErrLocked", err)
	}
	if _, err := l.Acquire(ctx, "approve:s2", time.Minute); err != nil {
		t.Errorf("Acquire(other key) error = %v", err)
	}

	if err := held.Release(ctx); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, err := l.Acquire(ctx, "approve:s1", time.Minute); err != nil {
		t.Errorf("Acquire() after release error = %v", err)
	}
}

func TestRedisLockerExpiry(t *testing.T) {
	ctx := context.Background()
	l, mr := newTestRedisLocker(t)

	stale, err := l.Acquire(ctx, "k", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	mr.FastForward(2 * time.Second)

	fresh, err := l.Acquire(ctx, "k", time.Minute)
	if err != nil {
		t.Fatalf("Acquire() after expiry error = %v", err)
	}
	// Releasing the expired lock must not free the new holder's key
	if err := stale.Release(ctx); err != nil {
		t.Fatal(err)
	}
	if !mr.Exists(keyPrefix + "k") {
		t.Error("stale Release() deleted a lock it no longer owned")
	}
	if err := fresh.Release(ctx); err != nil {
		t.Fatal(err)
	}
	if mr.Exists(keyPrefix + "k") {
		t.Error("Release() left the key behind")
	}
}

func TestNewRedisLockerUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := NewRedisLocker(ctx, "redis://"+addr); err == nil {
		t.Error("NewRedisLocker() expected error for a closed server")
	}
	if _, err := NewRedisLocker(ctx, "not a url"); err == nil {
		t.Error("NewRedisLocker() expected error for an invalid URL")
	}
}

func TestNewRedisLockerFromClient(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	l := NewRedisLockerFromClient(client)
	if err := l.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
}

func TestLocalLocker(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLocker()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	first, err := l.Acquire(ctx, "k", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.Acquire(ctx, "k", time.Minute); !errors.Is(err, ErrLocked) {
		t.Errorf("Acquire() while held error = %v, want ErrLocked", err)
	}

	now = now.Add(2 * time.Minute)
	second, err := l.Acquire(ctx, "k", time.Minute)
	if err != nil {
		t.Fatalf("Acquire() after expiry error = %v", err)
	}
	_ = first.Release(ctx)
	if _, err := l.Acquire(ctx, "k", time.Minute); !errors.Is(err, ErrLocked) {
		t.Error("stale Release() freed the current holder's lock")
	}
	_ = second.Release(ctx)
	if _, err := l.Acquire(ctx, "k", time.Minute); err != nil {
		t.Errorf("Acquire() after release error = %v", err)
	}
}
