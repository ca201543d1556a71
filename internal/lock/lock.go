// Package lock provides short-lived exclusive locks keyed by resource id.
// The Redis implementation spans replicas; the local one covers a single process.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLocked is returned when another holder owns the key.
var ErrLocked = errors.New("lock held by another caller")

// Lock is a held lock.
type Lock interface {
	// Release frees the lock if it is still owned by this holder.
	Release(ctx context.Context) error
}

// Locker acquires locks without waiting; a held key yields ErrLocked.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error)
}

const keyPrefix = "clipmarket:lock:"

// releaseScript deletes the key only if it still holds our token, so an
// expired lock re-acquired by someone else is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker with SET NX PX.
type RedisLocker struct {
	client *redis.Client
}

// NewRedisLocker parses a redis:// URL and verifies the server is reachable.
func NewRedisLocker(ctx context.Context, redisURL string) (*RedisLocker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return &RedisLocker{client: client}, nil
}

// NewRedisLockerFromClient wraps an existing client.
func NewRedisLockerFromClient(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

func (r *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	token := uuid.New().String()
	ok, err := r.client.SetNX(ctx, keyPrefix+key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLocked
	}
	return &redisLock{client: r.client, key: keyPrefix + key, token: token}, nil
}

// Ping checks the Redis connection.
func (r *RedisLocker) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (r *RedisLocker) Close() error {
	return r.client.Close()
}

type redisLock struct {
	client *redis.Client
	key    string
	token  string
}

func (l *redisLock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("release lock %s: %w", l.key, err)
	}
	return nil
}

// LocalLocker implements Locker in process memory.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]localEntry
	now  func() time.Time
}

type localEntry struct {
	token   string
	expires time.Time
}

// NewLocalLocker creates an in-process locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]localEntry), now: time.Now}
}

func (l *LocalLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if e, ok := l.held[key]; ok && now.Before(e.expires) {
		return nil, ErrLocked
	}
	token := uuid.New().String()
	l.held[key] = localEntry{token: token, expires: now.Add(ttl)}
	return &localLock{owner: l, key: key, token: token}, nil
}

type localLock struct {
	owner *LocalLocker
	key   string
	token string
}

func (l *localLock) Release(ctx context.Context) error {
	l.owner.mu.Lock()
	defer l.owner.mu.Unlock()
	if e, ok := l.owner.held[l.key]; ok && e.token == l.token {
		delete(l.owner.held, l.key)
	}
	return nil
}
