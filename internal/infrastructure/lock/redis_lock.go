package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Conditional release and extend must compare the holder and act atomically,
// so both run as Lua scripts.
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)
	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)
)

// RedisLocker implements Locker with SET NX plus holder-checked Lua scripts.
type RedisLocker struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisLocker creates a locker over an existing Redis client.
func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{
		client:    client,
		keyPrefix: "sync:lock:",
	}
}

func (l *RedisLocker) key(name string) string {
	return l.keyPrefix + name
}

// Acquire takes the lock with SET NX and the given TTL.
func (l *RedisLocker) Acquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key(name), holder, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	return ok, nil
}

// Release frees the lock only when the stored holder matches.
func (l *RedisLocker) Release(ctx context.Context, name, holder string) error {
	n, err := releaseScript.Run(ctx, l.client, []string{l.key(name)}, holder).Int()
	if err != nil {
		return fmt.Errorf("release lock %s: %w", name, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// Extend refreshes the TTL only when the stored holder matches.
func (l *RedisLocker) Extend(ctx context.Context, name, holder string, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, l.client, []string{l.key(name)}, holder, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("extend lock %s: %w", name, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

var _ Locker = (*RedisLocker)(nil)
