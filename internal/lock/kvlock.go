// Package lock implements a per-tenant Redis-backed mutex with TTL and
// owner-checked release, built on the same Lua CAS idiom the broker and
// rate limiter use for atomic multi-step Redis operations.
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotOwner is returned by Refresh/Release when the caller does not
// currently hold the lock.
var ErrNotOwner = errors.New("lock: caller is not the current owner")

// KVLock is a per-tenant mutex backed by Redis.
type KVLock struct {
	client *redis.Client
	prefix string
}

// New builds a KVLock over an existing Redis client.
func New(client *redis.Client) *KVLock {
	return &KVLock{client: client, prefix: "lock:tenant:"}
}

func (l *KVLock) key(tenant string) string {
	return l.prefix + tenant
}

// Acquire sets the tenant key with NX+TTL. Returns true iff this call set it.
func (l *KVLock) Acquire(ctx context.Context, tenant, owner string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key(tenant), owner, ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

// Refresh extends the TTL only if the stored value still equals owner.
func (l *KVLock) Refresh(ctx context.Context, tenant, owner string, ttl time.Duration) error {
	res, err := refreshScript.Run(ctx, l.client, []string{l.key(tenant)}, owner, ttl.Milliseconds()).Result()
	if err != nil {
		return err
	}
	if n, _ := res.(int64); n == 0 {
		return ErrNotOwner
	}
	return nil
}

// Release deletes the tenant key only if the stored value still equals
// owner. Releasing a lock you do not own is a no-op (returns nil).
func (l *KVLock) Release(ctx context.Context, tenant, owner string) error {
	_, err := releaseScript.Run(ctx, l.client, []string{l.key(tenant)}, owner).Result()
	return err
}

var refreshScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
