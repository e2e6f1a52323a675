// Package lock provides a Redis-backed lease used to keep periodic jobs from
// running on more than one replica at a time.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotHeld is returned by Release when the lease expired or belongs to
// another holder.
var ErrNotHeld = errors.New("lock not held")

// releaseScript deletes the key only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lease is a held lock.
type Lease struct {
	key    string
	token  string
	client redis.Cmdable
}

// Key returns the locked key.
func (l *Lease) Key() string { return l.key }

// Release frees the lease if it is still ours.
func (l *Lease) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int()
	if err != nil {
		return fmt.Errorf("release %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// RedisLocker acquires leases with SET NX PX.
type RedisLocker struct {
	client redis.Cmdable
	prefix string
}

// NewRedisLocker creates a locker. Keys are namespaced under prefix.
func NewRedisLocker(client redis.Cmdable, prefix string) *RedisLocker {
	return &RedisLocker{client: client, prefix: prefix}
}

// TryAcquire takes the lock for ttl. It returns (nil, nil) when another holder
// has it.
func (r *RedisLocker) TryAcquire(ctx context.Context, name string, ttl time.Duration) (*Lease, error) {
	key := r.prefix + name
	token := uuid.New().String()
	ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return nil, nil
	}
	return &Lease{key: key, token: token, client: r.client}, nil
}

// Mutex binds a locker to a fixed name and lease duration.
type Mutex struct {
	locker *RedisLocker
	name   string
	ttl    time.Duration
}

// NewMutex returns a Mutex for name. ttl should exceed the longest time the
// holder runs.
func NewMutex(locker *RedisLocker, name string, ttl time.Duration) *Mutex {
	return &Mutex{locker: locker, name: name, ttl: ttl}
}

// Acquire tries the lock once. The returned release is safe to call after the
// lease expired.
func (m *Mutex) Acquire(ctx context.Context) (func(), bool, error) {
	lease, err := m.locker.TryAcquire(ctx, m.name, m.ttl)
	if err != nil || lease == nil {
		return nil, false, err
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = lease.Release(ctx)
	}, true, nil
}
