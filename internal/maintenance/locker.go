package maintenance

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// ErrNotObtained is returned by a Locker when another holder owns the key.
var ErrNotObtained = errors.New("lock not obtained")

// Locker guards a job so that only one instance runs it at a time.
type Locker interface {
	// Obtain acquires key for ttl and returns its release function.
	Obtain(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, err error)
}

// RedisLocker coordinates jobs across replicas through Redis.
type RedisLocker struct {
	rdb    *redis.Client
	locker *redislock.Client
}

// NewRedisLocker connects lazily; the first Obtain dials Redis.
func NewRedisLocker(opts *redis.Options) *RedisLocker {
	rdb := redis.NewClient(opts)
	return &RedisLocker{rdb: rdb, locker: redislock.New(rdb)}
}

// Ping checks connectivity.
func (l *RedisLocker) Ping(ctx context.Context) error { return l.rdb.Ping(ctx).Err() }

// Obtain implements Locker.
func (l *RedisLocker) Obtain(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	lock, err := l.locker.Obtain(ctx, "lock:maintenance:"+key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrNotObtained
	}
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) error {
		err := lock.Release(ctx)
		if errors.Is(err, redislock.ErrLockNotHeld) {
			// Expired while the job ran.
			return nil
		}
		return err
	}, nil
}

// Close releases the Redis connection pool.
func (l *RedisLocker) Close() error { return l.rdb.Close() }

// LocalLocker serializes jobs within one process.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

// Obtain implements Locker. ttl is ignored.
func (l *LocalLocker) Obtain(_ context.Context, key string, _ time.Duration) (func(context.Context) error, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		l.held = map[string]bool{}
	}
	if l.held[key] {
		return nil, ErrNotObtained
	}
	l.held[key] = true
	return func(context.Context) error {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
		return nil
	}, nil
}
