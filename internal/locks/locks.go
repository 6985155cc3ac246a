// Package locks provides the per-saga single-writer lock. LocalLocker
// serialises goroutines in one process; RedisLocker uses the Redlock
// algorithm from go-redsync to serialise processes sharing a Redis.
package locks

import (
	"context"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v8"

	"taxfiler/internal/common/errors"
	"taxfiler/internal/common/logging"
	"taxfiler/internal/redis"
)

// LocalLocker hands out one mutex per key
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	ch   chan struct{}
	refs int
}

// NewLocalLocker creates an in-process locker
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*refLock)}
}

// Lock blocks until key is free or ctx is done. The returned func releases it.
func (l *LocalLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	rl, ok := l.locks[key]
	if !ok {
		rl = &refLock{ch: make(chan struct{}, 1)}
		l.locks[key] = rl
	}
	rl.refs++
	l.mu.Unlock()

	select {
	case rl.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, rl, false)
		return nil, errors.Wrap(errors.KindTimeout, "waiting for lock on "+key, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(key, rl, true) })
	}, nil
}

func (l *LocalLocker) release(key string, rl *refLock, held bool) {
	if held {
		<-rl.ch
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	rl.refs--
	if rl.refs == 0 {
		delete(l.locks, key)
	}
}

const (
	redisLockPrefix = "taxfiler:saga-lock:"
	// DefaultExpiry bounds how long a crashed holder can block others
	DefaultExpiry = 2 * time.Minute
)

// RedisLocker holds a Redlock mutex per key and extends it while held
type RedisLocker struct {
	rs     *redsync.Redsync
	expiry time.Duration
	logger logging.Logger
}

// NewRedisLocker creates a locker over client
func NewRedisLocker(client *redis.Client, expiry time.Duration) (*RedisLocker, error) {
	if client == nil {
		return nil, errors.ConfigError("redis client is required")
	}
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	return &RedisLocker{
		rs:     redsync.New(goredis.NewPool(client.GoRedis())),
		expiry: expiry,
		logger: logging.GetGlobalLogger().WithFields(logging.Field{Key: "component", Value: "redis_locker"}),
	}, nil
}

// Lock acquires key, renewing it at a third of the expiry until released
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	mutex := l.rs.NewMutex(redisLockPrefix+key, redsync.WithExpiry(l.expiry))
	if err := mutex.LockContext(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrap(errors.KindTimeout, "waiting for lock on "+key, err)
		}
		return nil, errors.Wrap(errors.KindInvalidState, "saga "+key+" is locked by another process", err)
	}

	renewCtx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.renew(renewCtx, mutex, key)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			stop()
			<-done
			unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := mutex.UnlockContext(unlockCtx); err != nil {
				l.logger.Warn("Failed to release saga lock", logging.Field{Key: "key", Value: key}, logging.Err(err))
			}
		})
	}, nil
}

func (l *RedisLocker) renew(ctx context.Context, mutex *redsync.Mutex, key string) {
	interval := l.expiry / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			extendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			ok, err := mutex.ExtendContext(extendCtx)
			cancel()
			if err != nil || !ok {
				l.logger.Warn("Lost saga lock", logging.Field{Key: "key", Value: key}, logging.Err(err))
				return
			}
		}
	}
}
