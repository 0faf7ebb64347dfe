package scan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Locker serializes scan passes per account.
type Locker interface {
	// Lock blocks until the lock for key is held or ctx is done.
	Lock(ctx context.Context, key string) (unlock func(), err error)
	// TryLock returns ok=false without waiting when the lock is held elsewhere.
	TryLock(ctx context.Context, key string) (unlock func(), ok bool, err error)
}

// LocalLocker is an in-process Locker.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewLocalLocker creates a LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]chan struct{})}
}

func (l *LocalLocker) sem(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[key] = ch
	}
	return ch
}

// Lock implements Locker.
func (l *LocalLocker) Lock(ctx context.Context, key string) (func(), error) {
	ch := l.sem(key)
	select {
	case ch <- struct{}{}:
		return releaseOnce(ch), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryLock implements Locker.
func (l *LocalLocker) TryLock(ctx context.Context, key string) (func(), bool, error) {
	ch := l.sem(key)
	select {
	case ch <- struct{}{}:
		return releaseOnce(ch), true, nil
	default:
		return nil, false, nil
	}
}

func releaseOnce(ch chan struct{}) func() {
	var once sync.Once
	return func() { once.Do(func() { <-ch }) }
}

// unlockScript deletes the key only if it still holds our token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript refreshes the TTL only if the key still holds our token.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker shares scan locks between smail instances with SET NX.
type RedisLocker struct {
	rdb          *redis.Client
	ttl          time.Duration
	pollInterval time.Duration
	logger       *zap.Logger
}

// NewRedisLocker creates a RedisLocker. Held locks are extended every ttl/3
// until released, so ttl only bounds how long a crashed holder blocks others.
func NewRedisLocker(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisLocker{rdb: rdb, ttl: ttl, pollInterval: 200 * time.Millisecond, logger: logger}
}

func lockKey(key string) string {
	return "smail:scan-lock:" + key
}

// Lock implements Locker.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()
	for {
		unlock, ok, err := l.TryLock(ctx, key)
		if err != nil || ok {
			return unlock, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// TryLock implements Locker.
func (l *RedisLocker) TryLock(ctx context.Context, key string) (func(), bool, error) {
	token := uuid.NewString()
	rkey := lockKey(key)
	ok, err := l.rdb.SetNX(ctx, rkey, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire scan lock: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.keepAlive(rkey, token, stop, done)

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			close(stop)
			<-done
			// Release even when the caller's context is already canceled.
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := unlockScript.Run(rctx, l.rdb, []string{rkey}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
				l.logger.Warn("release scan lock failed", zap.String("key", rkey), zap.Error(err))
			}
		})
	}
	return unlock, true, nil
}

func (l *RedisLocker) keepAlive(rkey, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := extendScript.Run(ctx, l.rdb, []string{rkey}, token, l.ttl.Milliseconds()).Err()
			cancel()
			if err != nil {
				l.logger.Warn("extend scan lock failed", zap.String("key", rkey), zap.Error(err))
			}
		}
	}
}
