// Package lock implements a Redis-backed distributed lock used to
// single-flight an operator-triggered resync run, adapted from the
// teacher's SETNX-plus-Lua DistributedLock.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotHeld is returned by Release/Extend when the lock was never
// acquired by this handle.
var ErrNotHeld = errors.New("lock: not held")

// Config bundles the Redis lock's tunables (config.LockConfig).
type Config struct {
	TTL            time.Duration
	AcquireTimeout time.Duration
}

// DistributedLock is a single key/value SETNX lock with a Lua-scripted,
// value-checked release and extend, so one holder cannot clobber another
// holder's lock after the TTL rotates it to a new owner.
type DistributedLock struct {
	redis    *redis.Client
	key      string
	value    string
	ttl      time.Duration
	logger   *slog.Logger
	acquired bool
}

func generateLockValue() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("resync_%d", time.Now().UnixNano())
	}
	return "resync_" + hex.EncodeToString(buf)
}

// New constructs a lock bound to key but does not attempt to acquire it.
func New(client *redis.Client, key string, cfg Config, logger *slog.Logger) *DistributedLock {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	return &DistributedLock{
		redis:  client,
		key:    key,
		value:  generateLockValue(),
		ttl:    cfg.TTL,
		logger: logger,
	}
}

// TryAcquire attempts a single SETNX, returning false (no error) if
// another holder already owns the key.
func (l *DistributedLock) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := l.redis.SetNX(ctx, l.key, l.value, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lock: acquire %q: %w", l.key, err)
	}
	l.acquired = ok
	if ok {
		l.logger.Debug("lock: acquired", "key", l.key)
	}
	return ok, nil
}

const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// Release clears the key, but only if it still holds this lock's value
// (so a lock that expired and was re-acquired by someone else is left
// alone).
func (l *DistributedLock) Release(ctx context.Context) error {
	if !l.acquired {
		return ErrNotHeld
	}
	_, err := l.redis.Eval(ctx, releaseScript, []string{l.key}, l.value).Result()
	if err != nil {
		return fmt.Errorf("lock: release %q: %w", l.key, err)
	}
	l.acquired = false
	return nil
}

const extendScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end
`

// Extend pushes the key's TTL out by newTTL, failing if this holder's
// value no longer matches (lock already expired and reassigned).
func (l *DistributedLock) Extend(ctx context.Context, newTTL time.Duration) error {
	if !l.acquired {
		return ErrNotHeld
	}
	res, err := l.redis.Eval(ctx, extendScript, []string{l.key}, l.value, newTTL.Milliseconds()).Result()
	if err != nil {
		return fmt.Errorf("lock: extend %q: %w", l.key, err)
	}
	if n, _ := res.(int64); n != 1 {
		return fmt.Errorf("lock: extend %q: %w", l.key, ErrNotHeld)
	}
	l.ttl = newTTL
	return nil
}

// RunExclusive attempts to acquire the lock and, if successful, runs fn
// then releases it. It reports whether fn ran at all (false means
// another resync run already holds the lock, which the caller should
// treat as "skip, already in progress").
func RunExclusive(ctx context.Context, client *redis.Client, key string, cfg Config, logger *slog.Logger, fn func(ctx context.Context) error) (bool, error) {
	l := New(client, key, cfg, logger)

	acquireCtx := ctx
	if cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, cfg.AcquireTimeout)
		defer cancel()
	}

	ok, err := l.TryAcquire(acquireCtx)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := l.Release(releaseCtx); err != nil && !errors.Is(err, ErrNotHeld) {
			logger.Warn("lock: release failed, will expire on its own TTL", "key", key, "err", err)
		}
	}()

	return true, fn(ctx)
}
