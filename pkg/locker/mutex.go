package locker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// MutexConfig holds settings shared by the Redis-backed lockers.
type MutexConfig struct {
	Prefix string
	// LeaseTime is the lock expiry if the holder never releases. Leases are
	// not renewed: work under the lock must finish within it, or another
	// caller may take the key while the first is still running.
	LeaseTime     time.Duration
	RetryInterval time.Duration // pause between probes while waiting
}

func (c MutexConfig) withDefaults() MutexConfig {
	if c.LeaseTime <= 0 {
		c.LeaseTime = 30 * time.Second
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 50 * time.Millisecond
	}

	return c
}

// MutexLocker is the general, unordered lock. It uses Redsync (Redlock) with a
// single non-blocking try per probe and polls until the wait is spent, so
// waiters are granted in no particular order.
type MutexLocker struct {
	rs     *redsync.Redsync
	cfg    MutexConfig
	logger *zap.Logger
}

var _ Locker = (*MutexLocker)(nil)

// NewMutexLocker creates a Redsync-backed general lock.
func NewMutexLocker(client redis.UniversalClient, cfg MutexConfig, logger *zap.Logger) *MutexLocker {
	pool := goredis.NewPool(client)

	return &MutexLocker{
		rs:     redsync.New(pool),
		cfg:    cfg.withDefaults(),
		logger: logger,
	}
}

// TryLock acquires key within wait. Contention yields false; a Redis fault
// or a cancelled context yields an error.
func (m *MutexLocker) TryLock(ctx context.Context, key string, wait time.Duration) (bool, error) {
	scope, err := scopeOf(ctx)
	if err != nil {
		return false, err
	}

	name := Namespace(m.cfg.Prefix, KindMutex, key)
	if scope.reenter(name) {
		return true, nil
	}

	mutex := m.rs.NewMutex(
		name,
		redsync.WithExpiry(m.cfg.LeaseTime),
		redsync.WithTries(1),
	)

	acquired, err := poll(ctx, wait, m.cfg.RetryInterval, func(ctx context.Context) (bool, error) {
		err := mutex.TryLockContext(ctx)
		if err == nil {
			return true, nil
		}
		if isTaken(err) {
			return false, nil
		}

		return false, fmt.Errorf("acquire lock %s: %w", name, err)
	})
	if err != nil {
		return false, err
	}
	if !acquired {
		m.logger.Debug("lock contended", zap.String("key", name), zap.Duration("wait", wait))

		return false, nil
	}

	scope.put(name, func(ctx context.Context) error {
		ok, err := mutex.UnlockContext(ctx)
		if err != nil {
			return fmt.Errorf("release lock %s: %w", name, err)
		}
		if !ok {
			m.logger.Debug("lock already expired on release", zap.String("key", name))
		}

		return nil
	})

	m.logger.Debug("lock acquired",
		zap.String("key", name),
		zap.Duration("lease", m.cfg.LeaseTime),
	)

	return true, nil
}

// IsHeld reports whether the scope in ctx holds key.
func (m *MutexLocker) IsHeld(ctx context.Context, key string) bool {
	scope, ok := ScopeFrom(ctx)

	return ok && scope.Held(Namespace(m.cfg.Prefix, KindMutex, key))
}

// Unlock releases key when the scope in ctx holds it.
func (m *MutexLocker) Unlock(ctx context.Context, key string) error {
	scope, err := scopeOf(ctx)
	if err != nil {
		return err
	}

	release := scope.drop(Namespace(m.cfg.Prefix, KindMutex, key))
	if release == nil {
		return nil
	}

	return release(ctx)
}

// isTaken separates contention from real failures. Redsync reports a held
// lock either as ErrFailed, as *ErrTaken, or wrapped with the message
// "lock already taken".
func isTaken(err error) bool {
	if errors.Is(err, redsync.ErrFailed) {
		return true
	}

	var taken *redsync.ErrTaken
	if errors.As(err, &taken) {
		return true
	}

	return strings.Contains(err.Error(), "lock already taken")
}
