package locker

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// BreakerConfig holds circuit breaker settings for FailoverLocker.
type BreakerConfig struct {
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	FailureRatio float64
	MinRequests  uint32
}

// FailoverLocker sends acquisitions to primary until its circuit breaker
// opens, then to fallback until the breaker lets traffic through again.
// While the breaker is closed, primary faults are returned unchanged.
type FailoverLocker struct {
	primary  Locker
	fallback Locker
	cb       *gobreaker.CircuitBreaker[bool]
	logger   *zap.Logger
}

var _ Locker = (*FailoverLocker)(nil)

// NewFailoverLocker wraps primary with a breaker that degrades to fallback.
func NewFailoverLocker(primary, fallback Locker, cfg BreakerConfig, logger *zap.Logger) *FailoverLocker {
	if cfg.MinRequests == 0 {
		cfg.MinRequests = 3
	}

	settings := gobreaker.Settings{
		Name:        "lock-primary",
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)

			return counts.Requests >= cfg.MinRequests && failureRatio >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("lock circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		// A caller giving up is not a coordination fault.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	}

	return &FailoverLocker{
		primary:  primary,
		fallback: fallback,
		cb:       gobreaker.NewCircuitBreaker[bool](settings),
		logger:   logger,
	}
}

// TryLock acquires through primary, or through fallback while the breaker
// rejects calls.
func (f *FailoverLocker) TryLock(ctx context.Context, key string, wait time.Duration) (bool, error) {
	if f.fallback.IsHeld(ctx, key) {
		return f.fallback.TryLock(ctx, key, wait)
	}

	acquired, err := f.cb.Execute(func() (bool, error) {
		return f.primary.TryLock(ctx, key, wait)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		f.logger.Debug("primary lock unavailable, using fallback",
			zap.String("key", key),
			zap.String("state", f.cb.State().String()),
		)

		return f.fallback.TryLock(ctx, key, wait)
	}

	return acquired, err
}

// IsHeld reports whether either backend holds key for the scope in ctx.
func (f *FailoverLocker) IsHeld(ctx context.Context, key string) bool {
	return f.primary.IsHeld(ctx, key) || f.fallback.IsHeld(ctx, key)
}

// Unlock releases key on whichever backend acquired it.
func (f *FailoverLocker) Unlock(ctx context.Context, key string) error {
	if f.fallback.IsHeld(ctx, key) {
		return f.fallback.Unlock(ctx, key)
	}

	return f.primary.Unlock(ctx, key)
}

// State returns the breaker state.
func (f *FailoverLocker) State() gobreaker.State {
	return f.cb.State()
}
