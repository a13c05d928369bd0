package locker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubLocker struct {
	err   error
	calls int
	held  map[string]bool
}

func newStubLocker(err error) *stubLocker {
	return &stubLocker{err: err, held: make(map[string]bool)}
}

func (s *stubLocker) TryLock(_ context.Context, key string, _ time.Duration) (bool, error) {
	s.calls++
	if s.err != nil {
		return false, s.err
	}
	if s.held[key] {
		return false, nil
	}
	s.held[key] = true

	return true, nil
}

func (s *stubLocker) IsHeld(_ context.Context, key string) bool { return s.held[key] }

func (s *stubLocker) Unlock(_ context.Context, key string) error {
	delete(s.held, key)
	return nil
}

func newTestFailover(primary, fallback Locker) *FailoverLocker {
	return NewFailoverLocker(primary, fallback, BreakerConfig{
		MaxRequests:  1,
		Interval:     time.Minute,
		Timeout:      time.Minute,
		FailureRatio: 0.5,
		MinRequests:  1,
	}, zap.NewNop())
}

func TestFailoverLocker_PrimaryHealthy(t *testing.T) {
	primary, fallback := newStubLocker(nil), newStubLocker(nil)
	l := newTestFailover(primary, fallback)
	ctx := NewScope(context.Background())

	acquired, err := l.TryLock(ctx, "k", 0)
	require.NoError(t, err)
	assert.True(t, acquired)

	// Contention is not a failure and keeps the breaker closed
	acquired, err = l.TryLock(ctx, "k", 0)
	require.NoError(t, err)
	assert.False(t, acquired)

	assert.Equal(t, gobreaker.StateClosed, l.State())
	assert.Zero(t, fallback.calls)
}

func TestFailoverLocker_DegradesToFallback(t *testing.T) {
	primary, fallback := newStubLocker(errors.New("redis down")), newStubLocker(nil)
	l := newTestFailover(primary, fallback)
	ctx := NewScope(context.Background())

	// The fault that trips the breaker still reaches the caller
	_, err := l.TryLock(ctx, "k", 0)
	require.Error(t, err)
	assert.Equal(t, gobreaker.StateOpen, l.State())

	acquired, err := l.TryLock(ctx, "k", 0)
	require.NoError(t, err)
	assert.True(t, acquired)
	assert.Equal(t, 1, primary.calls)
	assert.True(t, l.IsHeld(ctx, "k"))

	require.NoError(t, l.Unlock(ctx, "k"))
	assert.False(t, fallback.IsHeld(ctx, "k"))
}

func TestFailoverLocker_CancellationDoesNotTrip(t *testing.T) {
	primary, fallback := newStubLocker(context.Canceled), newStubLocker(nil)
	l := newTestFailover(primary, fallback)

	_, err := l.TryLock(NewScope(context.Background()), "k", 0)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, gobreaker.StateClosed, l.State())
}
