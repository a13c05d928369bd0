package locker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// The semaphore key is a hash of the free permits and the id of the period
// that set them. A period ends when the key expires.

// KEYS: semaphore
// ARGV: capacity, period id, ttl ms (0 keeps the key)
var semaphoreInitScript = redis.NewScript(`
if redis.call('exists', KEYS[1]) == 1 then return 0 end
redis.call('hset', KEYS[1], 'permits', ARGV[1], 'period', ARGV[2])
if tonumber(ARGV[3]) > 0 then
	redis.call('pexpire', KEYS[1], ARGV[3])
end
return 1
`)

// KEYS: semaphore
// ARGV: requested
// Returns {1, period} on success, {0} when exhausted, {-1} without a period.
var semaphoreAcquireScript = redis.NewScript(`
local available = redis.call('hget', KEYS[1], 'permits')
if not available then return {-1} end
if tonumber(available) >= tonumber(ARGV[1]) then
	redis.call('hincrby', KEYS[1], 'permits', '-' .. ARGV[1])
	return {1, redis.call('hget', KEYS[1], 'period')}
end
return {0}
`)

// KEYS: semaphore
// ARGV: returned, period id
// Permits taken in an earlier period are dropped.
var semaphoreReleaseScript = redis.NewScript(`
if redis.call('hget', KEYS[1], 'period') == ARGV[2] then
	return redis.call('hincrby', KEYS[1], 'permits', ARGV[1])
end
return -1
`)

// SemaphoreSettings describes the shared capacity of a semaphore key.
type SemaphoreSettings struct {
	Capacity int64
	Duration time.Duration // lifetime of the capacity counter, zero keeps it forever
}

// SemaphoreRequest is what one call asks for.
type SemaphoreRequest struct {
	Permits int64
	Wait    time.Duration
}

// Semaphore is a Redis counting semaphore. The key holds the number of free
// permits; its capacity is set once per period by the first caller.
type Semaphore struct {
	client        redis.UniversalClient
	prefix        string
	retryInterval time.Duration
	logger        *zap.Logger
}

// NewSemaphore creates a counting semaphore coordinator.
func NewSemaphore(client redis.UniversalClient, prefix string, retryInterval time.Duration, logger *zap.Logger) *Semaphore {
	if retryInterval <= 0 {
		retryInterval = 50 * time.Millisecond
	}

	return &Semaphore{
		client:        client,
		prefix:        prefix,
		retryInterval: retryInterval,
		logger:        logger,
	}
}

// TrySetPermits initialises the capacity of key. It is a no-op returning
// false when the key already has one.
func (s *Semaphore) TrySetPermits(ctx context.Context, key string, settings SemaphoreSettings) (bool, error) {
	name := Namespace(s.prefix, KindSemaphore, key)

	res, err := semaphoreInitScript.Run(ctx, s.client, []string{name},
		settings.Capacity, uuid.NewString(), settings.Duration.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("set permits %s: %w", name, err)
	}

	return res == 1, nil
}

// TryAcquire takes request.Permits permits from key, waiting at most
// request.Wait. The acquisition is recorded in the scope so Release only
// returns permits this call actually took.
func (s *Semaphore) TryAcquire(ctx context.Context, key string, settings SemaphoreSettings, request SemaphoreRequest) (bool, error) {
	scope, err := scopeOf(ctx)
	if err != nil {
		return false, err
	}

	permits := max(request.Permits, 1)
	if permits > settings.Capacity {
		return false, fmt.Errorf("semaphore %s: %d permits requested, capacity is %d", key, permits, settings.Capacity)
	}

	name := Namespace(s.prefix, KindSemaphore, key)
	if scope.reenter(name) {
		return true, nil
	}

	if _, err := s.TrySetPermits(ctx, key, settings); err != nil {
		return false, err
	}

	var period string
	acquired, err := poll(ctx, request.Wait, s.retryInterval, func(ctx context.Context) (bool, error) {
		res, err := semaphoreAcquireScript.Run(ctx, s.client, []string{name}, permits).Slice()
		if err != nil {
			return false, fmt.Errorf("acquire semaphore %s: %w", name, err)
		}

		switch code, _ := res[0].(int64); code {
		case 1:
			if len(res) > 1 {
				period, _ = res[1].(string)
			}
			return true, nil
		case -1:
			// capacity expired, start a new period
			if _, err := s.TrySetPermits(ctx, key, settings); err != nil {
				return false, err
			}
		}

		return false, nil
	})
	if err != nil {
		return false, err
	}
	if !acquired {
		s.logger.Debug("semaphore exhausted", zap.String("key", name), zap.Int64("permits", permits))

		return false, nil
	}

	scope.put(name, func(ctx context.Context) error {
		res, err := semaphoreReleaseScript.Run(ctx, s.client, []string{name}, permits, period).Int()
		if err != nil {
			return fmt.Errorf("release semaphore %s: %w", name, err)
		}
		if res == -1 {
			s.logger.Debug("semaphore period ended before release", zap.String("key", name))
		}

		return nil
	})

	return true, nil
}

// IsHeld reports whether the scope in ctx holds permits of key.
func (s *Semaphore) IsHeld(ctx context.Context, key string) bool {
	scope, ok := ScopeFrom(ctx)

	return ok && scope.Held(Namespace(s.prefix, KindSemaphore, key))
}

// Release returns the permits taken by the scope in ctx. Without a prior
// successful TryAcquire it does nothing.
func (s *Semaphore) Release(ctx context.Context, key string) error {
	scope, err := scopeOf(ctx)
	if err != nil {
		return err
	}

	release := scope.drop(Namespace(s.prefix, KindSemaphore, key))
	if release == nil {
		return nil
	}

	return release(ctx)
}

// Available returns the free permits of key, or -1 when it has no capacity yet.
func (s *Semaphore) Available(ctx context.Context, key string) (int64, error) {
	n, err := s.client.HGet(ctx, Namespace(s.prefix, KindSemaphore, key), "permits").Int64()
	if err == redis.Nil {
		return -1, nil
	}
	if err != nil {
		return 0, err
	}

	return n, nil
}
