package locker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// KEYS: lock, queue, heartbeats
// ARGV: token, lease ms, now ms, stale-after ms
var fairAcquireScript = redis.NewScript(`
while true do
	local head = redis.call('lindex', KEYS[2], 0)
	if not head then break end
	local seen = redis.call('zscore', KEYS[3], head)
	if seen and tonumber(seen) + tonumber(ARGV[4]) >= tonumber(ARGV[3]) then break end
	redis.call('lpop', KEYS[2])
	redis.call('zrem', KEYS[3], head)
end

if redis.call('exists', KEYS[1]) == 0 then
	local head = redis.call('lindex', KEYS[2], 0)
	if (not head) or head == ARGV[1] then
		if head then redis.call('lpop', KEYS[2]) end
		redis.call('zrem', KEYS[3], ARGV[1])
		redis.call('set', KEYS[1], ARGV[1], 'PX', ARGV[2])
		return 1
	end
end

if not redis.call('zscore', KEYS[3], ARGV[1]) then
	redis.call('rpush', KEYS[2], ARGV[1])
end
redis.call('zadd', KEYS[3], ARGV[3], ARGV[1])
redis.call('pexpire', KEYS[2], tonumber(ARGV[4]) * 4)
redis.call('pexpire', KEYS[3], tonumber(ARGV[4]) * 4)
return 0
`)

// KEYS: queue, heartbeats
// ARGV: token
var fairLeaveScript = redis.NewScript(`
redis.call('lrem', KEYS[1], 0, ARGV[1])
redis.call('zrem', KEYS[2], ARGV[1])
return 1
`)

// KEYS: lock
// ARGV: token
var fairReleaseScript = redis.NewScript(`
if redis.call('get', KEYS[1]) == ARGV[1] then
	return redis.call('del', KEYS[1])
end
return 0
`)

// FairConfig holds fair lock settings. The granted lock expires after
// LeaseTime and is never renewed.
type FairConfig struct {
	MutexConfig

	// StaleAfter evicts a queued waiter that stopped probing for this long.
	// It must be well above RetryInterval.
	StaleAfter time.Duration
}

// FairLocker grants a key to waiters in the order they first asked for it.
// Waiters queue in a Redis list; a heartbeat sorted set lets the head of the
// queue be evicted when its owner died, so one crashed waiter cannot starve
// the rest.
type FairLocker struct {
	client redis.UniversalClient
	cfg    FairConfig
	logger *zap.Logger
}

var _ Locker = (*FairLocker)(nil)

// NewFairLocker creates a FIFO lock over client.
func NewFairLocker(client redis.UniversalClient, cfg FairConfig, logger *zap.Logger) *FairLocker {
	cfg.MutexConfig = cfg.MutexConfig.withDefaults()
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * cfg.RetryInterval
	}

	return &FairLocker{
		client: client,
		cfg:    cfg,
		logger: logger,
	}
}

type fairKeys struct {
	lock, queue, heartbeats string
}

func (f *FairLocker) keys(key string) fairKeys {
	name := Namespace(f.cfg.Prefix, KindFair, key)

	return fairKeys{
		lock:       name,
		queue:      name + ":queue",
		heartbeats: name + ":heartbeats",
	}
}

// TryLock enqueues the caller and waits up to wait for its turn. A caller
// that gives up leaves the queue so it does not block the ones behind it.
func (f *FairLocker) TryLock(ctx context.Context, key string, wait time.Duration) (bool, error) {
	scope, err := scopeOf(ctx)
	if err != nil {
		return false, err
	}

	k := f.keys(key)
	if scope.reenter(k.lock) {
		return true, nil
	}

	token := uuid.NewString()
	acquired, err := poll(ctx, wait, f.cfg.RetryInterval, func(ctx context.Context) (bool, error) {
		res, err := fairAcquireScript.Run(ctx, f.client,
			[]string{k.lock, k.queue, k.heartbeats},
			token,
			f.cfg.LeaseTime.Milliseconds(),
			time.Now().UnixMilli(),
			f.cfg.StaleAfter.Milliseconds(),
		).Int()
		if err != nil {
			return false, fmt.Errorf("acquire fair lock %s: %w", k.lock, err)
		}

		return res == 1, nil
	})
	if err != nil || !acquired {
		f.leave(k, token)
		if err == nil {
			f.logger.Debug("fair lock contended", zap.String("key", k.lock), zap.Duration("wait", wait))
		}

		return false, err
	}

	scope.put(k.lock, func(ctx context.Context) error {
		if err := fairReleaseScript.Run(ctx, f.client, []string{k.lock}, token).Err(); err != nil {
			return fmt.Errorf("release fair lock %s: %w", k.lock, err)
		}

		return nil
	})

	f.logger.Debug("fair lock acquired", zap.String("key", k.lock))

	return true, nil
}

// leave removes a waiter that gave up. It runs detached from the caller's
// context since a cancelled request must still leave the queue.
func (f *FairLocker) leave(k fairKeys, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := fairLeaveScript.Run(ctx, f.client, []string{k.queue, k.heartbeats}, token).Err(); err != nil {
		f.logger.Warn("failed to leave fair lock queue",
			zap.String("key", k.lock),
			zap.Error(err),
		)
	}
}

// IsHeld reports whether the scope in ctx holds key.
func (f *FairLocker) IsHeld(ctx context.Context, key string) bool {
	scope, ok := ScopeFrom(ctx)

	return ok && scope.Held(f.keys(key).lock)
}

// Unlock releases key when the scope in ctx holds it.
func (f *FairLocker) Unlock(ctx context.Context, key string) error {
	scope, err := scopeOf(ctx)
	if err != nil {
		return err
	}

	release := scope.drop(f.keys(key).lock)
	if release == nil {
		return nil
	}

	return release(ctx)
}
