// Package ratelimit provides a distributed token-bucket rate limiter and an
// in-process permit counter.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Scope selects how a bucket is shared.
type Scope string

const (
	// ScopeWhole shares one budget between every caller of a key.
	ScopeWhole Scope = "whole"
	// ScopePerClient gives every limiter instance its own budget.
	ScopePerClient Scope = "per_client"
)

// Settings configures a bucket. Rate and Interval only take effect for the
// first caller of a key; later callers reuse the stored values.
type Settings struct {
	Rate           int64         // permits per Interval, also the bucket size
	Interval       time.Duration
	BucketLiveTime time.Duration // idle buckets are evicted after this, zero keeps them
	MaxWait        time.Duration // how long TryAcquire may block for a permit
	Scope          Scope
}

// ErrInvalidSettings is returned for a non-positive rate or interval.
var ErrInvalidSettings = errors.New("ratelimit: rate and interval must be positive")

// KEYS: config, state
// ARGV: rate, interval ms, live time ms, now ms
// Returns {allowed, ms until the next permit}.
var tokenBucketScript = redis.NewScript(`
redis.call('hsetnx', KEYS[1], 'rate', ARGV[1])
redis.call('hsetnx', KEYS[1], 'interval', ARGV[2])
local rate = tonumber(redis.call('hget', KEYS[1], 'rate'))
local interval = tonumber(redis.call('hget', KEYS[1], 'interval'))
local now = tonumber(ARGV[4])

local tokens = tonumber(redis.call('hget', KEYS[2], 'tokens'))
local ts = tonumber(redis.call('hget', KEYS[2], 'ts'))
if not tokens or not ts then
	tokens = rate
	ts = now
end

tokens = math.min(rate, tokens + math.max(0, now - ts) * rate / interval)

local allowed = 0
local wait = 0
if tokens >= 1 then
	tokens = tokens - 1
	allowed = 1
else
	wait = math.ceil((1 - tokens) * interval / rate)
end

redis.call('hset', KEYS[2], 'tokens', tostring(tokens), 'ts', ARGV[4])
if tonumber(ARGV[3]) > 0 then
	redis.call('pexpire', KEYS[1], ARGV[3])
	redis.call('pexpire', KEYS[2], ARGV[3])
end
return {allowed, wait}
`)

// RedisLimiter is a token bucket shared through Redis.
type RedisLimiter struct {
	client   redis.UniversalClient
	prefix   string
	clientID string
	logger   *zap.Logger
}

// NewRedisLimiter creates a limiter. clientID identifies this instance for
// ScopePerClient buckets; a random one is generated when empty.
func NewRedisLimiter(client redis.UniversalClient, prefix, clientID string, logger *zap.Logger) *RedisLimiter {
	if clientID == "" {
		clientID = uuid.NewString()
	}

	return &RedisLimiter{
		client:   client,
		prefix:   prefix,
		clientID: clientID,
		logger:   logger,
	}
}

// ClientID returns the identity used for ScopePerClient buckets.
func (l *RedisLimiter) ClientID() string {
	return l.clientID
}

func (l *RedisLimiter) bucket(key string, scope Scope) string {
	name := "ratelimiter:" + key
	if l.prefix != "" {
		name = l.prefix + ":" + name
	}
	if scope == ScopePerClient {
		name += ":" + l.clientID
	}

	return name
}

// TryAcquire takes one permit from key. It returns false when no permit
// becomes available within s.MaxWait; it never sleeps past that bound.
func (l *RedisLimiter) TryAcquire(ctx context.Context, key string, s Settings) (bool, error) {
	if s.Rate <= 0 || s.Interval <= 0 {
		return false, ErrInvalidSettings
	}

	name := l.bucket(key, s.Scope)
	keys := []string{name + ":config", name + ":state"}
	deadline := time.Now().Add(s.MaxWait)

	for {
		res, err := tokenBucketScript.Run(ctx, l.client, keys,
			s.Rate,
			s.Interval.Milliseconds(),
			s.BucketLiveTime.Milliseconds(),
			time.Now().UnixMilli(),
		).Int64Slice()
		if err != nil {
			return false, fmt.Errorf("acquire permit %s: %w", name, err)
		}
		if res[0] == 1 {
			return true, nil
		}

		next := time.Duration(res[1]) * time.Millisecond
		if next > time.Until(deadline) {
			l.logger.Debug("rate limit exceeded",
				zap.String("key", name),
				zap.Duration("next_permit_in", next),
			)

			return false, nil
		}

		if err := sleep(ctx, next); err != nil {
			return false, err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
