package middleware

import (
	"context"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"reservation-service/internal/transport/httpserver/dto"
)

// ClientLimiter keeps one token bucket per client key in process memory.
// Idle buckets are evicted by Cleanup.
type ClientLimiter struct {
	mu      sync.Mutex
	entries map[string]*clientEntry
	rps     rate.Limit
	burst   int
	idleTTL time.Duration
	now     func() time.Time
}

type clientEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewClientLimiter creates a limiter allowing rps requests per second with
// the given burst for every client.
func NewClientLimiter(rps float64, burst int, idleTTL time.Duration) *ClientLimiter {
	if idleTTL <= 0 {
		idleTTL = 15 * time.Minute
	}
	if burst <= 0 {
		burst = 1
	}

	return &ClientLimiter{
		entries: make(map[string]*clientEntry),
		rps:     rate.Limit(rps),
		burst:   burst,
		idleTTL: idleTTL,
		now:     time.Now,
	}
}

// Reserve takes a token for key. When none is available it returns false and
// how long the client should wait before retrying.
func (l *ClientLimiter) Reserve(key string) (bool, time.Duration) {
	now := l.now()

	l.mu.Lock()
	ent, ok := l.entries[key]
	if !ok {
		ent = &clientEntry{lim: rate.NewLimiter(l.rps, l.burst)}
		l.entries[key] = ent
	}
	ent.lastSeen = now
	l.mu.Unlock()

	r := ent.lim.ReserveN(now, 1)
	if !r.OK() {
		return false, l.idleTTL
	}

	delay := r.DelayFrom(now)
	if delay == 0 {
		return true, 0
	}
	r.CancelAt(now)

	return false, delay
}

// Len returns the number of tracked clients.
func (l *ClientLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.entries)
}

// Cleanup evicts clients idle for longer than the idle TTL.
func (l *ClientLimiter) Cleanup() {
	cutoff := l.now().Add(-l.idleTTL)

	l.mu.Lock()
	defer l.mu.Unlock()

	for key, ent := range l.entries {
		if ent.lastSeen.Before(cutoff) {
			delete(l.entries, key)
		}
	}
}

// StartJanitor runs Cleanup every idle TTL until ctx is done.
func (l *ClientLimiter) StartJanitor(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(l.idleTTL)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.Cleanup()
			}
		}
	}()
}

// RateLimit rejects clients, keyed by IP, that exceed their bucket.
func RateLimit(l *ClientLimiter, logger *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ok, retryAfter := l.Reserve(c.IP())
		if ok {
			return c.Next()
		}

		logger.Debug("client rate limited", zap.String("ip", c.IP()), zap.Duration("retry_after", retryAfter))

		c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
		return c.Status(fiber.StatusTooManyRequests).JSON(dto.ErrorResponse{
			Error: "too many requests",
			Code:  "RATE_LIMITED",
		})
	}
}
