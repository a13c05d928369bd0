// Package guard wraps business calls with distributed locks, semaphores and
// rate limiters. A Rule is declared once per operation; its key template is
// evaluated against the arguments of every call.
package guard

import (
	"context"
	"fmt"
	"time"

	"github.com/uber-go/tally/v4"
	"go.uber.org/zap"

	"reservation-service/pkg/locker"
	"reservation-service/pkg/ratelimit"
)

// Kind names the coordination primitive a rule uses.
type Kind string

const (
	KindLock        Kind = "lock"
	KindFairLock    Kind = "fair_lock"
	KindNamedLock   Kind = "named_lock"
	KindSemaphore   Kind = "semaphore"
	KindRateLimiter Kind = "rate_limiter"
)

// Declaration describes how one operation is guarded.
type Declaration struct {
	Kind     Kind
	Key      string        // text/template over the call's Args
	WaitTime time.Duration // bounded wait for locks and semaphores

	RateLimit ratelimit.Settings       // rate_limiter only
	Semaphore locker.SemaphoreSettings // semaphore only
	Permits   int64                    // semaphore only, defaults to 1
}

// Rule is a validated Declaration with its compiled key.
type Rule struct {
	decl Declaration
	key  *KeyTemplate
}

// Compile validates d and parses its key template.
func Compile(d Declaration) (*Rule, error) {
	switch d.Kind {
	case KindLock, KindFairLock, KindNamedLock:
	case KindSemaphore:
		if d.Semaphore.Capacity <= 0 {
			return nil, fmt.Errorf("guard %s: semaphore capacity must be positive", d.Key)
		}
		if d.Permits <= 0 {
			d.Permits = 1
		}
		if d.Permits > d.Semaphore.Capacity {
			return nil, fmt.Errorf("guard %s: %d permits exceed capacity %d", d.Key, d.Permits, d.Semaphore.Capacity)
		}
	case KindRateLimiter:
		if d.RateLimit.Rate <= 0 || d.RateLimit.Interval <= 0 {
			return nil, fmt.Errorf("guard %s: %w", d.Key, ratelimit.ErrInvalidSettings)
		}
		if d.RateLimit.Scope == "" {
			d.RateLimit.Scope = ratelimit.ScopeWhole
		}
	default:
		return nil, fmt.Errorf("guard %s: unknown kind %q", d.Key, d.Kind)
	}

	key, err := ParseKey(d.Key)
	if err != nil {
		return nil, err
	}

	return &Rule{decl: d, key: key}, nil
}

// MustCompile is Compile for rules declared at startup.
func MustCompile(d Declaration) *Rule {
	r, err := Compile(d)
	if err != nil {
		panic(err)
	}

	return r
}

// Kind returns the primitive of the rule.
func (r *Rule) Kind() Kind { return r.decl.Kind }

// Semaphore acquires and releases counted permits.
type Semaphore interface {
	TryAcquire(ctx context.Context, key string, settings locker.SemaphoreSettings, request locker.SemaphoreRequest) (bool, error)
	IsHeld(ctx context.Context, key string) bool
	Release(ctx context.Context, key string) error
}

// RateLimiter hands out rate-limited permits.
type RateLimiter interface {
	TryAcquire(ctx context.Context, key string, settings ratelimit.Settings) (bool, error)
}

// Coordinators are the backends a Guard can use. Nil entries disable the
// corresponding kind.
type Coordinators struct {
	Lock        locker.Locker
	FairLock    locker.Locker
	NamedLock   locker.Locker
	Semaphore   Semaphore
	RateLimiter RateLimiter
}

// Guard runs functions under Rules.
type Guard struct {
	c       Coordinators
	logger  *zap.Logger
	metrics tally.Scope
}

// New creates a Guard.
func New(c Coordinators, logger *zap.Logger, metrics tally.Scope) *Guard {
	if metrics == nil {
		metrics = tally.NoopScope
	}

	return &Guard{
		c:       c,
		logger:  logger,
		metrics: metrics.SubScope("guard"),
	}
}

// Do resolves rule's key from args, acquires the resource and runs fn.
// The resource is released however fn exits, including a panic. When the
// resource stays busy for the whole wait fn is not run and a
// *ContentionError is returned; a backend failure yields a
// *CoordinationError. When ctx ends during the wait the error wraps ctx.Err().
func (g *Guard) Do(ctx context.Context, rule *Rule, args Args, fn func(ctx context.Context) error) error {
	key, err := rule.key.Resolve(args)
	if err != nil {
		return err
	}

	ctx = locker.NewScope(ctx)

	release, err := g.acquire(ctx, rule, key)
	if err != nil {
		return err
	}
	defer release()

	return fn(ctx)
}

// Chain runs fn under every rule, acquiring them in order and releasing
// them in reverse.
func (g *Guard) Chain(ctx context.Context, rules []*Rule, args Args, fn func(ctx context.Context) error) error {
	if len(rules) == 0 {
		return fn(ctx)
	}

	return g.Do(ctx, rules[0], args, func(ctx context.Context) error {
		return g.Chain(ctx, rules[1:], args, fn)
	})
}

// Wrap decorates next so that every call runs under rule.
func Wrap[Req, Res any](g *Guard, rule *Rule, argsOf func(Req) Args, next func(context.Context, Req) (Res, error)) func(context.Context, Req) (Res, error) {
	return func(ctx context.Context, req Req) (Res, error) {
		var res Res
		err := g.Do(ctx, rule, argsOf(req), func(ctx context.Context) error {
			var err error
			res, err = next(ctx, req)

			return err
		})

		return res, err
	}
}

func (g *Guard) acquire(ctx context.Context, rule *Rule, key string) (func(), error) {
	d := rule.decl
	metrics := g.metrics.Tagged(map[string]string{"kind": string(d.Kind)})

	var (
		acquired bool
		err      error
		release  func(ctx context.Context) error
	)

	switch d.Kind {
	case KindLock, KindFairLock, KindNamedLock:
		l := g.lockerFor(d.Kind)
		if l == nil {
			err = ErrNotConfigured
			break
		}
		acquired, err = l.TryLock(ctx, key, d.WaitTime)
		release = func(ctx context.Context) error {
			if !l.IsHeld(ctx, key) {
				return nil
			}
			return l.Unlock(ctx, key)
		}
	case KindSemaphore:
		if g.c.Semaphore == nil {
			err = ErrNotConfigured
			break
		}
		acquired, err = g.c.Semaphore.TryAcquire(ctx, key, d.Semaphore, locker.SemaphoreRequest{
			Permits: d.Permits,
			Wait:    d.WaitTime,
		})
		release = func(ctx context.Context) error {
			if !g.c.Semaphore.IsHeld(ctx, key) {
				return nil
			}
			return g.c.Semaphore.Release(ctx, key)
		}
	case KindRateLimiter:
		if g.c.RateLimiter == nil {
			err = ErrNotConfigured
			break
		}
		acquired, err = g.c.RateLimiter.TryAcquire(ctx, key, d.RateLimit)
	}

	if ctxErr := ctx.Err(); err != nil && ctxErr != nil {
		// The caller gave up while waiting; the backend is not at fault.
		metrics.Counter("aborted").Inc(1)
		g.logger.Debug("guard acquisition aborted",
			zap.String("kind", string(d.Kind)),
			zap.String("key", key),
			zap.Error(err),
		)

		return nil, fmt.Errorf("acquire %s %q: %w", d.Kind, key, ctxErr)
	}
	if err != nil {
		metrics.Counter("faults").Inc(1)
		g.logger.Error("guard acquisition failed",
			zap.String("kind", string(d.Kind)),
			zap.String("key", key),
			zap.Error(err),
		)

		return nil, &CoordinationError{Kind: d.Kind, Key: key, Err: err}
	}
	if !acquired {
		metrics.Counter("contended").Inc(1)
		g.logger.Debug("guard contended",
			zap.String("kind", string(d.Kind)),
			zap.String("key", key),
		)

		return nil, &ContentionError{Kind: d.Kind, Key: key}
	}

	metrics.Counter("acquired").Inc(1)

	return func() {
		if release == nil {
			return
		}
		// Release even when the caller's context is already cancelled.
		if err := release(context.WithoutCancel(ctx)); err != nil {
			g.logger.Warn("guard release failed",
				zap.String("kind", string(d.Kind)),
				zap.String("key", key),
				zap.Error(err),
			)
		}
	}, nil
}

func (g *Guard) lockerFor(kind Kind) locker.Locker {
	switch kind {
	case KindLock:
		return g.c.Lock
	case KindFairLock:
		return g.c.FairLock
	case KindNamedLock:
		return g.c.NamedLock
	default:
		return nil
	}
}
