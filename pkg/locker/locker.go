// Package locker provides distributed locking and counting semaphores for
// coordinating operations across multiple service instances.
package locker

import (
	"context"
	"errors"
	"time"
)

// Locker provides mutual exclusion on string keys across instances.
// Implementations must be safe for concurrent use.
//
// Every call operates on the Scope carried by ctx, so the handle acquired by
// one call is never visible to another:
//
//	ctx = locker.NewScope(ctx)
//	acquired, err := l.TryLock(ctx, "slot:42", 3*time.Second)
//	if err != nil {
//	    return err
//	}
//	if !acquired {
//	    // someone else holds it, reject the operation
//	}
//	defer l.Unlock(ctx, "slot:42")
type Locker interface {
	// TryLock attempts to acquire key, waiting at most wait for it to be
	// released by its current holder. It returns false, nil when the key is
	// still contended after wait; errors are reserved for coordination faults.
	TryLock(ctx context.Context, key string, wait time.Duration) (bool, error)

	// IsHeld reports whether the scope in ctx holds key.
	IsHeld(ctx context.Context, key string) bool

	// Unlock releases key if the scope in ctx holds it, otherwise it is a no-op.
	Unlock(ctx context.Context, key string) error
}

// ErrNoScope is returned when a coordinator is called without a Scope.
var ErrNoScope = errors.New("locker: no scope in context")

// Kind namespaces coordination keys per primitive.
type Kind string

const (
	KindMutex     Kind = "mutex"
	KindFair      Kind = "fair"
	KindNamed     Kind = "named"
	KindSemaphore Kind = "semaphore"
)

// Namespace builds the key stored in the coordination service.
func Namespace(prefix string, kind Kind, key string) string {
	if prefix == "" {
		return string(kind) + ":" + key
	}

	return prefix + ":" + string(kind) + ":" + key
}

// poll runs probe until it succeeds, fails, or wait elapses. Sleeps between
// probes are capped by interval and by the remaining wait.
func poll(ctx context.Context, wait, interval time.Duration, probe func(ctx context.Context) (bool, error)) (bool, error) {
	deadline := time.Now().Add(wait)

	for {
		ok, err := probe(ctx)
		if err != nil || ok {
			return ok, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}

		if err := sleep(ctx, min(interval, remaining)); err != nil {
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
