package locker

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	tryAdvisoryLockSQL = "SELECT pg_try_advisory_lock(hashtext($1))::int"
	advisoryUnlockSQL  = "SELECT pg_advisory_unlock(hashtext($1))::int"
)

// NamedLocker is the database fallback lock. It takes a session-level
// Postgres advisory lock on a dedicated connection. The primitive has no
// bounded blocking wait, so TryLock probes without blocking and sleeps half
// of the wait between probes.
type NamedLocker struct {
	db     *sql.DB
	prefix string
	logger *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

var _ Locker = (*NamedLocker)(nil)

// NewNamedLocker creates an advisory-lock locker over db.
func NewNamedLocker(db *sql.DB, prefix string, logger *zap.Logger) *NamedLocker {
	return &NamedLocker{
		db:     db,
		prefix: prefix,
		logger: logger,
		sleep:  sleep,
	}
}

// probePlan returns how many probes fit in wait and the pause between them.
// A wait of one second gives two probes half a second apart.
func probePlan(wait time.Duration) (attempts int, interval time.Duration) {
	interval = wait / 2
	if interval <= 0 {
		return 1, 0
	}

	return max(1, int(wait/interval)), interval
}

// TryLock probes the advisory lock up to the planned number of times.
// A probe fault is returned as an error, never as contention.
func (n *NamedLocker) TryLock(ctx context.Context, key string, wait time.Duration) (bool, error) {
	scope, err := scopeOf(ctx)
	if err != nil {
		return false, err
	}

	name := Namespace(n.prefix, KindNamed, key)
	if scope.reenter(name) {
		return true, nil
	}

	// Advisory locks belong to the session, so the same connection has to
	// unlock what it locked.
	conn, err := n.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire named lock %s: %w", name, err)
	}

	attempts, interval := probePlan(wait)
	for i := 0; i < attempts; i++ {
		var locked int
		if err := conn.QueryRowContext(ctx, tryAdvisoryLockSQL, name).Scan(&locked); err != nil {
			_ = conn.Close()

			return false, fmt.Errorf("acquire named lock %s: %w", name, err)
		}
		if locked == 1 {
			scope.put(name, n.releaser(name, conn))
			n.logger.Debug("named lock acquired", zap.String("key", name), zap.Int("attempt", i+1))

			return true, nil
		}

		if i < attempts-1 {
			if err := n.sleep(ctx, interval); err != nil {
				_ = conn.Close()

				return false, err
			}
		}
	}

	_ = conn.Close()
	n.logger.Debug("named lock contended", zap.String("key", name), zap.Int("attempts", attempts))

	return false, nil
}

// releaser unlocks on the owning connection and returns it to the pool.
// Failures are logged and swallowed. When the unlock cannot be confirmed the
// session may still hold the lock, so it is discarded instead of pooled;
// ending the session is what drops the lock.
func (n *NamedLocker) releaser(name string, conn *sql.Conn) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		defer func() { _ = conn.Close() }()

		var released int
		if err := conn.QueryRowContext(ctx, advisoryUnlockSQL, name).Scan(&released); err != nil {
			n.logger.Warn("named lock release failed", zap.String("key", name), zap.Error(err))
			discard(conn)

			return nil
		}
		if released != 1 {
			n.logger.Warn("named lock was not held on release", zap.String("key", name))
			discard(conn)
		}

		return nil
	}
}

// discard closes the session behind conn rather than returning it to the pool.
func discard(conn *sql.Conn) {
	_ = conn.Raw(func(any) error { return driver.ErrBadConn })
}

// IsHeld reports whether the scope in ctx holds key.
func (n *NamedLocker) IsHeld(ctx context.Context, key string) bool {
	scope, ok := ScopeFrom(ctx)

	return ok && scope.Held(Namespace(n.prefix, KindNamed, key))
}

// Unlock releases key when the scope in ctx holds it.
func (n *NamedLocker) Unlock(ctx context.Context, key string) error {
	scope, err := scopeOf(ctx)
	if err != nil {
		return err
	}

	release := scope.drop(Namespace(n.prefix, KindNamed, key))
	if release == nil {
		return nil
	}

	return release(ctx)
}
