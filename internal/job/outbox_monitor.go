// Package job provides background jobs.
package job

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/uber-go/tally/v4"
	"go.uber.org/zap"

	"reservation-service/internal/app/service"
	"reservation-service/pkg/locker"
	"reservation-service/pkg/ratelimit"
)

const monitorLockKey = "outbox:monitor"

// ErrScanInProgress is returned by ScanNow while another scan runs, here or
// on another instance.
var ErrScanInProgress = errors.New("outbox scan already in progress")

// BacklogSource reports the outbox backlog.
type BacklogSource interface {
	Backlog(ctx context.Context, staleBefore time.Time) (service.Backlog, error)
}

// MonitorConfig holds outbox monitor configuration.
type MonitorConfig struct {
	Interval   time.Duration
	StaleAfter time.Duration
	Timeout    time.Duration
	OnStartup  bool
}

// OutboxMonitor periodically reports outbox records that were never
// delivered. It only observes: FAILED records and PENDING records older than
// StaleAfter are logged and exported as gauges, never re-delivered.
//
// One instance scans at a time across the cluster (distributed mutex, no
// wait) and scans never overlap inside one process (a single local permit).
type OutboxMonitor struct {
	source BacklogSource
	cfg    MonitorConfig
	lock   locker.Locker
	local  *ratelimit.LocalLimiter
	logger *zap.Logger

	stalePending tally.Gauge
	failed       tally.Gauge
	skipped      tally.Counter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewOutboxMonitor creates a new OutboxMonitor.
func NewOutboxMonitor(
	source BacklogSource,
	cfg MonitorConfig,
	lock locker.Locker,
	logger *zap.Logger,
	metrics tally.Scope,
) *OutboxMonitor {
	if metrics == nil {
		metrics = tally.NoopScope
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	scope := metrics.SubScope("outbox")

	return &OutboxMonitor{
		source:       source,
		cfg:          cfg,
		lock:         lock,
		local:        ratelimit.NewLocalLimiter(1),
		logger:       logger,
		stalePending: scope.Gauge("pending_stale"),
		failed:       scope.Gauge("failed_total"),
		skipped:      scope.Counter("scan_skipped"),
	}
}

// Start begins the periodic scan.
func (m *OutboxMonitor) Start() {
	m.ctx, m.cancel = context.WithCancel(context.Background())

	m.logger.Info("starting outbox monitor",
		zap.Duration("interval", m.cfg.Interval),
		zap.Duration("stale_after", m.cfg.StaleAfter),
	)

	m.wg.Add(1)
	go m.run()
}

// Stop waits for a running scan and stops the monitor.
func (m *OutboxMonitor) Stop() {
	if m.cancel == nil {
		return
	}

	m.logger.Info("stopping outbox monitor")
	m.cancel()
	m.wg.Wait()
	m.logger.Info("outbox monitor stopped")
}

func (m *OutboxMonitor) run() {
	defer m.wg.Done()

	if m.cfg.OnStartup {
		m.tick()
	}

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

func (m *OutboxMonitor) tick() {
	_, err := m.ScanNow(m.ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrScanInProgress):
		m.skipped.Inc(1)
		m.logger.Debug("outbox scan skipped, another scan is running")
	default:
		m.logger.Error("outbox scan failed", zap.Error(err))
	}
}

// ScanNow counts the backlog once and publishes the result.
func (m *OutboxMonitor) ScanNow(ctx context.Context) (service.Backlog, error) {
	if !m.local.TryAcquire() {
		return service.Backlog{}, ErrScanInProgress
	}
	defer m.local.Release()

	scope := locker.NewScope(ctx)
	acquired, err := m.lock.TryLock(scope, monitorLockKey, 0)
	if err != nil {
		return service.Backlog{}, err
	}
	if !acquired {
		return service.Backlog{}, ErrScanInProgress
	}
	defer func() {
		if err := m.lock.Unlock(context.WithoutCancel(scope), monitorLockKey); err != nil {
			m.logger.Warn("failed to release outbox monitor lock", zap.Error(err))
		}
	}()

	scanCtx, cancel := context.WithTimeout(scope, m.cfg.Timeout)
	defer cancel()

	backlog, err := m.source.Backlog(scanCtx, time.Now().Add(-m.cfg.StaleAfter))
	if err != nil {
		return service.Backlog{}, err
	}

	m.stalePending.Update(float64(backlog.StalePending))
	m.failed.Update(float64(backlog.Failed))

	if backlog.StalePending > 0 || backlog.Failed > 0 {
		m.logger.Warn("outbox backlog needs attention",
			zap.Int64("stale_pending", backlog.StalePending),
			zap.Int64("failed", backlog.Failed),
			zap.Duration("stale_after", m.cfg.StaleAfter),
		)
	} else {
		m.logger.Debug("outbox backlog empty")
	}

	return backlog, nil
}
