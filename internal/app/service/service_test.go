package service

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally/v4"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"reservation-service/internal/domain"
	"reservation-service/internal/guard"
	"reservation-service/internal/infra/postgres"
	"reservation-service/pkg/locker"
	"reservation-service/pkg/ratelimit"
)

// fakePublisher answers every Publish with a fixed verdict.
type fakePublisher struct {
	mu         sync.Mutex
	published  []*domain.OutboxRecord
	publishErr error
	outcome    error
	hang       bool
}

func (p *fakePublisher) Publish(_ context.Context, r *domain.OutboxRecord) (domain.DeliveryFuture, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.published = append(p.published, r)
	if p.publishErr != nil {
		return nil, p.publishErr
	}

	future := make(chan error, 1)
	if !p.hang {
		future <- p.outcome
	}

	return future, nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.published)
}

type testEnv struct {
	db          *gorm.DB
	publisher   *fakePublisher
	outbox      *OutboxService
	reservation *ReservationService
	fair        *locker.FairLocker
	metrics     tally.TestScope
}

type envOption func(*ReservationConfig, *time.Duration)

func withDeliveryTimeout(d time.Duration) envOption {
	return func(_ *ReservationConfig, timeout *time.Duration) { *timeout = d }
}

func withUserRate(rate int64) envOption {
	return func(cfg *ReservationConfig, _ *time.Duration) { cfg.UserRate.Rate = rate }
}

func withTxTimeout(d time.Duration) envOption {
	return func(cfg *ReservationConfig, _ *time.Duration) { cfg.TxTimeout = d }
}

func setupEnv(t *testing.T, publisher *fakePublisher, opts ...envOption) *testEnv {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), postgres.GormConfig("silent"))
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&postgres.OccupancyModel{}, &postgres.OutboxModel{}))

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	lockCfg := locker.MutexConfig{Prefix: "test", LeaseTime: 5 * time.Second, RetryInterval: 10 * time.Millisecond}
	fair := locker.NewFairLocker(client, locker.FairConfig{MutexConfig: lockCfg, StaleAfter: time.Second}, zap.NewNop())
	metrics := tally.NewTestScope("", nil)

	g := guard.New(guard.Coordinators{
		Lock:        locker.NewMutexLocker(client, lockCfg, zap.NewNop()),
		FairLock:    fair,
		Semaphore:   locker.NewSemaphore(client, "test", 10*time.Millisecond, zap.NewNop()),
		RateLimiter: ratelimit.NewRedisLimiter(client, "test", "node-1", zap.NewNop()),
	}, zap.NewNop(), metrics)

	cfg := ReservationConfig{
		SlotLockWait:          2 * time.Second,
		CancelLockWait:        time.Second,
		UserRate:              ratelimit.Settings{Rate: 100, Interval: time.Minute, BucketLiveTime: time.Hour},
		RestaurantConcurrency: locker.SemaphoreSettings{Capacity: 10, Duration: time.Hour},
		RestaurantWait:        time.Second,
		TxTimeout:             time.Second,
	}
	timeout := time.Second
	for _, opt := range opts {
		opt(&cfg, &timeout)
	}

	tx := postgres.NewTransactor(db)
	outbox := NewOutboxService(tx, postgres.NewOutboxRepository(db), publisher, timeout, zap.NewNop(), metrics)
	reservation, err := NewReservationService(tx, postgres.NewOccupancyRepository(db), outbox, g, cfg, zap.NewNop())
	require.NoError(t, err)

	return &testEnv{
		db:          db,
		publisher:   publisher,
		outbox:      outbox,
		reservation: reservation,
		fair:        fair,
		metrics:     metrics,
	}
}

func (e *testEnv) outboxRows(t *testing.T) []postgres.OutboxModel {
	t.Helper()

	var rows []postgres.OutboxModel
	require.NoError(t, e.db.Order("created_at").Find(&rows).Error)

	return rows
}

func (e *testEnv) occupancyCount(t *testing.T) int64 {
	t.Helper()

	var n int64
	require.NoError(t, e.db.Model(&postgres.OccupancyModel{}).Count(&n).Error)

	return n
}

func occupyCmd(start string) OccupyCommand {
	return OccupyCommand{
		RestaurantID: 1,
		Date:         "2026-03-14",
		StartTime:    start,
		UserID:       "user-1",
		PartySize:    2,
	}
}

func counterValue(s tally.TestScope, key string) int64 {
	if c, ok := s.Snapshot().Counters()[key]; ok {
		return c.Value()
	}

	return 0
}

var errBroker = errors.New("broker unreachable")
