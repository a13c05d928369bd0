package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reservation-service/internal/domain"
	"reservation-service/internal/infra/postgres"
)

func recordEvent(t *testing.T, env *testEnv) *domain.OutboxRecord {
	t.Helper()

	slot, err := domain.ParseSlot(1, "2026-03-14", "19:30")
	require.NoError(t, err)
	o := domain.NewOccupancy(slot, "user-1", 2)
	o.ID = "occ-1"

	var rec *domain.OutboxRecord
	err = postgres.NewTransactor(env.db).WithinTx(context.Background(), func(txCtx context.Context) error {
		var err error
		rec, err = env.outbox.Record(txCtx, o.OccupiedEvent())
		return err
	})
	require.NoError(t, err)

	return rec
}

func TestOutboxService_RecordRequiresTransaction(t *testing.T) {
	env := setupEnv(t, &fakePublisher{})

	slot, _ := domain.ParseSlot(1, "2026-03-14", "19:30")
	_, err := env.outbox.Record(context.Background(), domain.NewOccupancy(slot, "u", 1).OccupiedEvent())

	assert.ErrorIs(t, err, domain.ErrNoTransaction)
	assert.Empty(t, env.outboxRows(t))
}

func TestOutboxService_RecordRollsBackWithTransaction(t *testing.T) {
	env := setupEnv(t, &fakePublisher{})
	boom := errors.New("business rule failed")

	err := postgres.NewTransactor(env.db).WithinTx(context.Background(), func(txCtx context.Context) error {
		slot, _ := domain.ParseSlot(1, "2026-03-14", "19:30")
		_, err := env.outbox.Record(txCtx, domain.NewOccupancy(slot, "u", 1).OccupiedEvent())
		require.NoError(t, err)
		return boom
	})

	require.ErrorIs(t, err, boom)
	assert.Empty(t, env.outboxRows(t), "a rolled back transaction leaves no outbox record")
}

func TestOutboxService_DeliverOutcomes(t *testing.T) {
	testcases := []struct {
		name        string
		publisher   *fakePublisher
		wantErr     bool
		wantStatus  domain.OutboxStatus
		wantAttempt int
		wantLastErr string
	}{
		{
			name:        "acknowledged",
			publisher:   &fakePublisher{},
			wantStatus:  domain.OutboxDelivered,
			wantAttempt: 1,
		},
		{
			name:        "delivery fault from the future",
			publisher:   &fakePublisher{outcome: &domain.DeliveryError{Err: errBroker}},
			wantStatus:  domain.OutboxFailed,
			wantAttempt: 1,
			wantLastErr: errBroker.Error(),
		},
		{
			name:        "delivery fault on enqueue",
			publisher:   &fakePublisher{publishErr: &domain.DeliveryError{Err: errBroker}},
			wantStatus:  domain.OutboxFailed,
			wantAttempt: 1,
			wantLastErr: errBroker.Error(),
		},
		{
			name:        "acknowledgement timeout",
			publisher:   &fakePublisher{hang: true},
			wantStatus:  domain.OutboxFailed,
			wantAttempt: 1,
			wantLastErr: ErrDeliveryTimeout.Error(),
		},
		{
			name:       "unexpected error",
			publisher:  &fakePublisher{publishErr: errors.New("message rejected")},
			wantErr:    true,
			wantStatus: domain.OutboxPending,
		},
		{
			name:       "unexpected error from the future",
			publisher:  &fakePublisher{outcome: errors.New("message rejected")},
			wantErr:    true,
			wantStatus: domain.OutboxPending,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			env := setupEnv(t, tc.publisher, withDeliveryTimeout(50*time.Millisecond))
			rec := recordEvent(t, env)

			err := env.outbox.Deliver(context.Background(), rec.ID)
			if tc.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}

			got, err := env.outbox.Get(context.Background(), rec.ID)
			require.NoError(t, err)
			assert.Equal(t, tc.wantStatus, got.Status)
			assert.Equal(t, tc.wantAttempt, got.AttemptCount)
			assert.Contains(t, got.LastError, tc.wantLastErr)
		})
	}
}

func TestOutboxService_DeliverCancelledMarksFailed(t *testing.T) {
	env := setupEnv(t, &fakePublisher{hang: true})
	rec := recordEvent(t, env)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	require.NoError(t, env.outbox.Deliver(ctx, rec.ID))

	got, err := env.outbox.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OutboxFailed, got.Status)
	assert.Contains(t, got.LastError, context.DeadlineExceeded.Error())
}

func TestOutboxService_DeliverSettledIsNoop(t *testing.T) {
	env := setupEnv(t, &fakePublisher{})
	rec := recordEvent(t, env)

	require.NoError(t, env.outbox.Deliver(context.Background(), rec.ID))
	require.NoError(t, env.outbox.Deliver(context.Background(), rec.ID))

	got, err := env.outbox.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OutboxDelivered, got.Status)
	assert.Equal(t, 1, got.AttemptCount, "a settled record is never published again")
	assert.Equal(t, 1, env.publisher.count())
}

func TestOutboxService_DeliverUnknownRecord(t *testing.T) {
	env := setupEnv(t, &fakePublisher{})

	err := env.outbox.Deliver(context.Background(), "6d1f0e4a-9b1c-4d6e-8f3a-2b7c9d0e1f2a")
	assert.ErrorIs(t, err, domain.ErrOutboxRecordNotFound)
	assert.Zero(t, env.publisher.count())
}

func TestOutboxService_Backlog(t *testing.T) {
	env := setupEnv(t, &fakePublisher{outcome: &domain.DeliveryError{Err: errBroker}})

	failed := recordEvent(t, env)
	require.NoError(t, env.outbox.Deliver(context.Background(), failed.ID))
	recordEvent(t, env)

	backlog, err := env.outbox.Backlog(context.Background(), time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, Backlog{StalePending: 1, Failed: 1}, backlog)

	backlog, err = env.outbox.Backlog(context.Background(), time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(0), backlog.StalePending)
}

func TestOutboxService_Metrics(t *testing.T) {
	env := setupEnv(t, &fakePublisher{})
	rec := recordEvent(t, env)
	require.NoError(t, env.outbox.Deliver(context.Background(), rec.ID))

	assert.Equal(t, int64(1), counterValue(env.metrics, "outbox.recorded+"))
	assert.Equal(t, int64(1), counterValue(env.metrics, "outbox.delivered+"))
	assert.Equal(t, int64(0), counterValue(env.metrics, "outbox.failed+"))
}

func TestOutboxService_DeliverInsideTransactionIsRejected(t *testing.T) {
	env := setupEnv(t, &fakePublisher{})
	ctx := context.Background()

	var rec *domain.OutboxRecord
	err := postgres.NewTransactor(env.db).WithinTx(ctx, func(txCtx context.Context) error {
		slot, _ := domain.ParseSlot(1, "2026-03-14", "19:30")

		var err error
		rec, err = env.outbox.Record(txCtx, domain.NewOccupancy(slot, "u", 1).OccupiedEvent())
		require.NoError(t, err)

		return env.outbox.Deliver(txCtx, rec.ID)
	})

	require.ErrorIs(t, err, domain.ErrInTransaction)
	assert.Zero(t, env.publisher.count(), "nothing is published before commit")
	assert.Empty(t, env.outboxRows(t), "the failed call rolled the transaction back")
}
