package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reservation-service/internal/domain"
	"reservation-service/internal/guard"
	"reservation-service/pkg/locker"
)

func TestReservationService_Occupy(t *testing.T) {
	env := setupEnv(t, &fakePublisher{})

	o, err := env.reservation.Occupy(context.Background(), occupyCmd("19:30"))
	require.NoError(t, err)
	assert.NotEmpty(t, o.ID)
	assert.Equal(t, "1/2026-03-14/19:30", o.Slot.String())

	rows := env.outboxRows(t)
	require.Len(t, rows, 1)
	assert.Equal(t, "SlotOccupied", rows[0].EventType)
	assert.Equal(t, "1:2026-03-14:19:30", rows[0].AggregateID)
	assert.Equal(t, string(domain.OutboxDelivered), rows[0].Status)

	var payload domain.SlotOccupied
	require.NoError(t, json.Unmarshal(rows[0].Payload, &payload))
	assert.Equal(t, o.ID, payload.OccupancyID)

	require.Equal(t, 1, env.publisher.count())
	assert.Equal(t, rows[0].ID, env.publisher.published[0].ID)
}

func TestReservationService_Occupy_SlotAlreadyOccupied(t *testing.T) {
	env := setupEnv(t, &fakePublisher{})
	ctx := context.Background()

	_, err := env.reservation.Occupy(ctx, occupyCmd("19:30"))
	require.NoError(t, err)

	second := occupyCmd("19:30")
	second.UserID = "user-2"
	_, err = env.reservation.Occupy(ctx, second)

	assert.ErrorIs(t, err, domain.ErrSlotAlreadyOccupied)
	assert.NotErrorIs(t, err, guard.ErrContention, "a taken slot is not contention")
	assert.Equal(t, int64(1), env.occupancyCount(t))
	assert.Len(t, env.outboxRows(t), 1, "the rejected attempt records no event")
}

func TestReservationService_Occupy_InvalidSlot(t *testing.T) {
	env := setupEnv(t, &fakePublisher{})

	cmd := occupyCmd("7pm")
	_, err := env.reservation.Occupy(context.Background(), cmd)

	assert.ErrorIs(t, err, domain.ErrInvalidSlot)
	assert.Zero(t, env.occupancyCount(t))
}

// TestReservationService_Occupy_DeliveryFaultKeepsBusinessWrite verifies a
// broker fault after commit marks the record FAILED and keeps the occupancy
func TestReservationService_Occupy_DeliveryFaultKeepsBusinessWrite(t *testing.T) {
	env := setupEnv(t, &fakePublisher{outcome: &domain.DeliveryError{Err: errBroker}})

	o, err := env.reservation.Occupy(context.Background(), occupyCmd("19:30"))
	require.NoError(t, err, "delivery faults are invisible to the caller")

	stored, err := env.reservation.Get(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, o.ID, stored.ID)

	rows := env.outboxRows(t)
	require.Len(t, rows, 1)
	assert.Equal(t, string(domain.OutboxFailed), rows[0].Status)
	assert.Equal(t, 1, rows[0].AttemptCount)
}

func TestReservationService_Occupy_UnexpectedDeliveryErrorLeavesPending(t *testing.T) {
	env := setupEnv(t, &fakePublisher{publishErr: errors.New("message rejected")})

	_, err := env.reservation.Occupy(context.Background(), occupyCmd("19:30"))
	require.NoError(t, err)

	rows := env.outboxRows(t)
	require.Len(t, rows, 1)
	assert.Equal(t, string(domain.OutboxPending), rows[0].Status)
	assert.Zero(t, rows[0].AttemptCount)
	assert.Equal(t, int64(1), counterValue(env.metrics, "outbox.unexpected+"))
}

func TestReservationService_Occupy_SlotLocked(t *testing.T) {
	env := setupEnv(t, &fakePublisher{})

	holder := locker.NewScope(context.Background())
	ok, err := env.fair.TryLock(holder, "reservation:slot:1:2026-03-14:19:30", 0)
	require.NoError(t, err)
	require.True(t, ok)
	defer func() { _ = env.fair.Unlock(holder, "reservation:slot:1:2026-03-14:19:30") }()

	env.reservation.occupyRules[2] = guard.MustCompile(guard.Declaration{
		Kind:     guard.KindFairLock,
		Key:      "reservation:slot:{{.restaurantId}}:{{date .date}}:{{clock .startTime}}",
		WaitTime: 0,
	})

	_, err = env.reservation.Occupy(context.Background(), occupyCmd("19:30"))

	var ce *guard.ContentionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, guard.KindFairLock, ce.Kind)
	assert.Zero(t, env.occupancyCount(t))
}

func TestReservationService_Occupy_UserRateLimited(t *testing.T) {
	env := setupEnv(t, &fakePublisher{}, withUserRate(1))
	ctx := context.Background()

	_, err := env.reservation.Occupy(ctx, occupyCmd("19:30"))
	require.NoError(t, err)

	_, err = env.reservation.Occupy(ctx, occupyCmd("20:00"))

	var ce *guard.ContentionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, guard.KindRateLimiter, ce.Kind)

	other := occupyCmd("20:00")
	other.UserID = "user-2"
	_, err = env.reservation.Occupy(ctx, other)
	assert.NoError(t, err, "the limit is per user")
}

// TestReservationService_Occupy_Race verifies concurrent requests for one
// slot produce exactly one occupancy
func TestReservationService_Occupy_WriteOutlivesBudget(t *testing.T) {
	env := setupEnv(t, &fakePublisher{}, withTxTimeout(50*time.Millisecond))

	// The only pooled connection is taken, so the write cannot begin.
	blocker := env.db.Begin()
	require.NoError(t, blocker.Error)

	_, err := env.reservation.Occupy(context.Background(), occupyCmd("19:30"))
	require.NoError(t, blocker.Rollback().Error)

	assert.ErrorIs(t, err, ErrWriteTimeout)
	assert.NotErrorIs(t, err, context.DeadlineExceeded, "the caller's context is still live")
	assert.Zero(t, env.occupancyCount(t))

	_, err = env.reservation.Occupy(context.Background(), occupyCmd("19:30"))
	assert.NoError(t, err, "the slot guards were released")
}

func TestReservationService_Occupy_Race(t *testing.T) {
	env := setupEnv(t, &fakePublisher{})

	const contenders = 5

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		rejected  int
	)

	start := make(chan struct{})
	for i := range contenders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start

			cmd := occupyCmd("19:30")
			cmd.UserID = "user-" + string(rune('a'+i))
			_, err := env.reservation.Occupy(context.Background(), cmd)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, domain.ErrSlotAlreadyOccupied), errors.Is(err, guard.ErrContention):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, contenders-1, rejected)
	assert.Equal(t, int64(1), env.occupancyCount(t))
	assert.Len(t, env.outboxRows(t), 1)
}

func TestReservationService_Cancel(t *testing.T) {
	env := setupEnv(t, &fakePublisher{})
	ctx := context.Background()

	o, err := env.reservation.Occupy(ctx, occupyCmd("19:30"))
	require.NoError(t, err)

	err = env.reservation.Cancel(ctx, CancelCommand{OccupancyID: o.ID, UserID: "intruder"})
	assert.ErrorIs(t, err, domain.ErrNotOccupant)

	require.NoError(t, env.reservation.Cancel(ctx, CancelCommand{OccupancyID: o.ID, UserID: "user-1"}))

	_, err = env.reservation.Get(ctx, o.ID)
	assert.ErrorIs(t, err, domain.ErrOccupancyNotFound)

	rows := env.outboxRows(t)
	require.Len(t, rows, 2)
	assert.Equal(t, "SlotReleased", rows[1].EventType)
	assert.Equal(t, rows[0].AggregateID, rows[1].AggregateID)
	assert.Equal(t, string(domain.OutboxDelivered), rows[1].Status)

	// the slot is free again
	_, err = env.reservation.Occupy(ctx, occupyCmd("19:30"))
	assert.NoError(t, err)
}

func TestReservationService_Cancel_Unknown(t *testing.T) {
	env := setupEnv(t, &fakePublisher{})

	err := env.reservation.Cancel(context.Background(), CancelCommand{
		OccupancyID: "0b8f0a1e-2c3d-4e5f-8a9b-0c1d2e3f4a5b",
		UserID:      "user-1",
	})

	assert.ErrorIs(t, err, domain.ErrOccupancyNotFound)
	assert.Empty(t, env.outboxRows(t))
}
