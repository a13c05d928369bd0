package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"reservation-service/internal/domain"
	"reservation-service/internal/guard"
	"reservation-service/pkg/locker"
	"reservation-service/pkg/ratelimit"
)

// ErrWriteTimeout is returned when a guarded write outlives its budget. Locks
// are not renewed, so the budget keeps the write inside the lease.
var ErrWriteTimeout = errors.New("reservation write exceeded its time budget")

// ReservationConfig tunes the guards around slot occupancy.
type ReservationConfig struct {
	// SlotLockWait bounds the wait for the per-slot fair lock.
	SlotLockWait time.Duration
	// CancelLockWait bounds the wait for the per-occupancy lock on cancel.
	CancelLockWait time.Duration
	// UserRate limits occupy attempts per user.
	UserRate ratelimit.Settings
	// RestaurantConcurrency caps concurrent occupy calls per restaurant.
	RestaurantConcurrency locker.SemaphoreSettings
	RestaurantWait        time.Duration
	// TxTimeout bounds the transaction run under the guards. It must stay
	// below the lock lease. Zero leaves it unbounded.
	TxTimeout time.Duration
}

// OccupyCommand asks for one slot.
type OccupyCommand struct {
	RestaurantID int64
	Date         string // 2006-01-02
	StartTime    string // 15:04
	UserID       string
	PartySize    int
}

// CancelCommand gives up an occupancy.
type CancelCommand struct {
	OccupancyID string
	UserID      string
}

// ReservationService occupies and releases restaurant slots.
type ReservationService struct {
	tx     domain.Transactor
	repo   domain.OccupancyRepository
	outbox *OutboxService
	guard  *guard.Guard
	logger *zap.Logger

	occupyRules []*guard.Rule
	cancelRule  *guard.Rule
	txTimeout   time.Duration
}

// NewReservationService creates a new ReservationService.
func NewReservationService(
	tx domain.Transactor,
	repo domain.OccupancyRepository,
	outbox *OutboxService,
	g *guard.Guard,
	cfg ReservationConfig,
	logger *zap.Logger,
) (*ReservationService, error) {
	decls := []guard.Declaration{
		{
			Kind:      guard.KindRateLimiter,
			Key:       "reservation:user:{{.userId}}",
			RateLimit: cfg.UserRate,
		},
		{
			Kind:      guard.KindSemaphore,
			Key:       "reservation:restaurant:{{.restaurantId}}",
			WaitTime:  cfg.RestaurantWait,
			Semaphore: cfg.RestaurantConcurrency,
		},
		{
			Kind:     guard.KindFairLock,
			Key:      "reservation:slot:{{.restaurantId}}:{{date .date}}:{{clock .startTime}}",
			WaitTime: cfg.SlotLockWait,
		},
	}

	rules := make([]*guard.Rule, 0, len(decls))
	for _, d := range decls {
		r, err := guard.Compile(d)
		if err != nil {
			return nil, fmt.Errorf("compiling occupy guard: %w", err)
		}
		rules = append(rules, r)
	}

	cancelRule, err := guard.Compile(guard.Declaration{
		Kind:     guard.KindLock,
		Key:      "reservation:occupancy:{{.occupancyId}}",
		WaitTime: cfg.CancelLockWait,
	})
	if err != nil {
		return nil, fmt.Errorf("compiling cancel guard: %w", err)
	}

	return &ReservationService{
		tx:          tx,
		repo:        repo,
		outbox:      outbox,
		guard:       g,
		logger:      logger,
		occupyRules: rules,
		cancelRule:  cancelRule,
		txTimeout:   cfg.TxTimeout,
	}, nil
}

// Occupy books a slot for a user.
//
// The user's rate limit, the restaurant's concurrency permit and the slot's
// fair lock are taken in that order and released on return. The occupancy
// and its SlotOccupied record are written in one transaction; the event is
// delivered after commit and a delivery problem never fails the call.
func (s *ReservationService) Occupy(ctx context.Context, cmd OccupyCommand) (*domain.Occupancy, error) {
	slot, err := domain.ParseSlot(cmd.RestaurantID, cmd.Date, cmd.StartTime)
	if err != nil {
		return nil, err
	}

	args := guard.Args{
		"userId":       cmd.UserID,
		"restaurantId": slot.RestaurantID,
		"date":         slot.Date,
		"startTime":    slot.StartTime,
	}

	var (
		occupancy *domain.Occupancy
		recordID  string
	)

	err = s.guard.Chain(ctx, s.occupyRules, args, func(ctx context.Context) error {
		return s.withinTx(ctx, func(txCtx context.Context) error {
			taken, err := s.repo.ExistsForSlot(txCtx, slot)
			if err != nil {
				return err
			}
			if taken {
				return domain.ErrSlotAlreadyOccupied
			}

			o := domain.NewOccupancy(slot, cmd.UserID, cmd.PartySize)
			if err := s.repo.Create(txCtx, o); err != nil {
				return err
			}

			rec, err := s.outbox.Record(txCtx, o.OccupiedEvent())
			if err != nil {
				return err
			}

			occupancy, recordID = o, rec.ID
			return nil
		})
	})
	if err != nil {
		s.logger.Info("occupy rejected",
			zap.String("slot", slot.String()),
			zap.String("user_id", cmd.UserID),
			zap.Error(err),
		)
		return nil, err
	}

	s.logger.Info("slot occupied",
		zap.String("occupancy_id", occupancy.ID),
		zap.String("slot", slot.String()),
		zap.String("user_id", cmd.UserID),
	)

	s.deliver(ctx, recordID)

	return occupancy, nil
}

// Cancel releases an occupancy. Only its occupant may cancel it.
func (s *ReservationService) Cancel(ctx context.Context, cmd CancelCommand) error {
	var recordID string

	err := s.guard.Do(ctx, s.cancelRule, guard.Args{"occupancyId": cmd.OccupancyID}, func(ctx context.Context) error {
		return s.withinTx(ctx, func(txCtx context.Context) error {
			o, err := s.repo.GetByID(txCtx, cmd.OccupancyID)
			if err != nil {
				return err
			}
			if o.UserID != cmd.UserID {
				return domain.ErrNotOccupant
			}

			if err := s.repo.Delete(txCtx, o.ID); err != nil {
				return err
			}

			rec, err := s.outbox.Record(txCtx, o.ReleasedEvent(time.Now().UTC()))
			if err != nil {
				return err
			}

			recordID = rec.ID
			return nil
		})
	})
	if err != nil {
		return err
	}

	s.logger.Info("occupancy cancelled",
		zap.String("occupancy_id", cmd.OccupancyID),
		zap.String("user_id", cmd.UserID),
	)

	s.deliver(ctx, recordID)

	return nil
}

// Get returns an occupancy by ID.
func (s *ReservationService) Get(ctx context.Context, id string) (*domain.Occupancy, error) {
	return s.repo.GetByID(ctx, id)
}

// withinTx runs fn in a transaction capped by txTimeout.
func (s *ReservationService) withinTx(ctx context.Context, fn func(txCtx context.Context) error) error {
	if s.txTimeout <= 0 {
		return s.tx.WithinTx(ctx, fn)
	}

	txCtx, cancel := context.WithTimeout(ctx, s.txTimeout)
	defer cancel()

	err := s.tx.WithinTx(txCtx, fn)
	if err != nil && ctx.Err() == nil && errors.Is(txCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", ErrWriteTimeout, s.txTimeout)
	}
	return err
}

// deliver runs after commit. The business write already succeeded, so a
// failure here only delays downstream consumers.
func (s *ReservationService) deliver(ctx context.Context, recordID string) {
	if err := s.outbox.Deliver(context.WithoutCancel(ctx), recordID); err != nil {
		s.logger.Error("post-commit delivery failed",
			zap.String("record_id", recordID),
			zap.Error(err),
		)
	}
}
