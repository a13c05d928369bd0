package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/uber-go/tally/v4"
	"go.uber.org/zap"

	"reservation-service/internal/domain"
)

// DefaultDeliveryTimeout bounds the wait for a broker acknowledgement.
const DefaultDeliveryTimeout = 10 * time.Second

// ErrDeliveryTimeout is recorded when the broker does not acknowledge in time.
var ErrDeliveryTimeout = errors.New("delivery acknowledgement timed out")

// OutboxService records domain events next to business writes and delivers
// them once those writes are committed.
type OutboxService struct {
	tx              domain.Transactor
	repo            domain.OutboxRepository
	publisher       domain.EventPublisher
	deliveryTimeout time.Duration
	logger          *zap.Logger

	recorded   tally.Counter
	delivered  tally.Counter
	failed     tally.Counter
	unexpected tally.Counter
}

// NewOutboxService creates a new OutboxService. A non-positive
// deliveryTimeout falls back to DefaultDeliveryTimeout.
func NewOutboxService(
	tx domain.Transactor,
	repo domain.OutboxRepository,
	publisher domain.EventPublisher,
	deliveryTimeout time.Duration,
	logger *zap.Logger,
	metrics tally.Scope,
) *OutboxService {
	if deliveryTimeout <= 0 {
		deliveryTimeout = DefaultDeliveryTimeout
	}
	if metrics == nil {
		metrics = tally.NoopScope
	}
	scope := metrics.SubScope("outbox")

	return &OutboxService{
		tx:              tx,
		repo:            repo,
		publisher:       publisher,
		deliveryTimeout: deliveryTimeout,
		logger:          logger,
		recorded:        scope.Counter("recorded"),
		delivered:       scope.Counter("delivered"),
		failed:          scope.Counter("failed"),
		unexpected:      scope.Counter("unexpected"),
	}
}

// Record stores e as a PENDING record. txCtx must carry the business
// transaction; the record commits or rolls back with it.
func (s *OutboxService) Record(txCtx context.Context, e domain.Event) (*domain.OutboxRecord, error) {
	rec, err := domain.NewOutboxRecord(e)
	if err != nil {
		return nil, err
	}

	if err := s.repo.Insert(txCtx, rec); err != nil {
		return nil, err
	}

	s.recorded.Inc(1)
	s.logger.Debug("outbox record stored",
		zap.String("record_id", rec.ID),
		zap.String("event_type", rec.EventType),
		zap.String("aggregate_id", rec.AggregateID),
	)

	return rec, nil
}

// Deliver publishes a PENDING record and stores the outcome. Call it only
// after the transaction that recorded it has committed.
//
// The row is locked in a transaction of its own that outlives ctx. An
// acknowledgement marks it DELIVERED. A *domain.DeliveryError, a timeout or
// cancellation of ctx marks it FAILED and is not returned. Any other error
// rolls back, leaves the record PENDING and is returned. Records that are
// already terminal are left alone. A ctx that still carries a transaction is
// rejected with domain.ErrInTransaction.
func (s *OutboxService) Deliver(ctx context.Context, id string) error {
	if s.tx.InTx(ctx) {
		return domain.ErrInTransaction
	}

	err := s.tx.WithinTx(context.WithoutCancel(ctx), func(txCtx context.Context) error {
		rec, err := s.repo.LockByID(txCtx, id)
		if err != nil {
			return err
		}

		if rec.Status.Terminal() {
			s.logger.Debug("outbox record already settled",
				zap.String("record_id", id),
				zap.String("status", string(rec.Status)),
			)
			return nil
		}

		deliveryErr := s.publish(ctx, rec)

		var de *domain.DeliveryError
		switch {
		case deliveryErr == nil:
			if err := s.repo.MarkOutcome(txCtx, id, domain.OutboxDelivered, ""); err != nil {
				return err
			}
			s.delivered.Inc(1)
			return nil

		case errors.As(deliveryErr, &de):
			if err := s.repo.MarkOutcome(txCtx, id, domain.OutboxFailed, de.Err.Error()); err != nil {
				return err
			}
			s.failed.Inc(1)
			s.logger.Warn("outbox delivery failed",
				zap.String("record_id", id),
				zap.String("event_type", rec.EventType),
				zap.Error(de.Err),
			)
			return nil

		default:
			return deliveryErr
		}
	})
	if err != nil && !errors.Is(err, domain.ErrOutboxRecordNotFound) {
		s.unexpected.Inc(1)
		s.logger.Error("outbox delivery aborted", zap.String("record_id", id), zap.Error(err))
	}

	return err
}

// publish hands the record to the broker and waits for its verdict. Timeouts
// and cancellation come back as *domain.DeliveryError.
func (s *OutboxService) publish(ctx context.Context, rec *domain.OutboxRecord) error {
	future, err := s.publisher.Publish(ctx, rec)
	if err != nil {
		return err
	}

	timer := time.NewTimer(s.deliveryTimeout)
	defer timer.Stop()

	select {
	case err := <-future:
		return err
	case <-timer.C:
		return &domain.DeliveryError{Err: fmt.Errorf("%w after %s", ErrDeliveryTimeout, s.deliveryTimeout)}
	case <-ctx.Done():
		return &domain.DeliveryError{Err: ctx.Err()}
	}
}

// Get returns a record by ID.
func (s *OutboxService) Get(ctx context.Context, id string) (*domain.OutboxRecord, error) {
	return s.repo.GetByID(ctx, id)
}

// Backlog summarizes records that need an operator's attention.
type Backlog struct {
	StalePending int64
	Failed       int64
}

// Backlog counts PENDING records created before staleBefore and all FAILED
// records.
func (s *OutboxService) Backlog(ctx context.Context, staleBefore time.Time) (Backlog, error) {
	pending, err := s.repo.CountByStatus(ctx, domain.OutboxPending, staleBefore)
	if err != nil {
		return Backlog{}, err
	}

	failed, err := s.repo.CountByStatus(ctx, domain.OutboxFailed, time.Now())
	if err != nil {
		return Backlog{}, err
	}

	return Backlog{StalePending: pending, Failed: failed}, nil
}
