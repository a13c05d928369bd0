package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"reservation-service/internal/domain"
)

// OutboxRepository implements domain.OutboxRepository using PostgreSQL.
type OutboxRepository struct {
	db *gorm.DB
}

// NewOutboxRepository creates a new outbox repository.
func NewOutboxRepository(db *gorm.DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

// Insert persists the record in the business transaction carried by ctx.
func (r *OutboxRepository) Insert(ctx context.Context, rec *domain.OutboxRecord) error {
	tx, ok := TxFrom(ctx)
	if !ok {
		return domain.ErrNoTransaction
	}

	model := outboxFromDomain(rec)
	if err := tx.WithContext(ctx).Create(model).Error; err != nil {
		return fmt.Errorf("persisting outbox record: %w", err)
	}

	rec.ID = model.ID

	return nil
}

// GetByID retrieves a record without locking it.
func (r *OutboxRepository) GetByID(ctx context.Context, id string) (*domain.OutboxRecord, error) {
	return r.find(conn(ctx, r.db), id)
}

// LockByID retrieves a record with SELECT ... FOR UPDATE. The row stays
// locked until the transaction in ctx ends.
func (r *OutboxRepository) LockByID(ctx context.Context, id string) (*domain.OutboxRecord, error) {
	tx, ok := TxFrom(ctx)
	if !ok {
		return nil, domain.ErrNoTransaction
	}

	return r.find(tx.WithContext(ctx).Clauses(clause.Locking{Strength: clause.LockingStrengthUpdate}), id)
}

// MarkOutcome stores a terminal status and counts the attempt.
func (r *OutboxRepository) MarkOutcome(ctx context.Context, id string, status domain.OutboxStatus, lastError string) error {
	result := conn(ctx, r.db).Model(&OutboxModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":        string(status),
			"last_error":    lastError,
			"attempt_count": gorm.Expr("attempt_count + 1"),
			"updated_at":    time.Now().UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("updating outbox record: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		return domain.ErrOutboxRecordNotFound
	}

	return nil
}

// CountByStatus counts records in status created before olderThan.
func (r *OutboxRepository) CountByStatus(ctx context.Context, status domain.OutboxStatus, olderThan time.Time) (int64, error) {
	var count int64
	err := conn(ctx, r.db).Model(&OutboxModel{}).
		Where("status = ? AND created_at < ?", string(status), olderThan.UTC()).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("counting outbox records: %w", err)
	}

	return count, nil
}

func (r *OutboxRepository) find(db *gorm.DB, id string) (*domain.OutboxRecord, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, domain.ErrOutboxRecordNotFound
	}

	var model OutboxModel
	if err := db.Where("id = ?", id).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrOutboxRecordNotFound
		}

		return nil, fmt.Errorf("getting outbox record: %w", err)
	}

	return model.ToDomain(), nil
}
