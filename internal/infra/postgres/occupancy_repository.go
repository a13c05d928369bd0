package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"reservation-service/internal/domain"
)

// OccupancyRepository implements domain.OccupancyRepository using PostgreSQL.
type OccupancyRepository struct {
	db *gorm.DB
}

// NewOccupancyRepository creates a new occupancy repository.
func NewOccupancyRepository(db *gorm.DB) *OccupancyRepository {
	return &OccupancyRepository{db: db}
}

// ExistsForSlot reports whether the slot already has an occupancy.
func (r *OccupancyRepository) ExistsForSlot(ctx context.Context, slot domain.Slot) (bool, error) {
	var count int64
	err := conn(ctx, r.db).Model(&OccupancyModel{}).
		Where("restaurant_id = ? AND slot_date = ? AND start_time = ?",
			slot.RestaurantID, slot.DateString(), slot.ClockString()).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("checking slot occupancy: %w", err)
	}

	return count > 0, nil
}

// Create inserts the occupancy and assigns its ID.
func (r *OccupancyRepository) Create(ctx context.Context, o *domain.Occupancy) error {
	model := occupancyFromDomain(o)

	if err := conn(ctx, r.db).Create(model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return domain.ErrSlotAlreadyOccupied
		}

		return fmt.Errorf("creating occupancy: %w", err)
	}

	o.ID = model.ID
	o.CreatedAt = model.CreatedAt

	return nil
}

// GetByID retrieves an occupancy by its ID.
func (r *OccupancyRepository) GetByID(ctx context.Context, id string) (*domain.Occupancy, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, domain.ErrOccupancyNotFound
	}

	var model OccupancyModel
	err := conn(ctx, r.db).Where("id = ?", id).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrOccupancyNotFound
		}

		return nil, fmt.Errorf("getting occupancy by id: %w", err)
	}

	return model.ToDomain()
}

// Delete removes an occupancy by its ID.
func (r *OccupancyRepository) Delete(ctx context.Context, id string) error {
	result := conn(ctx, r.db).Where("id = ?", id).Delete(&OccupancyModel{})
	if result.Error != nil {
		return fmt.Errorf("deleting occupancy: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		return domain.ErrOccupancyNotFound
	}

	return nil
}
