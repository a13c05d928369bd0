package postgres

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"reservation-service/internal/domain"
)

// OccupancyModel is the GORM model for the slot_occupancies table. The
// composite unique index is the last line of defence against double booking.
type OccupancyModel struct {
	ID           string    `gorm:"type:uuid;primaryKey"`
	RestaurantID int64     `gorm:"not null;uniqueIndex:uq_slot_occupancy"`
	SlotDate     string    `gorm:"type:varchar(10);not null;uniqueIndex:uq_slot_occupancy"`
	StartTime    string    `gorm:"type:varchar(5);not null;uniqueIndex:uq_slot_occupancy"`
	UserID       string    `gorm:"type:varchar(64);not null;index"`
	PartySize    int       `gorm:"not null"`
	CreatedAt    time.Time `gorm:"autoCreateTime"`
}

// TableName returns the table name for OccupancyModel.
func (OccupancyModel) TableName() string {
	return "slot_occupancies"
}

func (m *OccupancyModel) BeforeCreate(*gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}

	return nil
}

// ToDomain converts OccupancyModel to domain.Occupancy.
func (m *OccupancyModel) ToDomain() (*domain.Occupancy, error) {
	slot, err := domain.ParseSlot(m.RestaurantID, m.SlotDate, m.StartTime)
	if err != nil {
		return nil, err
	}

	return &domain.Occupancy{
		ID:        m.ID,
		Slot:      slot,
		UserID:    m.UserID,
		PartySize: m.PartySize,
		CreatedAt: m.CreatedAt,
	}, nil
}

func occupancyFromDomain(o *domain.Occupancy) *OccupancyModel {
	return &OccupancyModel{
		ID:           o.ID,
		RestaurantID: o.Slot.RestaurantID,
		SlotDate:     o.Slot.DateString(),
		StartTime:    o.Slot.ClockString(),
		UserID:       o.UserID,
		PartySize:    o.PartySize,
		CreatedAt:    o.CreatedAt,
	}
}

// OutboxModel is the GORM model for the outbox_records table.
type OutboxModel struct {
	ID            string    `gorm:"type:uuid;primaryKey"`
	AggregateType string    `gorm:"type:varchar(100);not null"`
	AggregateID   string    `gorm:"type:varchar(255);not null;index"`
	EventType     string    `gorm:"type:varchar(100);not null"`
	EventVersion  int       `gorm:"not null"`
	Payload       []byte    `gorm:"type:jsonb;not null"`
	Status        string    `gorm:"type:varchar(20);not null;index:idx_outbox_status_created,priority:1"`
	AttemptCount  int       `gorm:"not null;default:0"`
	LastError     string    `gorm:"type:text"`
	CreatedAt     time.Time `gorm:"not null;index:idx_outbox_status_created,priority:2"`
	UpdatedAt     time.Time `gorm:"not null"`
}

// TableName returns the table name for OutboxModel.
func (OutboxModel) TableName() string {
	return "outbox_records"
}

func (m *OutboxModel) BeforeCreate(*gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}

	return nil
}

// ToDomain converts OutboxModel to domain.OutboxRecord.
func (m *OutboxModel) ToDomain() *domain.OutboxRecord {
	return &domain.OutboxRecord{
		ID:            m.ID,
		AggregateType: m.AggregateType,
		AggregateID:   m.AggregateID,
		EventType:     m.EventType,
		EventVersion:  m.EventVersion,
		Payload:       m.Payload,
		Status:        domain.OutboxStatus(m.Status),
		AttemptCount:  m.AttemptCount,
		LastError:     m.LastError,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

func outboxFromDomain(r *domain.OutboxRecord) *OutboxModel {
	return &OutboxModel{
		ID:            r.ID,
		AggregateType: r.AggregateType,
		AggregateID:   r.AggregateID,
		EventType:     r.EventType,
		EventVersion:  r.EventVersion,
		Payload:       r.Payload,
		Status:        string(r.Status),
		AttemptCount:  r.AttemptCount,
		LastError:     r.LastError,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}
