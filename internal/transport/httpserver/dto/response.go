package dto

import (
	"encoding/json"
	"time"

	"reservation-service/internal/app/service"
	"reservation-service/internal/domain"
)

// OccupancyResponse represents a taken slot.
type OccupancyResponse struct {
	ID           string `json:"id"`
	RestaurantID int64  `json:"restaurant_id"`
	Date         string `json:"date"`
	StartTime    string `json:"start_time"`
	UserID       string `json:"user_id"`
	PartySize    int    `json:"party_size"`
	CreatedAt    string `json:"created_at"`
}

// FromOccupancy converts domain.Occupancy to OccupancyResponse.
func FromOccupancy(o *domain.Occupancy) OccupancyResponse {
	return OccupancyResponse{
		ID:           o.ID,
		RestaurantID: o.Slot.RestaurantID,
		Date:         o.Slot.DateString(),
		StartTime:    o.Slot.ClockString(),
		UserID:       o.UserID,
		PartySize:    o.PartySize,
		CreatedAt:    o.CreatedAt.Format(time.RFC3339),
	}
}

// OutboxRecordResponse exposes an outbox record to operators.
type OutboxRecordResponse struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	Payload       json.RawMessage `json:"payload"`
	Status        string          `json:"status"`
	AttemptCount  int             `json:"attempt_count"`
	LastError     string          `json:"last_error,omitempty"`
	CreatedAt     string          `json:"created_at"`
	UpdatedAt     string          `json:"updated_at"`
}

// FromOutboxRecord converts domain.OutboxRecord to OutboxRecordResponse.
func FromOutboxRecord(r *domain.OutboxRecord) OutboxRecordResponse {
	return OutboxRecordResponse{
		ID:            r.ID,
		AggregateType: r.AggregateType,
		AggregateID:   r.AggregateID,
		EventType:     r.EventType,
		EventVersion:  r.EventVersion,
		Payload:       json.RawMessage(r.Payload),
		Status:        string(r.Status),
		AttemptCount:  r.AttemptCount,
		LastError:     r.LastError,
		CreatedAt:     r.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     r.UpdatedAt.Format(time.RFC3339),
	}
}

// BacklogResponse is the result of an on-demand outbox scan.
type BacklogResponse struct {
	StalePending int64 `json:"stale_pending"`
	Failed       int64 `json:"failed"`
}

// FromBacklog converts service.Backlog to BacklogResponse.
func FromBacklog(b service.Backlog) BacklogResponse {
	return BacklogResponse{StalePending: b.StalePending, Failed: b.Failed}
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}
