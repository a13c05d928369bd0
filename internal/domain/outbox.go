package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// OutboxStatus is the delivery state of an outbox record.
//
//	PENDING ──ack──────────────────▶ DELIVERED
//	   └────delivery fault/timeout──▶ FAILED
//
// Both end states are terminal.
type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "PENDING"
	OutboxDelivered OutboxStatus = "DELIVERED"
	OutboxFailed    OutboxStatus = "FAILED"
)

// Terminal reports whether no further transition is allowed.
func (s OutboxStatus) Terminal() bool {
	return s == OutboxDelivered || s == OutboxFailed
}

var (
	ErrOutboxRecordNotFound = errors.New("outbox record not found")
	// ErrNoTransaction is returned when an outbox record is written outside
	// of a business transaction.
	ErrNoTransaction = errors.New("outbox record must be written inside a transaction")
	// ErrInTransaction is returned when delivery is attempted before the
	// transaction that recorded the event has finished.
	ErrInTransaction = errors.New("outbox record must be delivered outside of a transaction")
)

// OutboxRecord is an event waiting to be delivered. It is written in the
// same transaction as the state change it describes and is never deleted.
type OutboxRecord struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	EventVersion  int
	Payload       []byte
	Status        OutboxStatus
	AttemptCount  int
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NewOutboxRecord serializes e into a pending record.
func NewOutboxRecord(e Event) (*OutboxRecord, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", e.EventType(), err)
	}

	now := time.Now().UTC()

	return &OutboxRecord{
		AggregateType: e.AggregateType(),
		AggregateID:   e.AggregateID(),
		EventType:     e.EventType(),
		EventVersion:  e.EventVersion(),
		Payload:       payload,
		Status:        OutboxPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// DeliveryFuture yields exactly one value: nil once the broker acknowledged
// the message, or the delivery error.
type DeliveryFuture <-chan error

// DeliveryError is a recoverable broker-side failure: the message may not
// have reached the broker, and the record is marked FAILED.
type DeliveryError struct {
	Err error
}

func (e *DeliveryError) Error() string {
	return "delivery failed: " + e.Err.Error()
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}
