package domain

import (
	"context"
	"time"
)

// Transactor runs a function inside a database transaction. The
// transaction travels in the context passed to fn; repositories called with
// that context join it.
// Implementations: internal/infra/postgres/tx.go
type Transactor interface {
	// WithinTx commits when fn returns nil and rolls back otherwise.
	WithinTx(ctx context.Context, fn func(txCtx context.Context) error) error

	// InTx reports whether ctx carries an open transaction.
	InTx(ctx context.Context) bool
}

// OccupancyRepository persists slot occupancies.
// Implementations: internal/infra/postgres/occupancy_repository.go
type OccupancyRepository interface {
	// ExistsForSlot reports whether the slot already has an occupancy.
	ExistsForSlot(ctx context.Context, slot Slot) (bool, error)

	// Create inserts o and assigns its ID. A second occupancy for the same
	// slot fails with ErrSlotAlreadyOccupied.
	Create(ctx context.Context, o *Occupancy) error

	// GetByID returns ErrOccupancyNotFound when id does not exist.
	GetByID(ctx context.Context, id string) (*Occupancy, error)

	// Delete removes the occupancy.
	Delete(ctx context.Context, id string) error
}

// OutboxRepository persists outbox records.
// Implementations: internal/infra/postgres/outbox_repository.go
type OutboxRepository interface {
	// Insert stores r in the transaction carried by ctx and assigns its ID.
	// Without a transaction it fails with ErrNoTransaction.
	Insert(ctx context.Context, r *OutboxRecord) error

	// GetByID returns ErrOutboxRecordNotFound when id does not exist.
	GetByID(ctx context.Context, id string) (*OutboxRecord, error)

	// LockByID loads the record and locks its row until the transaction in
	// ctx ends.
	LockByID(ctx context.Context, id string) (*OutboxRecord, error)

	// MarkOutcome moves the record to a terminal status and counts the attempt.
	MarkOutcome(ctx context.Context, id string, status OutboxStatus, lastError string) error

	// CountByStatus counts records in status created before olderThan.
	CountByStatus(ctx context.Context, status OutboxStatus, olderThan time.Time) (int64, error)
}

// EventPublisher sends outbox records to the message broker.
// Implementations: internal/infra/kafka/emitter.go
type EventPublisher interface {
	// Publish enqueues r. A returned error means the broker client rejected
	// the message outright; otherwise the outcome arrives on the future.
	Publish(ctx context.Context, r *OutboxRecord) (DeliveryFuture, error)
}
