package postgres

import (
	"context"

	"gorm.io/gorm"
)

type txKey struct{}

// Transactor implements domain.Transactor on top of gorm. The open
// transaction is stored in the context handed to the callback.
type Transactor struct {
	db *gorm.DB
}

// NewTransactor creates a transactor for db.
func NewTransactor(db *gorm.DB) *Transactor {
	return &Transactor{db: db}
}

// WithinTx runs fn in a transaction. When ctx already carries one, fn joins
// it and the outer caller decides about commit.
func (t *Transactor) WithinTx(ctx context.Context, fn func(txCtx context.Context) error) error {
	if _, ok := TxFrom(ctx); ok {
		return fn(ctx)
	}

	return t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}

// InTx reports whether ctx carries a transaction.
func (t *Transactor) InTx(ctx context.Context) bool {
	_, ok := TxFrom(ctx)
	return ok
}

// TxFrom returns the transaction carried by ctx.
func TxFrom(ctx context.Context) (*gorm.DB, bool) {
	tx, ok := ctx.Value(txKey{}).(*gorm.DB)
	return tx, ok
}

// conn returns the transaction in ctx, or db bound to ctx.
func conn(ctx context.Context, db *gorm.DB) *gorm.DB {
	if tx, ok := TxFrom(ctx); ok {
		return tx.WithContext(ctx)
	}

	return db.WithContext(ctx)
}
