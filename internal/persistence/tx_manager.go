package persistence

import (
	"context"

	"gorm.io/gorm"
)

type txKey struct{}

// TxManager wraps GORM's Transaction method. sagacore.Executor uses it (as
// its TxRunner) so a completed step's saga-state write and checkpoint write
// commit in one database transaction; its other saga writes do not go
// through it.
type TxManager struct {
	db *gorm.DB
}

// NewTxManager builds a TxManager over db.
func NewTxManager(db *gorm.DB) *TxManager {
	return &TxManager{db: db}
}

// Transaction runs fn inside a database transaction, injecting the
// transactional *gorm.DB into ctx so Store methods called from within fn
// pick it up via Store.conn instead of using the ambient connection pool.
// fn returning a non-nil error rolls back; nil commits.
func (m *TxManager) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txCtx := context.WithValue(ctx, txKey{}, tx)
		return fn(txCtx)
	})
}
