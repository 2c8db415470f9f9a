package gorm

import (
	"context"

	"github.com/3rs4lg4d0/stockbox/repository"
	"gorm.io/gorm"
)

// TxManager runs functions inside a gorm transaction stored in the context
// under txKey.
type TxManager struct {
	txKey repository.TxKey
	db    *gorm.DB
}

var _ repository.TxManager = (*TxManager)(nil)

func NewTxManager(txKey repository.TxKey, db *gorm.DB) *TxManager {
	checkMandatory(txKey, db)
	return &TxManager{txKey: txKey, db: db}
}

func (m *TxManager) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(m.txKey).(*gorm.DB); ok {
		return fn(ctx)
	}
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, m.txKey, tx))
	})
}

func checkMandatory(txKey repository.TxKey, db *gorm.DB) {
	if txKey == nil {
		panic("txKey is mandatory")
	}
	if db == nil {
		panic("db is mandatory")
	}
}
