package gorm

import (
	"context"
	"errors"
	"fmt"

	"github.com/3rs4lg4d0/stockbox/logger"
	"github.com/3rs4lg4d0/stockbox/repository"
	"github.com/3rs4lg4d0/stockbox/stock"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// StockRepository implements stock.Repository with gorm. Levels are read
// with SELECT ... FOR UPDATE and written back in the same transaction.
type StockRepository struct {
	txKey  repository.TxKey
	db     *gorm.DB
	logger logger.Logger
}

var _ logger.Loggable = (*StockRepository)(nil)
var _ stock.Repository = (*StockRepository)(nil)

func NewStockRepository(txKey repository.TxKey, db *gorm.DB) *StockRepository {
	checkMandatory(txKey, db)
	return &StockRepository{
		txKey:  txKey,
		db:     db,
		logger: &logger.NopLogger{},
	}
}

// SetLogger sets an optional logger.
func (r *StockRepository) SetLogger(l logger.Logger) {
	if l != nil {
		r.logger = l
	}
}

func (r *StockRepository) ApplyDelta(ctx context.Context, d stock.Delta) (*stock.Level, error) {
	if tx, ok := ctx.Value(r.txKey).(*gorm.DB); ok {
		return r.applyDelta(tx.WithContext(ctx), d)
	}

	var level *stock.Level
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		level, err = r.applyDelta(tx, d)
		return err
	})
	if err != nil {
		return nil, err
	}
	return level, nil
}

func (r *StockRepository) applyDelta(tx *gorm.DB, d stock.Delta) (*stock.Level, error) {
	// version 0 marks a row that was never written.
	err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&levelRecord{
		TenantID:    d.TenantID,
		ProductID:   d.ProductID,
		WarehouseID: d.WarehouseID,
	}).Error
	if err != nil {
		return nil, fmt.Errorf("could not apply the stock delta: %w", err)
	}

	var current levelRecord
	err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("tenant_id = ? AND product_id = ? AND warehouse_id = ?", d.TenantID, d.ProductID, d.WarehouseID).
		Take(&current).Error
	if err != nil {
		return nil, fmt.Errorf("could not apply the stock delta: %w", err)
	}

	available, reserved, err := d.Apply(current.toLevel())
	if err != nil {
		return nil, err
	}

	var updated levelRecord
	err = tx.Model(&updated).
		Clauses(clause.Returning{}).
		Where("tenant_id = ? AND product_id = ? AND warehouse_id = ?", d.TenantID, d.ProductID, d.WarehouseID).
		Updates(map[string]any{
			"available_quantity": available,
			"reserved_quantity":  reserved,
			"version":            gorm.Expr("version + 1"),
			"updated_at":         gorm.Expr("NOW()"),
		}).Error
	if isCheckViolation(err) {
		return nil, fmt.Errorf("%w: %s", stock.ErrInsufficientStock, d.Key)
	}
	if isOutOfRange(err) {
		return nil, fmt.Errorf("%w: %s", stock.ErrQuantityOutOfRange, d.Key)
	}
	if err != nil {
		return nil, fmt.Errorf("could not apply the stock delta: %w", err)
	}
	return updated.toLevel(), nil
}

func (r *StockRepository) GetLevel(ctx context.Context, k stock.Key) (*stock.Level, error) {
	db := r.db
	if tx, ok := ctx.Value(r.txKey).(*gorm.DB); ok {
		db = tx
	}
	var rec levelRecord
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND product_id = ? AND warehouse_id = ? AND version > 0", k.TenantID, k.ProductID, k.WarehouseID).
		Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, stock.ErrLevelNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("could not read the stock level: %w", err)
	}
	return rec.toLevel(), nil
}
