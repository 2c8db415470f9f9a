package pgxv5

import (
	"context"
	"errors"
	"fmt"

	"github.com/3rs4lg4d0/stockbox/logger"
	"github.com/3rs4lg4d0/stockbox/repository"
	"github.com/3rs4lg4d0/stockbox/stock"
	"github.com/jackc/pgx/v5"
)

const (
	levelColumns = "tenant_id, product_id, warehouse_id, available_quantity, reserved_quantity, version, updated_at"

	// the row is materialized first because CHECK constraints are evaluated
	// against the proposed row of an INSERT ... ON CONFLICT, which would
	// reject negative deltas applied to existing levels.
	ensureLevelSql = "INSERT INTO stock_levels (tenant_id, product_id, warehouse_id, available_quantity, reserved_quantity, version, updated_at) " +
		"VALUES ($1, $2, $3, 0, 0, 0, NOW()) ON CONFLICT (tenant_id, product_id, warehouse_id) DO NOTHING"

	applyDeltaSql = "UPDATE stock_levels SET available_quantity=available_quantity+$4, reserved_quantity=reserved_quantity+$5, " +
		"version=version+1, updated_at=NOW() " +
		"WHERE tenant_id=$1 AND product_id=$2 AND warehouse_id=$3 AND available_quantity+$4 >= 0 AND reserved_quantity+$5 >= 0 " +
		"RETURNING " + levelColumns

	selectLevelForUpdateSql = "SELECT " + levelColumns + " FROM stock_levels WHERE tenant_id=$1 AND product_id=$2 AND warehouse_id=$3 FOR UPDATE"

	setLevelSql = "UPDATE stock_levels SET available_quantity=$4, reserved_quantity=$5, version=version+1, updated_at=NOW() " +
		"WHERE tenant_id=$1 AND product_id=$2 AND warehouse_id=$3 RETURNING " + levelColumns

	getLevelSql = "SELECT " + levelColumns + " FROM stock_levels WHERE tenant_id=$1 AND product_id=$2 AND warehouse_id=$3 AND version > 0"
)

// StockRepository implements stock.Repository on top of a pgx pool.
type StockRepository struct {
	txKey      repository.TxKey
	db         dbpool
	rowLocking bool
	logger     logger.Logger
}

var _ logger.Loggable = (*StockRepository)(nil)
var _ stock.Repository = (*StockRepository)(nil)

// stockOpt allows optional configuration.
type stockOpt func(r *StockRepository)

// WithRowLocking switches to the pessimistic strategy: the row is read with
// SELECT ... FOR UPDATE, the new quantities are computed and written back
// in the same transaction.
func WithRowLocking() stockOpt {
	return func(r *StockRepository) {
		r.rowLocking = true
	}
}

func NewStockRepository(txKey repository.TxKey, pool dbpool, options ...stockOpt) *StockRepository {
	checkMandatory(txKey, pool)
	r := &StockRepository{
		txKey:  txKey,
		db:     pool,
		logger: &logger.NopLogger{},
	}
	for _, o := range options {
		o(r)
	}
	return r
}

// SetLogger sets an optional logger.
func (r *StockRepository) SetLogger(l logger.Logger) {
	if l != nil {
		r.logger = l
	}
}

// ApplyDelta applies d inside the transaction carried by ctx, or inside its
// own transaction when there is none.
func (r *StockRepository) ApplyDelta(ctx context.Context, d stock.Delta) (*stock.Level, error) {
	if tx, ok := ctx.Value(r.txKey).(pgx.Tx); ok {
		return r.applyDelta(ctx, tx, d)
	}

	var level *stock.Level
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		var err error
		level, err = r.applyDelta(ctx, tx, d)
		return err
	})
	if err != nil {
		return nil, err
	}
	return level, nil
}

func (r *StockRepository) applyDelta(ctx context.Context, q querier, d stock.Delta) (*stock.Level, error) {
	if _, err := q.Exec(ctx, ensureLevelSql, d.TenantID, d.ProductID, d.WarehouseID); err != nil {
		return nil, fmt.Errorf("could not apply the stock delta: %w", err)
	}

	var level *stock.Level
	var err error
	if r.rowLocking {
		level, err = r.applyLocked(ctx, q, d)
	} else {
		level, err = scanLevel(q.QueryRow(ctx, applyDeltaSql, d.TenantID, d.ProductID, d.WarehouseID, d.Available, d.Reserved))
		if errors.Is(err, pgx.ErrNoRows) {
			err = fmt.Errorf("%w: %s", stock.ErrInsufficientStock, d.Key)
		}
	}
	if isCheckViolation(err) {
		return nil, fmt.Errorf("%w: %s", stock.ErrInsufficientStock, d.Key)
	}
	if isOutOfRange(err) {
		return nil, fmt.Errorf("%w: %s", stock.ErrQuantityOutOfRange, d.Key)
	}
	if err != nil && !errors.Is(err, stock.ErrInsufficientStock) && !errors.Is(err, stock.ErrQuantityOutOfRange) {
		return nil, fmt.Errorf("could not apply the stock delta: %w", err)
	}
	return level, err
}

func (r *StockRepository) applyLocked(ctx context.Context, q querier, d stock.Delta) (*stock.Level, error) {
	current, err := scanLevel(q.QueryRow(ctx, selectLevelForUpdateSql, d.TenantID, d.ProductID, d.WarehouseID))
	if err != nil {
		return nil, err
	}
	available, reserved, err := d.Apply(current)
	if err != nil {
		return nil, err
	}
	return scanLevel(q.QueryRow(ctx, setLevelSql, d.TenantID, d.ProductID, d.WarehouseID, available, reserved))
}

// GetLevel reads the level for k, inside the transaction carried by ctx if
// there is one.
func (r *StockRepository) GetLevel(ctx context.Context, k stock.Key) (*stock.Level, error) {
	var q querier = r.db
	if tx, ok := ctx.Value(r.txKey).(pgx.Tx); ok {
		q = tx
	}
	level, err := scanLevel(q.QueryRow(ctx, getLevelSql, k.TenantID, k.ProductID, k.WarehouseID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, stock.ErrLevelNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("could not read the stock level: %w", err)
	}
	return level, nil
}
