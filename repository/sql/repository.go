package sql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/3rs4lg4d0/stockbox/logger"
	"github.com/3rs4lg4d0/stockbox/outbox"
	"github.com/3rs4lg4d0/stockbox/repository"
	"github.com/3rs4lg4d0/stockbox/stock"
	"github.com/google/uuid"
)

const raNotSupported string = "RowsAffected not supported"

const (
	outboxColumns = "event_id, tenant_id, event_type, aggregate_id, payload, status, attempt_count, created_at, claimed_at, claimed_by, published_at, last_error"
	levelColumns  = "tenant_id, product_id, warehouse_id, available_quantity, reserved_quantity, version, updated_at"

	insertOutboxSql = "INSERT INTO outbox (event_id, tenant_id, event_type, aggregate_id, payload, status, attempt_count, created_at) VALUES (?, ?, ?, ?, ?, 'pending', 0, ?)"
	claimOutboxSql  = "UPDATE outbox SET status='in_progress', claimed_at=NOW(), claimed_by=? " +
		"WHERE event_id IN (SELECT event_id FROM outbox WHERE status='pending' ORDER BY created_at, event_id LIMIT ? FOR UPDATE SKIP LOCKED) " +
		"AND status='pending' RETURNING " + outboxColumns
	markPublishedSql = "UPDATE outbox SET status='published', published_at=NOW() WHERE event_id=? AND status='in_progress' AND claimed_by=?"
	markFailedSql    = "UPDATE outbox SET status=CASE WHEN CAST(? AS INTEGER) > 0 AND attempt_count+1 >= CAST(? AS INTEGER) THEN 'failed' ELSE 'pending' END, " +
		"attempt_count=attempt_count+1, claimed_at=NULL, last_error=? " +
		"WHERE event_id=? AND status='in_progress' AND claimed_by=? RETURNING status"
	reclaimStaleSql = "UPDATE outbox SET status='pending', claimed_at=NULL WHERE status='in_progress' AND claimed_at < NOW() - CAST(? AS DOUBLE PRECISION) * INTERVAL '1 second'"

	ensureLevelSql = "INSERT INTO stock_levels (tenant_id, product_id, warehouse_id, available_quantity, reserved_quantity, version, updated_at) " +
		"VALUES (?, ?, ?, 0, 0, 0, NOW()) ON CONFLICT (tenant_id, product_id, warehouse_id) DO NOTHING"
	applyDeltaSql = "UPDATE stock_levels SET available_quantity=available_quantity+?, reserved_quantity=reserved_quantity+?, " +
		"version=version+1, updated_at=NOW() " +
		"WHERE tenant_id=? AND product_id=? AND warehouse_id=? AND available_quantity+? >= 0 AND reserved_quantity+? >= 0 " +
		"RETURNING " + levelColumns
	getLevelSql = "SELECT " + levelColumns + " FROM stock_levels WHERE tenant_id=? AND product_id=? AND warehouse_id=? AND version > 0"
)

// queries holds the statements in the placeholder style of the driver.
type queries struct {
	insertOutbox  string
	claimOutbox   string
	markPublished string
	markFailed    string
	reclaimStale  string
	ensureLevel   string
	applyDelta    string
	getLevel      string
}

func newQueries(useDollar bool) queries {
	q := queries{
		insertOutbox:  insertOutboxSql,
		claimOutbox:   claimOutboxSql,
		markPublished: markPublishedSql,
		markFailed:    markFailedSql,
		reclaimStale:  reclaimStaleSql,
		ensureLevel:   ensureLevelSql,
		applyDelta:    applyDeltaSql,
		getLevel:      getLevelSql,
	}
	if useDollar {
		q.insertOutbox = convertToDollarPlaceholder(q.insertOutbox)
		q.claimOutbox = convertToDollarPlaceholder(q.claimOutbox)
		q.markPublished = convertToDollarPlaceholder(q.markPublished)
		q.markFailed = convertToDollarPlaceholder(q.markFailed)
		q.reclaimStale = convertToDollarPlaceholder(q.reclaimStale)
		q.ensureLevel = convertToDollarPlaceholder(q.ensureLevel)
		q.applyDelta = convertToDollarPlaceholder(q.applyDelta)
		q.getLevel = convertToDollarPlaceholder(q.getLevel)
	}
	return q
}

// Repository implements outbox.Repository, stock.Repository and
// repository.TxManager on top of database/sql. Transactions travel in the
// context as *sql.Tx.
type Repository struct {
	txKey  repository.TxKey
	db     *sql.DB
	q      queries
	logger logger.Logger
}

var _ logger.Loggable = (*Repository)(nil)
var _ outbox.Repository = (*Repository)(nil)
var _ stock.Repository = (*Repository)(nil)
var _ repository.TxManager = (*Repository)(nil)

// New creates a Repository. Set useDollar for drivers that expect $n
// placeholders, like lib/pq or pgx stdlib.
func New(txKey repository.TxKey, db *sql.DB, useDollar bool) *Repository {
	if txKey == nil {
		panic("txKey is mandatory")
	}
	if db == nil {
		panic("db is mandatory")
	}

	return &Repository{
		txKey:  txKey,
		db:     db,
		q:      newQueries(useDollar),
		logger: &logger.NopLogger{},
	}
}

// SetLogger sets an optional logger.
func (r *Repository) SetLogger(l logger.Logger) {
	if l != nil {
		r.logger = l
	}
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r *Repository) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(r.txKey).(*sql.Tx); ok {
		return fn(ctx)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin the transaction: %w", err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			r.logger.Error("could not rollback the transaction", rbErr)
		}
	}()

	if err := fn(context.WithValue(ctx, r.txKey, tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("could not commit the transaction: %w", err)
	}
	committed = true
	return nil
}

// Save persist an outbox event in the same provided business transaction
// that should be present in the context. The expected transaction should
// be a pointer to an instance of sql.Tx.
func (r *Repository) Save(ctx context.Context, e *outbox.Event) error {
	tx, ok := ctx.Value(r.txKey).(*sql.Tx)
	if !ok {
		return fmt.Errorf("could not persist the outbox event: %w", repository.ErrTxNotFound)
	}
	_, err := tx.ExecContext(ctx, r.q.insertOutbox, e.ID, e.TenantID, e.EventType, e.AggregateID, e.Payload, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("could not persist the outbox event: %w", err)
	}

	return nil
}

func (r *Repository) Claim(ctx context.Context, dispatcherID uuid.UUID, limit int) ([]*outbox.Event, error) {
	rows, err := r.db.QueryContext(ctx, r.q.claimOutbox, dispatcherID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*outbox.Event
	for rows.Next() {
		row, err := scanOutboxRow(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, row.toEvent())
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortEvents(events)
	return events, nil
}

func (r *Repository) MarkPublished(ctx context.Context, id, dispatcherID uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, r.q.markPublished, id, dispatcherID)
	if err != nil {
		return fmt.Errorf("could not mark the event as published: %w", err)
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return errors.New(raNotSupported)
	}
	if ra == 0 {
		return outbox.ErrStaleClaim
	}
	return nil
}

func (r *Repository) MarkFailed(ctx context.Context, id, dispatcherID uuid.UUID, cause string, maxAttempts int) (outbox.Status, error) {
	var status string
	err := r.db.QueryRowContext(ctx, r.q.markFailed, maxAttempts, maxAttempts, cause, id, dispatcherID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", outbox.ErrStaleClaim
	}
	if err != nil {
		return "", fmt.Errorf("could not record the failed attempt: %w", err)
	}
	return outbox.Status(status), nil
}

func (r *Repository) ReclaimStale(ctx context.Context, staleAfter time.Duration) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.q.reclaimStale, staleAfter.Seconds())
	if err != nil {
		return 0, err
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return 0, errors.New(raNotSupported)
	}
	return ra, nil
}

func (r *Repository) ApplyDelta(ctx context.Context, d stock.Delta) (*stock.Level, error) {
	var level *stock.Level
	err := r.WithTx(ctx, func(ctx context.Context) error {
		var err error
		level, err = r.applyDelta(ctx, ctx.Value(r.txKey).(*sql.Tx), d)
		return err
	})
	if err != nil {
		return nil, err
	}
	return level, nil
}

func (r *Repository) applyDelta(ctx context.Context, q querier, d stock.Delta) (*stock.Level, error) {
	if _, err := q.ExecContext(ctx, r.q.ensureLevel, d.TenantID, d.ProductID, d.WarehouseID); err != nil {
		return nil, fmt.Errorf("could not apply the stock delta: %w", err)
	}
	level, err := scanLevel(q.QueryRowContext(ctx, r.q.applyDelta,
		d.Available, d.Reserved, d.TenantID, d.ProductID, d.WarehouseID, d.Available, d.Reserved))
	if errors.Is(err, sql.ErrNoRows) || isCheckViolation(err) {
		return nil, fmt.Errorf("%w: %s", stock.ErrInsufficientStock, d.Key)
	}
	if isOutOfRange(err) {
		return nil, fmt.Errorf("%w: %s", stock.ErrQuantityOutOfRange, d.Key)
	}
	if err != nil {
		return nil, fmt.Errorf("could not apply the stock delta: %w", err)
	}
	return level, nil
}

func (r *Repository) GetLevel(ctx context.Context, k stock.Key) (*stock.Level, error) {
	var q querier = r.db
	if tx, ok := ctx.Value(r.txKey).(*sql.Tx); ok {
		q = tx
	}
	level, err := scanLevel(q.QueryRowContext(ctx, r.q.getLevel, k.TenantID, k.ProductID, k.WarehouseID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, stock.ErrLevelNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("could not read the stock level: %w", err)
	}
	return level, nil
}

// convertToDollarPlaceholder rewrites '?' placeholders as $1, $2, ...
func convertToDollarPlaceholder(query string) string {
	var b strings.Builder
	count := 0
	for _, c := range query {
		if c == '?' {
			count++
			fmt.Fprintf(&b, "$%d", count)
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}
