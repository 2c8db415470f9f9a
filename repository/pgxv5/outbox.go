package pgxv5

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/3rs4lg4d0/stockbox/logger"
	"github.com/3rs4lg4d0/stockbox/outbox"
	"github.com/3rs4lg4d0/stockbox/repository"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const (
	outboxColumns = "event_id, tenant_id, event_type, aggregate_id, payload, status, attempt_count, created_at, claimed_at, claimed_by, published_at, last_error"

	insertOutboxSql = "INSERT INTO outbox (event_id, tenant_id, event_type, aggregate_id, payload, status, attempt_count, created_at) VALUES ($1, $2, $3, $4, $5, 'pending', 0, $6)"

	claimOutboxSql = "UPDATE outbox SET status='in_progress', claimed_at=NOW(), claimed_by=$2 " +
		"WHERE event_id IN (SELECT event_id FROM outbox WHERE status='pending' ORDER BY created_at, event_id LIMIT $1 FOR UPDATE SKIP LOCKED) " +
		"AND status='pending' RETURNING " + outboxColumns

	markPublishedSql = "UPDATE outbox SET status='published', published_at=NOW() WHERE event_id=$1 AND status='in_progress' AND claimed_by=$2"

	markFailedSql = "UPDATE outbox SET status=CASE WHEN $3::int > 0 AND attempt_count+1 >= $3::int THEN 'failed' ELSE 'pending' END, " +
		"attempt_count=attempt_count+1, claimed_at=NULL, last_error=$4 " +
		"WHERE event_id=$1 AND status='in_progress' AND claimed_by=$2 RETURNING status"

	reclaimStaleSql = "UPDATE outbox SET status='pending', claimed_at=NULL WHERE status='in_progress' AND claimed_at < NOW() - $1::float8 * INTERVAL '1 second'"
)

// OutboxRepository implements outbox.Repository on top of a pgx pool.
type OutboxRepository struct {
	txKey  repository.TxKey
	db     dbpool
	logger logger.Logger
}

var _ logger.Loggable = (*OutboxRepository)(nil)
var _ outbox.Repository = (*OutboxRepository)(nil)

func NewOutboxRepository(txKey repository.TxKey, pool dbpool) *OutboxRepository {
	checkMandatory(txKey, pool)
	return &OutboxRepository{
		txKey:  txKey,
		db:     pool,
		logger: &logger.NopLogger{},
	}
}

// SetLogger sets an optional logger.
func (r *OutboxRepository) SetLogger(l logger.Logger) {
	if l != nil {
		r.logger = l
	}
}

// Save persists an outbox event in the same provided business transaction
// that should be present in the context. The expected transaction should
// implement pgx.Tx interface.
func (r *OutboxRepository) Save(ctx context.Context, e *outbox.Event) error {
	tx, ok := ctx.Value(r.txKey).(pgx.Tx)
	if !ok {
		return fmt.Errorf("could not persist the outbox event: %w", repository.ErrTxNotFound)
	}
	_, err := tx.Exec(ctx, insertOutboxSql, e.ID, e.TenantID, e.EventType, e.AggregateID, e.Payload, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("could not persist the outbox event: %w", err)
	}

	return nil
}

// Claim moves up to limit pending events to in_progress in a single
// statement. Rows locked by a concurrent claim are skipped.
func (r *OutboxRepository) Claim(ctx context.Context, dispatcherID uuid.UUID, limit int) ([]*outbox.Event, error) {
	rows, err := r.db.Query(ctx, claimOutboxSql, limit, dispatcherID)
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

func (r *OutboxRepository) MarkPublished(ctx context.Context, id, dispatcherID uuid.UUID) error {
	ct, err := r.db.Exec(ctx, markPublishedSql, id, dispatcherID)
	if err != nil {
		return fmt.Errorf("could not mark the event as published: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return outbox.ErrStaleClaim
	}
	return nil
}

func (r *OutboxRepository) MarkFailed(ctx context.Context, id, dispatcherID uuid.UUID, cause string, maxAttempts int) (outbox.Status, error) {
	var status string
	err := r.db.QueryRow(ctx, markFailedSql, id, dispatcherID, maxAttempts, cause).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", outbox.ErrStaleClaim
	}
	if err != nil {
		return "", fmt.Errorf("could not record the failed attempt: %w", err)
	}
	return outbox.Status(status), nil
}

func (r *OutboxRepository) ReclaimStale(ctx context.Context, staleAfter time.Duration) (int64, error) {
	ct, err := r.db.Exec(ctx, reclaimStaleSql, staleAfter.Seconds())
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}
