package gorm

import (
	"context"
	"fmt"
	"time"

	"github.com/3rs4lg4d0/stockbox/logger"
	"github.com/3rs4lg4d0/stockbox/outbox"
	"github.com/3rs4lg4d0/stockbox/repository"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	claimOutboxSql = "UPDATE outbox SET status='in_progress', claimed_at=NOW(), claimed_by=? " +
		"WHERE event_id IN (SELECT event_id FROM outbox WHERE status='pending' ORDER BY created_at, event_id LIMIT ? FOR UPDATE SKIP LOCKED) " +
		"AND status='pending' RETURNING *"
	markPublishedSql = "UPDATE outbox SET status='published', published_at=NOW() WHERE event_id=? AND status='in_progress' AND claimed_by=?"
	markFailedSql    = "UPDATE outbox SET status=CASE WHEN ?::int > 0 AND attempt_count+1 >= ?::int THEN 'failed' ELSE 'pending' END, " +
		"attempt_count=attempt_count+1, claimed_at=NULL, last_error=? " +
		"WHERE event_id=? AND status='in_progress' AND claimed_by=? RETURNING status"
	reclaimStaleSql = "UPDATE outbox SET status='pending', claimed_at=NULL WHERE status='in_progress' AND claimed_at < NOW() - CAST(? AS DOUBLE PRECISION) * INTERVAL '1 second'"
)

// OutboxRepository implements outbox.Repository with gorm.
type OutboxRepository struct {
	txKey  repository.TxKey
	db     *gorm.DB
	logger logger.Logger
}

var _ logger.Loggable = (*OutboxRepository)(nil)
var _ outbox.Repository = (*OutboxRepository)(nil)

func NewOutboxRepository(txKey repository.TxKey, db *gorm.DB) *OutboxRepository {
	checkMandatory(txKey, db)
	return &OutboxRepository{
		txKey:  txKey,
		db:     db,
		logger: &logger.NopLogger{},
	}
}

// SetLogger sets an optional logger.
func (r *OutboxRepository) SetLogger(l logger.Logger) {
	if l != nil {
		r.logger = l
	}
}

// Save persist an outbox event in the same provided business transaction
// that should be present in the context. The expected transaction should
// be a pointer to an instance of gorm.DB.
func (r *OutboxRepository) Save(ctx context.Context, e *outbox.Event) error {
	tx, ok := ctx.Value(r.txKey).(*gorm.DB)
	if !ok {
		return fmt.Errorf("could not persist the outbox event: %w", repository.ErrTxNotFound)
	}
	err := tx.WithContext(ctx).Create(newOutboxRecord(e)).Error
	if err != nil {
		return fmt.Errorf("could not persist the outbox event: %w", err)
	}

	return nil
}

func (r *OutboxRepository) Claim(ctx context.Context, dispatcherID uuid.UUID, limit int) ([]*outbox.Event, error) {
	var records []outboxRecord
	err := r.db.WithContext(ctx).Raw(claimOutboxSql, dispatcherID, limit).Scan(&records).Error
	if err != nil {
		return nil, err
	}
	return toEvents(records), nil
}

func (r *OutboxRepository) MarkPublished(ctx context.Context, id, dispatcherID uuid.UUID) error {
	res := r.db.WithContext(ctx).Exec(markPublishedSql, id, dispatcherID)
	if res.Error != nil {
		return fmt.Errorf("could not mark the event as published: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return outbox.ErrStaleClaim
	}
	return nil
}

func (r *OutboxRepository) MarkFailed(ctx context.Context, id, dispatcherID uuid.UUID, cause string, maxAttempts int) (outbox.Status, error) {
	var status string
	res := r.db.WithContext(ctx).Raw(markFailedSql, maxAttempts, maxAttempts, cause, id, dispatcherID).Scan(&status)
	if res.Error != nil {
		return "", fmt.Errorf("could not record the failed attempt: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return "", outbox.ErrStaleClaim
	}
	return outbox.Status(status), nil
}

func (r *OutboxRepository) ReclaimStale(ctx context.Context, staleAfter time.Duration) (int64, error) {
	res := r.db.WithContext(ctx).Exec(reclaimStaleSql, staleAfter.Seconds())
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		r.logger.Debug(fmt.Sprintf("%d stale claims returned to pending", res.RowsAffected))
	}
	return res.RowsAffected, nil
}
