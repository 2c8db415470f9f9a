package sql

import (
	"database/sql"
	"errors"
	"slices"

	"github.com/3rs4lg4d0/stockbox/outbox"
	"github.com/3rs4lg4d0/stockbox/stock"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

const (
	checkViolation    = "23514"
	numericOutOfRange = "22003"
)

type scanner interface {
	Scan(dest ...any) error
}

// outboxRow maps an 'outbox' table row.
type outboxRow struct {
	eventID      uuid.UUID
	tenantID     string
	eventType    string
	aggregateID  string
	payload      []byte
	status       string
	attemptCount int
	createdAt    sql.NullTime
	claimedAt    sql.NullTime
	claimedBy    uuid.NullUUID
	publishedAt  sql.NullTime
	lastError    sql.NullString
}

func scanOutboxRow(s scanner) (*outboxRow, error) {
	var r outboxRow
	err := s.Scan(&r.eventID, &r.tenantID, &r.eventType, &r.aggregateID, &r.payload, &r.status,
		&r.attemptCount, &r.createdAt, &r.claimedAt, &r.claimedBy, &r.publishedAt, &r.lastError)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (r *outboxRow) toEvent() *outbox.Event {
	e := &outbox.Event{
		ID:           r.eventID,
		TenantID:     r.tenantID,
		EventType:    r.eventType,
		AggregateID:  r.aggregateID,
		Payload:      r.payload,
		Status:       outbox.Status(r.status),
		AttemptCount: r.attemptCount,
		CreatedAt:    r.createdAt.Time,
		LastError:    r.lastError.String,
	}
	if r.claimedAt.Valid {
		t := r.claimedAt.Time
		e.ClaimedAt = &t
	}
	if r.claimedBy.Valid {
		id := r.claimedBy.UUID
		e.ClaimedBy = &id
	}
	if r.publishedAt.Valid {
		t := r.publishedAt.Time
		e.PublishedAt = &t
	}
	return e
}

func sortEvents(events []*outbox.Event) {
	slices.SortFunc(events, func(a, b *outbox.Event) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return slices.Compare(a.ID[:], b.ID[:])
	})
}

func scanLevel(s scanner) (*stock.Level, error) {
	var l stock.Level
	err := s.Scan(&l.TenantID, &l.ProductID, &l.WarehouseID, &l.Available, &l.Reserved, &l.Version, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// isCheckViolation recognizes CHECK failures from both lib/pq and the pgx
// stdlib driver.
func isCheckViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == checkViolation
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == checkViolation
}

// isOutOfRange recognizes bigint overflows from both drivers.
func isOutOfRange(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == numericOutOfRange
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == numericOutOfRange
}
