package pgxv5

import (
	"errors"
	"sort"
	"time"

	"github.com/3rs4lg4d0/stockbox/outbox"
	"github.com/3rs4lg4d0/stockbox/stock"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// checkViolation is the SQLSTATE raised when a CHECK constraint fails.
const checkViolation = "23514"

// numericOutOfRange is the SQLSTATE raised when a bigint overflows.
const numericOutOfRange = "22003"

// outboxRow maps an 'outbox' table row.
type outboxRow struct {
	eventID      uuid.UUID
	tenantID     string
	eventType    string
	aggregateID  string
	payload      []byte
	status       string
	attemptCount int
	createdAt    time.Time
	claimedAt    *time.Time
	claimedBy    uuid.NullUUID
	publishedAt  *time.Time
	lastError    *string
}

func scanOutboxRow(row pgx.Row) (*outboxRow, error) {
	var r outboxRow
	err := row.Scan(&r.eventID, &r.tenantID, &r.eventType, &r.aggregateID, &r.payload, &r.status,
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
		CreatedAt:    r.createdAt,
		ClaimedAt:    r.claimedAt,
		PublishedAt:  r.publishedAt,
	}
	if r.claimedBy.Valid {
		id := r.claimedBy.UUID
		e.ClaimedBy = &id
	}
	if r.lastError != nil {
		e.LastError = *r.lastError
	}
	return e
}

// sortEvents restores the claim order, which RETURNING does not guarantee.
func sortEvents(events []*outbox.Event) {
	sort.Slice(events, func(i, j int) bool {
		if !events[i].CreatedAt.Equal(events[j].CreatedAt) {
			return events[i].CreatedAt.Before(events[j].CreatedAt)
		}
		return events[i].ID.String() < events[j].ID.String()
	})
}

func scanLevel(row pgx.Row) (*stock.Level, error) {
	var l stock.Level
	err := row.Scan(&l.TenantID, &l.ProductID, &l.WarehouseID, &l.Available, &l.Reserved, &l.Version, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func isCheckViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == checkViolation
}

// isOutOfRange recognizes bigint overflows of the quantity arithmetic.
func isOutOfRange(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == numericOutOfRange
}
