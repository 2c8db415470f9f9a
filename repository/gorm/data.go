package gorm

import (
	"database/sql"
	"errors"
	"slices"
	"time"

	"github.com/3rs4lg4d0/stockbox/outbox"
	"github.com/3rs4lg4d0/stockbox/stock"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// outboxRecord maps the 'outbox' table.
type outboxRecord struct {
	EventID      uuid.UUID     `gorm:"column:event_id;primaryKey"`
	TenantID     string        `gorm:"column:tenant_id"`
	EventType    string        `gorm:"column:event_type"`
	AggregateID  string        `gorm:"column:aggregate_id"`
	Payload      []byte        `gorm:"column:payload"`
	Status       string        `gorm:"column:status"`
	AttemptCount int           `gorm:"column:attempt_count"`
	CreatedAt    time.Time     `gorm:"column:created_at"`
	ClaimedAt    sql.NullTime  `gorm:"column:claimed_at"`
	ClaimedBy    uuid.NullUUID `gorm:"column:claimed_by"`
	PublishedAt  sql.NullTime  `gorm:"column:published_at"`
	LastError    *string       `gorm:"column:last_error"`
}

func (outboxRecord) TableName() string { return "outbox" }

func newOutboxRecord(e *outbox.Event) *outboxRecord {
	return &outboxRecord{
		EventID:     e.ID,
		TenantID:    e.TenantID,
		EventType:   e.EventType,
		AggregateID: e.AggregateID,
		Payload:     e.Payload,
		Status:      string(outbox.StatusPending),
		CreatedAt:   e.CreatedAt,
	}
}

func (r *outboxRecord) toEvent() *outbox.Event {
	e := &outbox.Event{
		ID:           r.EventID,
		TenantID:     r.TenantID,
		EventType:    r.EventType,
		AggregateID:  r.AggregateID,
		Payload:      r.Payload,
		Status:       outbox.Status(r.Status),
		AttemptCount: r.AttemptCount,
		CreatedAt:    r.CreatedAt,
	}
	if r.ClaimedAt.Valid {
		t := r.ClaimedAt.Time
		e.ClaimedAt = &t
	}
	if r.ClaimedBy.Valid {
		id := r.ClaimedBy.UUID
		e.ClaimedBy = &id
	}
	if r.PublishedAt.Valid {
		t := r.PublishedAt.Time
		e.PublishedAt = &t
	}
	if r.LastError != nil {
		e.LastError = *r.LastError
	}
	return e
}

// levelRecord maps the 'stock_levels' table.
type levelRecord struct {
	TenantID          string    `gorm:"column:tenant_id;primaryKey"`
	ProductID         string    `gorm:"column:product_id;primaryKey"`
	WarehouseID       string    `gorm:"column:warehouse_id;primaryKey"`
	AvailableQuantity int64     `gorm:"column:available_quantity"`
	ReservedQuantity  int64     `gorm:"column:reserved_quantity"`
	Version           int64     `gorm:"column:version"`
	UpdatedAt         time.Time `gorm:"column:updated_at"`
}

func (levelRecord) TableName() string { return "stock_levels" }

func (r *levelRecord) toLevel() *stock.Level {
	return &stock.Level{
		Key: stock.Key{
			TenantID:    r.TenantID,
			ProductID:   r.ProductID,
			WarehouseID: r.WarehouseID,
		},
		Available: r.AvailableQuantity,
		Reserved:  r.ReservedQuantity,
		Version:   r.Version,
		UpdatedAt: r.UpdatedAt,
	}
}

func toEvents(records []outboxRecord) []*outbox.Event {
	events := make([]*outbox.Event, 0, len(records))
	for i := range records {
		events = append(events, records[i].toEvent())
	}
	slices.SortFunc(events, func(a, b *outbox.Event) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return slices.Compare(a.ID[:], b.ID[:])
	})
	return events
}

func isCheckViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23514"
}

func isOutOfRange(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "22003"
}
