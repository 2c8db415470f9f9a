// Package outbox implements the transactional outbox: events are stored in
// the same transaction as the business change that produced them and later
// delivered to the message bus by independent dispatchers.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
)

// Outbox is the writer side of the outbox.
type Outbox struct {
	repository Repository
}

func New(r Repository) *Outbox {
	if r == nil || reflect.ValueOf(r).IsNil() {
		panic("you must provide a repository")
	}
	return &Outbox{repository: r}
}

// Append stores a domain event within the business transaction carried by
// ctx. It performs no network call to the message bus.
func (o *Outbox) Append(ctx context.Context, tenantID, aggregateID string, p Payload) (*Event, error) {
	if p == nil {
		return nil, errors.New("the event payload is mandatory")
	}
	if p.EventType() == "" {
		return nil, errors.New("the event type is mandatory")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("could not encode the %s payload: %w", p.EventType(), err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("could not generate the event id: %w", err)
	}

	e := &Event{
		ID:          id,
		TenantID:    tenantID,
		EventType:   p.EventType(),
		AggregateID: aggregateID,
		Payload:     data,
		Status:      StatusPending,
		CreatedAt:   time.Now().UTC(),
	}
	if err := o.repository.Save(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}
