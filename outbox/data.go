package outbox

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the delivery state of an outbox event.
type Status string

const (
	StatusPending    Status = "pending"     // waiting to be claimed by a dispatcher
	StatusInProgress Status = "in_progress" // claimed by exactly one dispatcher
	StatusPublished  Status = "published"   // acknowledged by the message bus
	StatusFailed     Status = "failed"      // dead-lettered after too many attempts
)

// Payload is the contract for the business events carried by the outbox.
// Each payload type declares the tag used as its event type.
type Payload interface {
	EventType() string
}

// Event contains all the information stored in the underlying outbox table.
type Event struct {
	ID           uuid.UUID // stable identifier, carried to consumers for deduplication
	TenantID     string
	EventType    string
	AggregateID  string
	Payload      []byte // JSON encoded Payload
	Status       Status
	AttemptCount int
	CreatedAt    time.Time
	ClaimedAt    *time.Time
	ClaimedBy    *uuid.UUID
	PublishedAt  *time.Time
	LastError    string
}

func (e *Event) String() string {
	return fmt.Sprintf("{id=%s, type=%s, aggregate=%s, status=%s, attempts=%d}",
		e.ID, e.EventType, e.AggregateID, e.Status, e.AttemptCount)
}

// Registry maps event types to payload factories so consumers can decode
// events back into their concrete payloads.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]func() Payload
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]func() Payload)}
}

// Register adds a payload factory. The factory must return a pointer.
func (r *Registry) Register(factory func() Payload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[factory().EventType()] = factory
}

// Decode returns the concrete payload of e.
func (r *Registry) Decode(e *Event) (Payload, error) {
	r.mu.RLock()
	factory, ok := r.factories[e.EventType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown event type %q", e.EventType)
	}
	p := factory()
	if err := json.Unmarshal(e.Payload, p); err != nil {
		return nil, fmt.Errorf("could not decode the %s payload: %w", e.EventType, err)
	}
	return p, nil
}
