// Package idempotency guarantees that a mutating operation identified by a
// client supplied key runs at most once within a bounded window, replaying
// the recorded response to duplicates.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"time"

	"github.com/3rs4lg4d0/stockbox/coordinator"
	"github.com/3rs4lg4d0/stockbox/logger"
	"github.com/google/uuid"
)

const (
	defaultTTL    = 60 * time.Second
	defaultPrefix = "idempotency:"

	stateInFlight  = "in_flight"
	stateCompleted = "completed"
)

// ErrRequestInFlight is returned when a request with the same key is still
// being processed.
var ErrRequestInFlight = errors.New("a request with the same idempotency key is in progress")

// Snapshot is the recorded outcome of a completed operation.
type Snapshot struct {
	StatusCode int         `json:"status_code"`
	Header     http.Header `json:"header,omitempty"`
	Body       []byte      `json:"body,omitempty"`
}

// cacheable reports whether the snapshot represents a success worth
// replaying. Failures are never recorded.
func (s *Snapshot) cacheable() bool {
	return s != nil && s.StatusCode > 0 && s.StatusCode < http.StatusBadRequest
}

type record struct {
	State    string    `json:"state"`
	Token    string    `json:"token,omitempty"`
	Snapshot *Snapshot `json:"snapshot,omitempty"`
}

// Guard coordinates duplicate requests through a coordinator.Coordinator.
type Guard struct {
	coord  coordinator.Coordinator
	ttl    time.Duration
	prefix string
	logger logger.Logger
}

var _ logger.Loggable = (*Guard)(nil)

// opt allows optional configuration.
type opt func(g *Guard)

// WithTTL sets the lifetime of both the in-flight marker and the recorded
// snapshot.
func WithTTL(ttl time.Duration) opt {
	return func(g *Guard) {
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

// WithLogger allows clients to configure an optional logger.
func WithLogger(l logger.Logger) opt {
	return func(g *Guard) {
		if l != nil {
			g.logger = l
		}
	}
}

func NewGuard(c coordinator.Coordinator, options ...opt) *Guard {
	if c == nil || reflect.ValueOf(c).IsNil() {
		panic("you must provide a coordinator")
	}
	g := &Guard{
		coord:  c,
		ttl:    defaultTTL,
		prefix: defaultPrefix,
		logger: &logger.NopLogger{},
	}
	for _, o := range options {
		o(g)
	}
	return g
}

func (g *Guard) SetLogger(l logger.Logger) {
	if l != nil {
		g.logger = l
	}
}

// TTL returns the configured record lifetime.
func (g *Guard) TTL() time.Duration {
	return g.ttl
}

func (g *Guard) storageKey(scope, key string) string {
	return g.prefix + scope + ":" + key
}

// Do runs fn at most once for the given scope and key. A duplicate of a
// completed call gets the recorded snapshot back with replayed set to true
// and fn is not invoked. A duplicate of a call still running gets
// ErrRequestInFlight. If fn fails, or returns a non cacheable snapshot, the
// marker is removed so a retry starts afresh. The guard fails closed: when
// the coordinator cannot be reached fn is not invoked.
func (g *Guard) Do(ctx context.Context, scope, key string, fn func(ctx context.Context) (*Snapshot, error)) (snap *Snapshot, replayed bool, err error) {
	if key == "" {
		return nil, false, errors.New("idempotency key is empty")
	}
	storage := g.storageKey(scope, key)
	marker, err := json.Marshal(record{State: stateInFlight, Token: uuid.NewString()})
	if err != nil {
		return nil, false, fmt.Errorf("could not encode the in-flight marker: %w", err)
	}

	// a record may vanish between the claim and the read, in which case the
	// claim is attempted once more.
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := g.coord.SetNX(ctx, storage, string(marker), g.ttl)
		if err != nil {
			return nil, false, fmt.Errorf("could not claim the idempotency key: %w", err)
		}
		if ok {
			snap, err := g.execute(ctx, storage, string(marker), fn)
			return snap, false, err
		}

		raw, found, err := g.coord.Get(ctx, storage)
		if err != nil {
			return nil, false, fmt.Errorf("could not read the idempotency record: %w", err)
		}
		if !found {
			continue
		}
		var r record
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, false, fmt.Errorf("could not decode the idempotency record: %w", err)
		}
		if r.State == stateCompleted && r.Snapshot != nil {
			g.logger.Debug(fmt.Sprintf("replaying the recorded response for %s", storage))
			return r.Snapshot, true, nil
		}
		return nil, false, ErrRequestInFlight
	}
	return nil, false, ErrRequestInFlight
}

func (g *Guard) execute(ctx context.Context, storage, marker string, fn func(ctx context.Context) (*Snapshot, error)) (*Snapshot, error) {
	finished := false
	defer func() {
		if !finished {
			g.forget(ctx, storage, marker)
		}
	}()

	snap, err := fn(ctx)
	finished = true
	if err != nil || !snap.cacheable() {
		g.forget(ctx, storage, marker)
		return snap, err
	}

	data, err := json.Marshal(record{State: stateCompleted, Snapshot: snap})
	if err != nil {
		g.forget(ctx, storage, marker)
		g.logger.Error("could not encode the response snapshot", err)
		return snap, nil
	}
	ok, err := g.coord.CompareAndSwap(context.WithoutCancel(ctx), storage, marker, string(data), g.ttl)
	switch {
	case err != nil:
		g.logger.Error(fmt.Sprintf("could not record the response for %s", storage), err)
	case !ok:
		g.logger.Warn(fmt.Sprintf("the in-flight marker for %s expired before completion", storage))
	}
	return snap, nil
}

// forget deletes the in-flight marker if it is still ours.
func (g *Guard) forget(ctx context.Context, storage, marker string) {
	if _, err := g.coord.CompareAndDelete(context.WithoutCancel(ctx), storage, marker); err != nil {
		g.logger.Error(fmt.Sprintf("could not remove the in-flight marker for %s", storage), err)
	}
}
