// Package memory provides an in-process store implementing the outbox and
// stock repositories with the same semantics as the SQL drivers. It is meant
// for tests and local runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/3rs4lg4d0/stockbox/logger"
	"github.com/3rs4lg4d0/stockbox/outbox"
	"github.com/3rs4lg4d0/stockbox/repository"
	"github.com/3rs4lg4d0/stockbox/stock"
	"github.com/google/uuid"
)

// Store keeps outbox events and stock levels in maps. Transactions are
// serialized: a transaction holds txMu from begin to commit, so its staged
// writes cannot conflict with another one.
type Store struct {
	txKey  repository.TxKey
	txMu   sync.Mutex
	mu     sync.Mutex
	events map[uuid.UUID]*outbox.Event
	levels map[stock.Key]*stock.Level
	now    func() time.Time
	logger logger.Logger
}

var _ outbox.Repository = (*Store)(nil)
var _ stock.Repository = (*Store)(nil)
var _ repository.TxManager = (*Store)(nil)
var _ logger.Loggable = (*Store)(nil)

// tx stages the writes of a transaction until commit.
type tx struct {
	events []*outbox.Event
	levels map[stock.Key]*stock.Level
}

func New(txKey repository.TxKey) *Store {
	if txKey == nil {
		panic("txKey is mandatory")
	}
	return &Store{
		txKey:  txKey,
		events: make(map[uuid.UUID]*outbox.Event),
		levels: make(map[stock.Key]*stock.Level),
		now:    time.Now,
		logger: &logger.NopLogger{},
	}
}

// WithClock replaces the time source.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	return s
}

// SetLogger sets an optional logger.
func (s *Store) SetLogger(l logger.Logger) {
	if l != nil {
		s.logger = l
	}
}

func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(s.txKey).(*tx); ok {
		return fn(ctx)
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	t := &tx{levels: make(map[stock.Key]*stock.Level)}
	if err := fn(context.WithValue(ctx, s.txKey, t)); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("could not commit the transaction: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range t.events {
		s.events[e.ID] = e
	}
	for k, l := range t.levels {
		s.levels[k] = l
	}
	return nil
}

// Save stages an outbox event in the transaction carried by ctx.
func (s *Store) Save(ctx context.Context, e *outbox.Event) error {
	t, ok := ctx.Value(s.txKey).(*tx)
	if !ok {
		return fmt.Errorf("could not persist the outbox event: %w", repository.ErrTxNotFound)
	}
	s.mu.Lock()
	_, exists := s.events[e.ID]
	s.mu.Unlock()
	if exists {
		return fmt.Errorf("could not persist the outbox event: duplicated id %s", e.ID)
	}
	c := *e
	c.Status = outbox.StatusPending
	t.events = append(t.events, &c)
	return nil
}

func (s *Store) Claim(ctx context.Context, dispatcherID uuid.UUID, limit int) ([]*outbox.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []*outbox.Event
	for _, e := range s.events {
		if e.Status == outbox.StatusPending {
			pending = append(pending, e)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if !pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].CreatedAt.Before(pending[j].CreatedAt)
		}
		return pending[i].ID.String() < pending[j].ID.String()
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}

	now := s.now()
	claimed := make([]*outbox.Event, 0, len(pending))
	for _, e := range pending {
		by := dispatcherID
		e.Status = outbox.StatusInProgress
		e.ClaimedAt = &now
		e.ClaimedBy = &by
		claimed = append(claimed, copyEvent(e))
	}
	return claimed, nil
}

func (s *Store) MarkPublished(ctx context.Context, id, dispatcherID uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.claimedBy(id, dispatcherID)
	if !ok {
		return outbox.ErrStaleClaim
	}
	now := s.now()
	e.Status = outbox.StatusPublished
	e.PublishedAt = &now
	return nil
}

func (s *Store) MarkFailed(ctx context.Context, id, dispatcherID uuid.UUID, cause string, maxAttempts int) (outbox.Status, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.claimedBy(id, dispatcherID)
	if !ok {
		return "", outbox.ErrStaleClaim
	}
	e.AttemptCount++
	e.ClaimedAt = nil
	e.LastError = cause
	if maxAttempts > 0 && e.AttemptCount >= maxAttempts {
		e.Status = outbox.StatusFailed
	} else {
		e.Status = outbox.StatusPending
	}
	return e.Status, nil
}

func (s *Store) ReclaimStale(ctx context.Context, staleAfter time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	olderThan := s.now().Add(-staleAfter)
	var n int64
	for _, e := range s.events {
		if e.Status == outbox.StatusInProgress && e.ClaimedAt != nil && e.ClaimedAt.Before(olderThan) {
			e.Status = outbox.StatusPending
			e.ClaimedAt = nil
			n++
		}
	}
	return n, nil
}

// Events returns a copy of every stored event, oldest first.
func (s *Store) Events() []*outbox.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := make([]*outbox.Event, 0, len(s.events))
	for _, e := range s.events {
		events = append(events, copyEvent(e))
	}
	sort.Slice(events, func(i, j int) bool {
		return events[i].CreatedAt.Before(events[j].CreatedAt)
	})
	return events
}

// ApplyDelta applies d to the level staged in the transaction carried by
// ctx, or directly to the store when there is none.
func (s *Store) ApplyDelta(ctx context.Context, d stock.Delta) (*stock.Level, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t, inTx := ctx.Value(s.txKey).(*tx)
	if !inTx {
		s.txMu.Lock()
		defer s.txMu.Unlock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.levels[d.Key]
	if inTx {
		if staged, found := t.levels[d.Key]; found {
			current, ok = staged, true
		}
	}
	if !ok {
		current = nil
	}
	available, reserved, err := d.Apply(current)
	if err != nil {
		return nil, err
	}

	next := &stock.Level{Key: d.Key, Available: available, Reserved: reserved, Version: 1, UpdatedAt: s.now()}
	if current != nil {
		next.Version = current.Version + 1
	}
	if inTx {
		t.levels[d.Key] = next
	} else {
		s.levels[d.Key] = next
	}
	c := *next
	return &c, nil
}

func (s *Store) GetLevel(ctx context.Context, k stock.Key) (*stock.Level, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := ctx.Value(s.txKey).(*tx); ok {
		if l, found := t.levels[k]; found {
			c := *l
			return &c, nil
		}
	}
	l, ok := s.levels[k]
	if !ok {
		return nil, stock.ErrLevelNotFound
	}
	c := *l
	return &c, nil
}

// claimedBy must be called with the mutex held.
func (s *Store) claimedBy(id, dispatcherID uuid.UUID) (*outbox.Event, bool) {
	e, ok := s.events[id]
	if !ok || e.Status != outbox.StatusInProgress || e.ClaimedBy == nil || *e.ClaimedBy != dispatcherID {
		return nil, false
	}
	return e, true
}

func copyEvent(e *outbox.Event) *outbox.Event {
	c := *e
	if e.ClaimedAt != nil {
		t := *e.ClaimedAt
		c.ClaimedAt = &t
	}
	if e.ClaimedBy != nil {
		id := *e.ClaimedBy
		c.ClaimedBy = &id
	}
	if e.PublishedAt != nil {
		t := *e.PublishedAt
		c.PublishedAt = &t
	}
	c.Payload = append([]byte(nil), e.Payload...)
	return &c
}
