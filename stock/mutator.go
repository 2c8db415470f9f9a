package stock

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/3rs4lg4d0/stockbox/lock"
	"github.com/3rs4lg4d0/stockbox/logger"
	"github.com/3rs4lg4d0/stockbox/repository"
	"github.com/cenkalti/backoff/v4"
)

const (
	defaultLockTTL  time.Duration = time.Second * 10
	defaultLockWait time.Duration = time.Second * 2
)

// Settings holds the mutator configuration.
type Settings struct {
	LockTTL  time.Duration // lifetime of the per-level locks, must outlast the transaction
	LockWait time.Duration // maximum time spent waiting for contended locks
}

func validateSettings(s *Settings) {
	if s.LockTTL <= 0 {
		s.LockTTL = defaultLockTTL
	}
	if s.LockWait <= 0 {
		s.LockWait = defaultLockWait
	}
}

// Mutator applies stock deltas. Every call runs in one store transaction;
// when a lock service is configured the locks of all the involved levels
// are taken, in a global order, before the transaction is opened.
type Mutator struct {
	settings   Settings
	repository Repository
	txManager  repository.TxManager
	locks      *lock.Service
	logger     logger.Logger
}

// opt allows optional configuration.
type opt func(m *Mutator)

// WithLocks serializes mutations of the same level across replicas using
// the provided lock service.
func WithLocks(l *lock.Service) opt {
	return func(m *Mutator) {
		m.locks = l
	}
}

// WithLogger allows clients to configure an optional logger.
func WithLogger(l logger.Logger) opt {
	return func(m *Mutator) {
		if l != nil {
			m.logger = l
		}
	}
}

func NewMutator(s Settings, r Repository, tm repository.TxManager, options ...opt) *Mutator {
	if r == nil || reflect.ValueOf(r).IsNil() {
		panic("you must provide a stock repository")
	}
	if tm == nil || reflect.ValueOf(tm).IsNil() {
		panic("you must provide a transaction manager")
	}
	validateSettings(&s)
	m := &Mutator{
		settings:   s,
		repository: r,
		txManager:  tm,
		logger:     &logger.NopLogger{},
	}
	for _, o := range options {
		o(m)
	}
	logger.Propagate(m.logger, r)
	if m.locks != nil {
		m.locks.SetLogger(m.logger)
	}
	return m
}

// ApplyDelta applies a single delta.
func (m *Mutator) ApplyDelta(ctx context.Context, d Delta) (*Level, error) {
	levels, err := m.Apply(ctx, []Delta{d}, nil)
	if err != nil {
		return nil, err
	}
	return levels[0], nil
}

// Apply applies every delta in one transaction, then calls fn (if any) in
// the same transaction, typically to append the outbox event describing
// the change. Either everything commits or nothing does. The returned
// levels follow the order of deltas.
func (m *Mutator) Apply(ctx context.Context, deltas []Delta, fn func(ctx context.Context, levels []*Level) error) ([]*Level, error) {
	if len(deltas) == 0 {
		return nil, errors.New("at least one delta is required")
	}
	for _, d := range deltas {
		if !d.valid() {
			return nil, fmt.Errorf("invalid stock key %q", d.Key)
		}
	}

	if m.locks != nil {
		keys := make([]string, len(deltas))
		for i, d := range deltas {
			keys[i] = d.LockKey()
		}
		handles, err := m.locks.AcquireManyWithRetry(ctx, keys, m.settings.LockTTL, m.lockBackOff())
		if err != nil {
			return nil, fmt.Errorf("could not lock the stock levels: %w", err)
		}
		defer func() {
			if err := m.locks.ReleaseAll(context.WithoutCancel(ctx), handles); err != nil {
				m.logger.Warn(fmt.Sprintf("stock locks released with errors: %v", err))
			}
		}()
	}

	// deltas are applied in the same global order as the locks so row
	// locks inside the store are also taken in a consistent order.
	order := make([]int, len(deltas))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return deltas[order[a]].LockKey() < deltas[order[b]].LockKey()
	})

	levels := make([]*Level, len(deltas))
	err := m.txManager.WithTx(ctx, func(ctx context.Context) error {
		for _, i := range order {
			l, err := m.repository.ApplyDelta(ctx, deltas[i])
			if err != nil {
				return err
			}
			levels[i] = l
		}
		if fn != nil {
			return fn(ctx, levels)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return levels, nil
}

// Level returns the current stock level for k.
func (m *Mutator) Level(ctx context.Context, k Key) (*Level, error) {
	return m.repository.GetLevel(ctx, k)
}

func (m *Mutator) lockBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	b.MaxElapsedTime = m.settings.LockWait
	return b
}
