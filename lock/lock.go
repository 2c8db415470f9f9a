// Package lock implements a distributed lock service on top of a
// coordinator.Coordinator.
//
// Locks are advisory: they serialize work across replicas but the store
// remains the source of truth. Every lock carries an owner token and is
// released with a compare-and-delete, so an expired lock re-acquired by
// someone else is never released by its previous owner.
package lock

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/3rs4lg4d0/stockbox/coordinator"
	"github.com/3rs4lg4d0/stockbox/logger"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

const defaultPrefix = "lock:"

var (
	// ErrUnavailable is returned when the lock is held by another owner.
	ErrUnavailable = errors.New("lock unavailable")

	// ErrNotHeld is returned when releasing or extending a lock whose token
	// no longer matches (expired, or taken by another owner).
	ErrNotHeld = errors.New("lock not held")
)

// Outcome classifies the result of an acquisition.
type Outcome int

const (
	Acquired Outcome = iota
	Contended
	Unreachable
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Acquired:
		return "acquired"
	case Contended:
		return "contended"
	case Unreachable:
		return "unreachable"
	default:
		return "failed"
	}
}

// OutcomeOf maps the error returned by Acquire or AcquireMany to an Outcome.
func OutcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return Acquired
	case errors.Is(err, ErrUnavailable):
		return Contended
	case errors.Is(err, coordinator.ErrUnreachable):
		return Unreachable
	default:
		return Failed
	}
}

// Handle represents a held lock.
type Handle struct {
	Key        string        // resource key, without the storage prefix
	Token      string        // owner token, only known by the acquirer
	TTL        time.Duration // lifetime requested on the last acquire or extend
	AcquiredAt time.Time
}

// Service acquires and releases locks.
type Service struct {
	coord  coordinator.Coordinator
	prefix string
	logger logger.Logger
}

var _ logger.Loggable = (*Service)(nil)

// opt allows optional configuration.
type opt func(s *Service)

// WithPrefix changes the prefix used to store the lock keys.
func WithPrefix(p string) opt {
	return func(s *Service) {
		s.prefix = p
	}
}

// WithLogger allows clients to configure an optional logger.
func WithLogger(l logger.Logger) opt {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a lock service backed by the provided coordinator.
func New(c coordinator.Coordinator, options ...opt) *Service {
	if c == nil || reflect.ValueOf(c).IsNil() {
		panic("you must provide a coordinator")
	}
	s := &Service{
		coord:  c,
		prefix: defaultPrefix,
		logger: &logger.NopLogger{},
	}
	for _, o := range options {
		o(s)
	}
	return s
}

func (s *Service) SetLogger(l logger.Logger) {
	if l != nil {
		s.logger = l
	}
}

var keyPartEscaper = strings.NewReplacer(`\`, `\\`, ":", `\:`)

// Key builds a deterministic resource key from its parts, e.g.
// Key("stock", tenant, product, warehouse) is "stock:tenant:product:warehouse".
// Colons and backslashes inside a part are escaped, so distinct parts never
// produce the same key.
func Key(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = keyPartEscaper.Replace(p)
	}
	return strings.Join(escaped, ":")
}

func (s *Service) storageKey(key string) string {
	return s.prefix + key
}

// Acquire makes a single attempt to take the lock on key. It returns
// ErrUnavailable if the lock is held by someone else and an error wrapping
// coordinator.ErrUnreachable if the coordinator could not be reached.
func (s *Service) Acquire(ctx context.Context, key string, ttl time.Duration) (*Handle, error) {
	if key == "" {
		return nil, errors.New("lock key is empty")
	}
	if ttl <= 0 {
		return nil, errors.New("lock ttl must be positive")
	}

	token := uuid.NewString()
	ok, err := s.coord.SetNX(ctx, s.storageKey(key), token, ttl)
	if err != nil {
		return nil, fmt.Errorf("could not acquire the lock %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, key)
	}
	return &Handle{Key: key, Token: token, TTL: ttl, AcquiredAt: time.Now()}, nil
}

// Release releases h only if its token still owns the lock. It returns
// ErrNotHeld otherwise.
func (s *Service) Release(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	ok, err := s.coord.CompareAndDelete(ctx, s.storageKey(h.Key), h.Token)
	if err != nil {
		return fmt.Errorf("could not release the lock %s: %w", h.Key, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotHeld, h.Key)
	}
	return nil
}

// Extend resets the ttl of h only if its token still owns the lock.
func (s *Service) Extend(ctx context.Context, h *Handle, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.New("lock ttl must be positive")
	}
	ok, err := s.coord.CompareAndExpire(ctx, s.storageKey(h.Key), h.Token, ttl)
	if err != nil {
		return fmt.Errorf("could not extend the lock %s: %w", h.Key, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotHeld, h.Key)
	}
	h.TTL = ttl
	return nil
}

// IsLocked reports whether someone currently holds the lock on key.
func (s *Service) IsLocked(ctx context.Context, key string) (bool, error) {
	_, found, err := s.coord.Get(ctx, s.storageKey(key))
	if err != nil {
		return false, fmt.Errorf("could not inspect the lock %s: %w", key, err)
	}
	return found, nil
}

// ForceRelease deletes the lock on key regardless of its owner. It is meant
// for administrative recovery only.
func (s *Service) ForceRelease(ctx context.Context, key string) (bool, error) {
	ok, err := s.coord.Delete(ctx, s.storageKey(key))
	if err != nil {
		return false, fmt.Errorf("could not force the release of the lock %s: %w", key, err)
	}
	if ok {
		s.logger.Warn(fmt.Sprintf("lock %s forcibly released", key))
	}
	return ok, nil
}

// AcquireMany acquires the locks on every key. Keys are deduplicated and
// acquired in ascending order, so callers with overlapping key sets cannot
// deadlock each other. If any acquisition fails (or panics) the locks taken
// so far are released before returning.
func (s *Service) AcquireMany(ctx context.Context, keys []string, ttl time.Duration) ([]*Handle, error) {
	ordered := slices.Clone(keys)
	slices.Sort(ordered)
	ordered = slices.Compact(ordered)

	acquired := make([]*Handle, 0, len(ordered))
	completed := false
	defer func() {
		if completed || len(acquired) == 0 {
			return
		}
		// release on a context that survives the caller's cancellation.
		if err := s.ReleaseAll(context.WithoutCancel(ctx), acquired); err != nil {
			s.logger.Error("could not release partially acquired locks", err)
		}
	}()

	for _, k := range ordered {
		h, err := s.Acquire(ctx, k, ttl)
		if err != nil {
			return nil, err
		}
		acquired = append(acquired, h)
	}
	completed = true
	return acquired, nil
}

// AcquireManyWithRetry calls AcquireMany until it succeeds, the backoff
// policy gives up or the context is done. Only contention is retried: an
// unreachable coordinator fails fast.
func (s *Service) AcquireManyWithRetry(ctx context.Context, keys []string, ttl time.Duration, b backoff.BackOff) ([]*Handle, error) {
	var handles []*Handle
	op := func() error {
		hs, err := s.AcquireMany(ctx, keys, ttl)
		if err != nil {
			if errors.Is(err, ErrUnavailable) {
				return err
			}
			return backoff.Permanent(err)
		}
		handles = hs
		return nil
	}
	notify := func(err error, d time.Duration) {
		s.logger.Debug(fmt.Sprintf("locks are contended, retrying in %s: %v", d, err))
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, err
	}
	return handles, nil
}

// ReleaseAll releases the handles in reverse acquisition order. Every
// handle is attempted and the errors are joined.
func (s *Service) ReleaseAll(ctx context.Context, handles []*Handle) error {
	var errs []error
	for i := len(handles) - 1; i >= 0; i-- {
		if err := s.Release(ctx, handles[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
