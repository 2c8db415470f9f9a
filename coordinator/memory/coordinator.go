// Package memory provides an in-process coordinator.Coordinator. It is meant
// for tests and single-replica runs: its state is not shared across processes.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/3rs4lg4d0/stockbox/coordinator"
)

type entry struct {
	value     string
	expiresAt time.Time
}

// Coordinator keeps keys in a map guarded by a mutex. Expired keys are
// treated as absent and purged lazily.
type Coordinator struct {
	mu   sync.Mutex
	data map[string]entry
	now  func() time.Time
	down bool
}

var _ coordinator.Coordinator = (*Coordinator)(nil)

func New() *Coordinator {
	return &Coordinator{
		data: make(map[string]entry),
		now:  time.Now,
	}
}

// WithClock replaces the time source, mainly to drive ttl expiry in tests.
func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
	return c
}

// SetDown simulates an outage: every operation fails with
// coordinator.ErrUnreachable while down is true.
func (c *Coordinator) SetDown(down bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.down = down
}

// Keys returns the live keys, useful to inspect leaked locks.
func (c *Coordinator) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var keys []string
	for k := range c.data {
		if _, ok := c.lookup(k); ok {
			keys = append(keys, k)
		}
	}
	return keys
}

func (c *Coordinator) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(ctx); err != nil {
		return false, err
	}
	if _, ok := c.lookup(key); ok {
		return false, nil
	}
	c.data[key] = entry{value: value, expiresAt: c.expiry(ttl)}
	return true, nil
}

func (c *Coordinator) Get(ctx context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(ctx); err != nil {
		return "", false, err
	}
	e, ok := c.lookup(key)
	return e.value, ok, nil
}

func (c *Coordinator) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(ctx); err != nil {
		return false, err
	}
	e, ok := c.lookup(key)
	if !ok || e.value != expected {
		return false, nil
	}
	delete(c.data, key)
	return true, nil
}

func (c *Coordinator) CompareAndSwap(ctx context.Context, key, expected, value string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(ctx); err != nil {
		return false, err
	}
	e, ok := c.lookup(key)
	if !ok || e.value != expected {
		return false, nil
	}
	c.data[key] = entry{value: value, expiresAt: c.expiry(ttl)}
	return true, nil
}

func (c *Coordinator) CompareAndExpire(ctx context.Context, key, expected string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(ctx); err != nil {
		return false, err
	}
	e, ok := c.lookup(key)
	if !ok || e.value != expected {
		return false, nil
	}
	e.expiresAt = c.expiry(ttl)
	c.data[key] = e
	return true, nil
}

func (c *Coordinator) Delete(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(ctx); err != nil {
		return false, err
	}
	_, ok := c.lookup(key)
	delete(c.data, key)
	return ok, nil
}

// lookup must be called with the mutex held.
func (c *Coordinator) lookup(key string) (entry, bool) {
	e, ok := c.data[key]
	if !ok {
		return entry{}, false
	}
	if !e.expiresAt.IsZero() && !c.now().Before(e.expiresAt) {
		delete(c.data, key)
		return entry{}, false
	}
	return e, true
}

func (c *Coordinator) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return c.now().Add(ttl)
}

func (c *Coordinator) check(ctx context.Context) error {
	if c.down {
		return coordinator.ErrUnreachable
	}
	return ctx.Err()
}
