package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/3rs4lg4d0/stockbox/coordinator"
	"github.com/3rs4lg4d0/stockbox/coordinator/memory"
	"github.com/3rs4lg4d0/stockbox/test"
	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// faultyCoordinator fails or panics when SetNX is called for a given key.
type faultyCoordinator struct {
	*memory.Coordinator
	failOn  string
	panicOn string
	onFail  func()
}

func (f *faultyCoordinator) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if key == f.panicOn {
		panic("boom")
	}
	if key == f.failOn {
		if f.onFail != nil {
			f.onFail()
		}
		return false, coordinator.ErrUnreachable
	}
	return f.Coordinator.SetNX(ctx, key, value, ttl)
}

func TestNew(t *testing.T) {
	assert.Panics(t, func() { New(nil) })
	assert.Panics(t, func() {
		var c *memory.Coordinator
		New(c)
	})
	s := New(memory.New(), WithPrefix("l/"), WithLogger(nil))
	assert.Equal(t, "l/", s.prefix)
	assert.NotNil(t, s.logger)
}

func TestKey(t *testing.T) {
	assert.Equal(t, "stock:t1:p1:w1", Key("stock", "t1", "p1", "w1"))
	assert.Equal(t, "single", Key("single"))
	assert.Equal(t, `stock:a\:b:c:w`, Key("stock", "a:b", "c", "w"))
	assert.Equal(t, `stock:a:b\:c:w`, Key("stock", "a", "b:c", "w"))
	assert.NotEqual(t, Key("stock", "a:b", "c", "w"), Key("stock", "a", "b:c", "w"))
	assert.NotEqual(t, Key("x\\", "y"), Key("x", "\\y"))
}

func TestOutcomeOf(t *testing.T) {
	testcases := []struct {
		name string
		err  error
		want Outcome
	}{
		{name: "nil", err: nil, want: Acquired},
		{name: "contended", err: ErrUnavailable, want: Contended},
		{name: "wrapped contended", err: errors.Join(errors.New("x"), ErrUnavailable), want: Contended},
		{name: "unreachable", err: coordinator.ErrUnreachable, want: Unreachable},
		{name: "other", err: errors.New("other"), want: Failed},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, OutcomeOf(tc.err))
			assert.NotEmpty(t, tc.want.String())
		})
	}
}

func TestAcquire(t *testing.T) {
	ctx := context.Background()
	c := memory.New()
	s := New(c)

	h, err := s.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "k", h.Key)
	assert.NotEmpty(t, h.Token)
	assert.Equal(t, []string{"lock:k"}, c.Keys())

	_, err = s.Acquire(ctx, "k", time.Minute)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, Contended, OutcomeOf(err))

	_, err = s.Acquire(ctx, "", time.Minute)
	assert.Error(t, err)
	_, err = s.Acquire(ctx, "other", 0)
	assert.Error(t, err)

	c.SetDown(true)
	_, err = s.Acquire(ctx, "k2", time.Minute)
	assert.ErrorIs(t, err, coordinator.ErrUnreachable)
	assert.NotErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, Unreachable, OutcomeOf(err))
}

func TestAcquireAfterExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	c := memory.New().WithClock(func() time.Time { return now })
	s := New(c)

	first, err := s.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)

	now = now.Add(2 * time.Second)
	second, err := s.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)

	// the expired owner must not release the lock of the new one.
	assert.ErrorIs(t, s.Release(ctx, first), ErrNotHeld)
	locked, err := s.IsLocked(ctx, "k")
	require.NoError(t, err)
	assert.True(t, locked)

	assert.NoError(t, s.Release(ctx, second))
}

func TestRelease(t *testing.T) {
	ctx := context.Background()
	s := New(memory.New())

	h, err := s.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)

	forged := &Handle{Key: h.Key, Token: "forged"}
	assert.ErrorIs(t, s.Release(ctx, forged), ErrNotHeld)

	assert.NoError(t, s.Release(ctx, h))
	assert.ErrorIs(t, s.Release(ctx, h), ErrNotHeld)
	assert.NoError(t, s.Release(ctx, nil))
}

func TestExtend(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	c := memory.New().WithClock(func() time.Time { return now })
	s := New(c)

	h, err := s.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)
	require.NoError(t, s.Extend(ctx, h, time.Minute))
	assert.Equal(t, time.Minute, h.TTL)

	now = now.Add(30 * time.Second)
	locked, _ := s.IsLocked(ctx, "k")
	assert.True(t, locked)

	assert.ErrorIs(t, s.Extend(ctx, &Handle{Key: "k", Token: "forged"}, time.Minute), ErrNotHeld)
	assert.Error(t, s.Extend(ctx, h, 0))
}

func TestForceRelease(t *testing.T) {
	ctx := context.Background()
	l := &test.TestLogger{}
	s := New(memory.New(), WithLogger(l))

	_, err := s.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)

	ok, err := s.ForceRelease(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, l.Messages, 1)

	ok, err = s.ForceRelease(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAcquireMany(t *testing.T) {
	ctx := context.Background()
	c := memory.New()
	s := New(c)

	hs, err := s.AcquireMany(ctx, []string{"c", "a", "b", "a"}, time.Minute)
	require.NoError(t, err)
	require.Len(t, hs, 3)
	assert.Equal(t, "a", hs[0].Key)
	assert.Equal(t, "b", hs[1].Key)
	assert.Equal(t, "c", hs[2].Key)

	require.NoError(t, s.ReleaseAll(ctx, hs))
	assert.Empty(t, c.Keys())
}

func TestAcquireManyReleasesOnFailure(t *testing.T) {
	testcases := []struct {
		name    string
		prepare func(c *faultyCoordinator, s *Service)
		want    error
	}{
		{
			name: "contended third key",
			prepare: func(c *faultyCoordinator, s *Service) {
				_, err := New(c.Coordinator).Acquire(context.Background(), "z", time.Minute)
				require.NoError(t, err)
			},
			want: ErrUnavailable,
		},
		{
			name: "unreachable on third key",
			prepare: func(c *faultyCoordinator, s *Service) {
				c.failOn = "lock:z"
			},
			want: coordinator.ErrUnreachable,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			c := &faultyCoordinator{Coordinator: memory.New()}
			s := New(c)
			tc.prepare(c, s)
			before := len(c.Keys())

			hs, err := s.AcquireMany(context.Background(), []string{"z", "x", "y"}, time.Minute)
			assert.ErrorIs(t, err, tc.want)
			assert.Nil(t, hs)
			assert.Len(t, c.Keys(), before, "partially acquired locks must be released")

			// a later caller can take the first two keys immediately.
			hs, err = s.AcquireMany(context.Background(), []string{"x", "y"}, time.Minute)
			require.NoError(t, err)
			assert.Len(t, hs, 2)
		})
	}
}

func TestAcquireManyReleasesOnPanic(t *testing.T) {
	c := &faultyCoordinator{Coordinator: memory.New(), panicOn: "lock:c"}
	s := New(c)

	assert.PanicsWithValue(t, "boom", func() {
		_, _ = s.AcquireMany(context.Background(), []string{"a", "b", "c"}, time.Minute)
	})
	assert.Empty(t, c.Keys())
}

func TestAcquireManyCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := &faultyCoordinator{Coordinator: memory.New(), failOn: "lock:b", onFail: cancel}
	s := New(c)

	// the release still happens although the caller's context is done.
	_, err := s.AcquireMany(ctx, []string{"a", "b"}, time.Minute)
	assert.Error(t, err)
	assert.Empty(t, c.Keys())
}

func TestAcquireManyWithRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("waits for contention to clear", func(t *testing.T) {
		s := New(memory.New())
		h, err := s.Acquire(ctx, "b", time.Minute)
		require.NoError(t, err)

		go func() {
			time.Sleep(30 * time.Millisecond)
			_ = s.Release(ctx, h)
		}()

		hs, err := s.AcquireManyWithRetry(ctx, []string{"a", "b"}, time.Minute, backoff.NewConstantBackOff(5*time.Millisecond))
		require.NoError(t, err)
		assert.Len(t, hs, 2)
	})

	t.Run("gives up when the policy stops", func(t *testing.T) {
		s := New(memory.New())
		_, err := s.Acquire(ctx, "a", time.Minute)
		require.NoError(t, err)

		b := backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 3)
		_, err = s.AcquireManyWithRetry(ctx, []string{"a"}, time.Minute, b)
		assert.ErrorIs(t, err, ErrUnavailable)
	})

	t.Run("fails fast when unreachable", func(t *testing.T) {
		c := memory.New()
		c.SetDown(true)
		s := New(c)
		var calls atomic.Int32
		s.SetLogger(&test.TestLogger{})

		b := backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 10)
		_, err := s.AcquireManyWithRetry(ctx, []string{"a"}, time.Minute, &countingBackOff{BackOff: b, calls: &calls})
		assert.ErrorIs(t, err, coordinator.ErrUnreachable)
		assert.Zero(t, calls.Load())
	})
}

type countingBackOff struct {
	backoff.BackOff
	calls *atomic.Int32
}

func (c *countingBackOff) NextBackOff() time.Duration {
	c.calls.Add(1)
	return c.BackOff.NextBackOff()
}

// TestOpposingOrders runs callers asking for [x, y] and [y, x] concurrently:
// both must always make progress and never hold the keys at the same time.
func TestOpposingOrders(t *testing.T) {
	ctx := context.Background()
	s := New(memory.New())

	var holders atomic.Int32
	var overlaps atomic.Int32
	var wg sync.WaitGroup
	for _, keys := range [][]string{{"x", "y"}, {"y", "x"}} {
		wg.Add(1)
		go func(keys []string) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				b := backoff.NewConstantBackOff(time.Millisecond)
				hs, err := s.AcquireManyWithRetry(ctx, keys, time.Minute, b)
				if !assert.NoError(t, err) {
					return
				}
				if holders.Add(1) > 1 {
					overlaps.Add(1)
				}
				holders.Add(-1)
				assert.NoError(t, s.ReleaseAll(ctx, hs))
			}
		}(keys)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("callers with opposing key orders did not complete")
	}
	assert.Zero(t, overlaps.Load())
}
