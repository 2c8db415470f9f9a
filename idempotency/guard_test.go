package idempotency

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/3rs4lg4d0/stockbox/coordinator"
	"github.com/3rs4lg4d0/stockbox/coordinator/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okSnapshot(calls *atomic.Int32) func(context.Context) (*Snapshot, error) {
	return func(context.Context) (*Snapshot, error) {
		calls.Add(1)
		return &Snapshot{StatusCode: http.StatusCreated, Body: []byte(`{"id":1}`)}, nil
	}
}

func TestNewGuard(t *testing.T) {
	assert.Panics(t, func() { NewGuard(nil) })
	g := NewGuard(memory.New(), WithTTL(30*time.Second), WithLogger(nil))
	assert.Equal(t, 30*time.Second, g.TTL())
	assert.Equal(t, defaultTTL, NewGuard(memory.New(), WithTTL(-1)).TTL())
}

func TestDoReplaysCompletedCalls(t *testing.T) {
	ctx := context.Background()
	g := NewGuard(memory.New())
	var calls atomic.Int32

	first, replayed, err := g.Do(ctx, "t1:POST:/x", "k1", okSnapshot(&calls))
	require.NoError(t, err)
	assert.False(t, replayed)

	second, replayed, err := g.Do(ctx, "t1:POST:/x", "k1", okSnapshot(&calls))
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), calls.Load())

	// same key in another scope is a different operation.
	_, replayed, err = g.Do(ctx, "t2:POST:/x", "k1", okSnapshot(&calls))
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, int32(2), calls.Load())
}

func TestDoNotCachingFailures(t *testing.T) {
	testcases := []struct {
		name    string
		fn      func(context.Context) (*Snapshot, error)
		wantErr bool
	}{
		{
			name:    "error",
			fn:      func(context.Context) (*Snapshot, error) { return nil, errors.New("boom") },
			wantErr: true,
		},
		{
			name: "client error status",
			fn: func(context.Context) (*Snapshot, error) {
				return &Snapshot{StatusCode: http.StatusUnprocessableEntity}, nil
			},
		},
		{
			name: "server error status",
			fn: func(context.Context) (*Snapshot, error) {
				return &Snapshot{StatusCode: http.StatusInternalServerError}, nil
			},
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			c := memory.New()
			g := NewGuard(c)

			_, _, err := g.Do(ctx, "s", "k", tc.fn)
			assert.Equal(t, tc.wantErr, err != nil)
			assert.Empty(t, c.Keys(), "the in-flight marker must be removed")

			var calls atomic.Int32
			_, replayed, err := g.Do(ctx, "s", "k", okSnapshot(&calls))
			require.NoError(t, err)
			assert.False(t, replayed)
			assert.Equal(t, int32(1), calls.Load())
		})
	}
}

func TestDoInFlight(t *testing.T) {
	ctx := context.Background()
	g := NewGuard(memory.New())
	started := make(chan struct{})
	unblock := make(chan struct{})

	done := make(chan error)
	go func() {
		_, _, err := g.Do(ctx, "s", "k", func(context.Context) (*Snapshot, error) {
			close(started)
			<-unblock
			return &Snapshot{StatusCode: http.StatusOK}, nil
		})
		done <- err
	}()

	<-started
	var calls atomic.Int32
	_, _, err := g.Do(ctx, "s", "k", okSnapshot(&calls))
	assert.ErrorIs(t, err, ErrRequestInFlight)
	assert.Zero(t, calls.Load())

	close(unblock)
	require.NoError(t, <-done)

	_, replayed, err := g.Do(ctx, "s", "k", okSnapshot(&calls))
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Zero(t, calls.Load())
}

func TestDoConcurrentDuplicates(t *testing.T) {
	ctx := context.Background()
	g := NewGuard(memory.New())
	var calls atomic.Int32
	fn := func(context.Context) (*Snapshot, error) {
		calls.Add(1)
		time.Sleep(10 * time.Millisecond)
		return &Snapshot{StatusCode: http.StatusOK}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := g.Do(ctx, "s", "k", fn)
			if err != nil {
				assert.ErrorIs(t, err, ErrRequestInFlight)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), calls.Load())
}

func TestDoExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	g := NewGuard(memory.New().WithClock(func() time.Time { return now }), WithTTL(30*time.Second))
	var calls atomic.Int32

	_, _, err := g.Do(ctx, "s", "k", okSnapshot(&calls))
	require.NoError(t, err)

	now = now.Add(31 * time.Second)
	_, replayed, err := g.Do(ctx, "s", "k", okSnapshot(&calls))
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, int32(2), calls.Load())
}

func TestDoUnreachable(t *testing.T) {
	c := memory.New()
	c.SetDown(true)
	g := NewGuard(c)
	var calls atomic.Int32

	_, _, err := g.Do(context.Background(), "s", "k", okSnapshot(&calls))
	assert.ErrorIs(t, err, coordinator.ErrUnreachable)
	assert.Zero(t, calls.Load())
}

func TestDoPanic(t *testing.T) {
	c := memory.New()
	g := NewGuard(c)

	assert.Panics(t, func() {
		_, _, _ = g.Do(context.Background(), "s", "k", func(context.Context) (*Snapshot, error) {
			panic("boom")
		})
	})
	assert.Empty(t, c.Keys())
}

func TestDoEmptyKey(t *testing.T) {
	g := NewGuard(memory.New())
	var calls atomic.Int32
	_, _, err := g.Do(context.Background(), "s", "", okSnapshot(&calls))
	assert.Error(t, err)
	assert.Zero(t, calls.Load())
}
