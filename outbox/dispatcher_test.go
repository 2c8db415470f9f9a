package outbox_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/3rs4lg4d0/stockbox/logger"
	"github.com/3rs4lg4d0/stockbox/outbox"
	"github.com/3rs4lg4d0/stockbox/repository/memory"
	"github.com/3rs4lg4d0/stockbox/test"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// fakeEmitter reports deliveries asynchronously, like a broker client does.
type fakeEmitter struct {
	mu        sync.Mutex
	failFirst int   // failed attempts per event before succeeding
	emitErr   error // returned synchronously by Emit
	silent    bool  // never report
	attempts  map[uuid.UUID]int
	delivered map[uuid.UUID]int
}

func newFakeEmitter() *fakeEmitter {
	return &fakeEmitter{attempts: map[uuid.UUID]int{}, delivered: map[uuid.UUID]int{}}
}

func (f *fakeEmitter) Emit(ctx context.Context, e *outbox.Event, reports chan<- *outbox.DeliveryReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.emitErr != nil {
		return f.emitErr
	}
	f.attempts[e.ID]++
	if f.silent {
		return nil
	}
	dr := &outbox.DeliveryReport{Event: e, Details: "delivered"}
	if f.attempts[e.ID] <= f.failFirst {
		dr.Error = errors.New("broker unavailable")
	} else {
		f.delivered[e.ID]++
	}
	go func() { reports <- dr }()
	return nil
}

func (f *fakeEmitter) deliveries(id uuid.UUID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.delivered[id]
}

func (f *fakeEmitter) totalDeliveries() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.delivered {
		total += n
	}
	return total
}

func (f *fakeEmitter) totalAttempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.attempts {
		total += n
	}
	return total
}

func seed(t *testing.T, s *memory.Store, n int) {
	t.Helper()
	o := outbox.New(s)
	err := s.WithTx(context.Background(), func(ctx context.Context) error {
		for i := 0; i < n; i++ {
			if _, err := o.Append(ctx, "t1", "agg", &itemAdded{SKU: "s", Quantity: int64(i)}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func countByStatus(s *memory.Store) map[outbox.Status]int {
	counts := map[outbox.Status]int{}
	for _, e := range s.Events() {
		counts[e.Status]++
	}
	return counts
}

func TestNewDispatcher(t *testing.T) {
	s := memory.New(test.DefaultCtxKey)
	e := newFakeEmitter()

	assert.Panics(t, func() { outbox.NewDispatcher(outbox.Settings{}, nil, e) })
	assert.Panics(t, func() { outbox.NewDispatcher(outbox.Settings{}, s, nil) })
	assert.Panics(t, func() {
		outbox.NewDispatcher(outbox.Settings{StaleAfter: time.Second, DeliveryTimeout: time.Minute}, s, e)
	})

	id := uuid.New()
	d := outbox.NewDispatcher(outbox.Settings{}, s, e, outbox.WithID(id), outbox.WithLogger(nil), outbox.WithCounters(nil, nil, nil))
	assert.Equal(t, id, d.ID())
	assert.Equal(t, 100, d.Settings().BatchSize)
	assert.Equal(t, 10, d.Settings().MaxAttempts)
}

func TestProcessOutbox(t *testing.T) {
	ctx := context.Background()
	s := memory.New(test.DefaultCtxKey)
	seed(t, s, 25)
	e := newFakeEmitter()
	published := &test.TestCounter{}
	d := outbox.NewDispatcher(outbox.Settings{BatchSize: 10}, s, e, outbox.WithCounters(published, nil, nil))

	res, err := d.ProcessOutbox(ctx)
	require.NoError(t, err)
	assert.Equal(t, outbox.Result{Claimed: 10, Published: 10}, res)

	for i := 0; i < 3; i++ {
		_, err = d.ProcessOutbox(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, map[outbox.Status]int{outbox.StatusPublished: 25}, countByStatus(s))
	assert.Equal(t, int64(25), published.Value())
	for _, ev := range s.Events() {
		assert.Equal(t, 1, e.deliveries(ev.ID))
	}
}

func TestProcessOutboxRetriesUntilDelivered(t *testing.T) {
	ctx := context.Background()
	s := memory.New(test.DefaultCtxKey)
	seed(t, s, 2)
	e := newFakeEmitter()
	e.failFirst = 3
	failed := &test.TestCounter{}
	d := outbox.NewDispatcher(outbox.Settings{}, s, e, outbox.WithCounters(nil, failed, nil))

	for pass := 1; pass <= 3; pass++ {
		res, err := d.ProcessOutbox(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, res.Failed, "pass %d", pass)
		assert.Equal(t, map[outbox.Status]int{outbox.StatusPending: 2}, countByStatus(s))
	}

	res, err := d.ProcessOutbox(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Published)
	assert.Equal(t, int64(6), failed.Value())
	for _, ev := range s.Events() {
		assert.Equal(t, outbox.StatusPublished, ev.Status)
		assert.Equal(t, 3, ev.AttemptCount)
		assert.Equal(t, 1, e.deliveries(ev.ID))
		assert.Contains(t, ev.LastError, "broker unavailable")
	}
}

func TestProcessOutboxDeadLetter(t *testing.T) {
	ctx := context.Background()
	s := memory.New(test.DefaultCtxKey)
	seed(t, s, 1)
	e := newFakeEmitter()
	e.emitErr = errors.New("invalid message")
	deadLettered := &test.TestCounter{}
	l := &test.TestLogger{}
	d := outbox.NewDispatcher(outbox.Settings{MaxAttempts: 2}, s, e, outbox.WithCounters(nil, nil, deadLettered), outbox.WithLogger(l))

	res, err := d.ProcessOutbox(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	res, err = d.ProcessOutbox(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.DeadLettered)
	assert.Equal(t, int64(1), deadLettered.Value())
	assert.Equal(t, 2, l.ErrorCount())

	// dead-lettered events are never claimed again.
	res, err = d.ProcessOutbox(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Claimed)
	ev := s.Events()[0]
	assert.Equal(t, outbox.StatusFailed, ev.Status)
	assert.Contains(t, ev.LastError, outbox.ErrPublishFailure.Error())
}

func TestProcessOutboxDeliveryTimeout(t *testing.T) {
	ctx := context.Background()
	s := memory.New(test.DefaultCtxKey)
	seed(t, s, 3)
	e := newFakeEmitter()
	e.silent = true
	d := outbox.NewDispatcher(outbox.Settings{DeliveryTimeout: 20 * time.Millisecond}, s, e)

	start := time.Now()
	res, err := d.ProcessOutbox(ctx)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 3, res.Failed)
	assert.Equal(t, map[outbox.Status]int{outbox.StatusPending: 3}, countByStatus(s))
}

func TestProcessOutboxLostClaim(t *testing.T) {
	now := time.Now()
	s := memory.New(test.DefaultCtxKey).WithClock(func() time.Time { return now })
	seed(t, s, 1)
	e := &slowEmitter{fakeEmitter: newFakeEmitter(), before: func() {
		// the claim goes stale and another dispatcher takes the event over.
		_, _ = s.ReclaimStale(context.Background(), -time.Second)
		_, _ = s.Claim(context.Background(), uuid.New(), 10)
	}}
	d := outbox.NewDispatcher(outbox.Settings{}, s, e)

	res, err := d.ProcessOutbox(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Stale)
	assert.Zero(t, res.Published)
	assert.Equal(t, outbox.StatusInProgress, s.Events()[0].Status)
}

type slowEmitter struct {
	*fakeEmitter
	before func()
}

func (s *slowEmitter) Emit(ctx context.Context, e *outbox.Event, reports chan<- *outbox.DeliveryReport) error {
	s.before()
	return s.fakeEmitter.Emit(ctx, e, reports)
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	s := memory.New(test.DefaultCtxKey).WithClock(func() time.Time { return now })
	seed(t, s, 4)

	// a dispatcher claims the events and crashes before finalizing them.
	_, err := s.Claim(ctx, uuid.New(), 4)
	require.NoError(t, err)

	d := outbox.NewDispatcher(outbox.Settings{StaleAfter: time.Minute}, s, newFakeEmitter())
	n, err := d.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "fresh claims are not stale")

	// staleness is measured with the store clock.
	s.WithClock(func() time.Time { return now.Add(2 * time.Minute) })
	n, err = d.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	res, err := d.ProcessOutbox(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Published)
}

// TestConcurrentDispatchers runs K dispatchers against M events: every
// event must be published exactly once.
func TestConcurrentDispatchers(t *testing.T) {
	const dispatchers, events = 6, 600
	ctx := context.Background()
	s := memory.New(test.DefaultCtxKey)
	seed(t, s, events)
	e := newFakeEmitter()

	var wg sync.WaitGroup
	for i := 0; i < dispatchers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d := outbox.NewDispatcher(outbox.Settings{BatchSize: 17}, s, e)
			for {
				res, err := d.ProcessOutbox(ctx)
				if !assert.NoError(t, err) || res.Claimed == 0 {
					return
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, map[outbox.Status]int{outbox.StatusPublished: events}, countByStatus(s))
	assert.Equal(t, events, e.totalDeliveries())
	for _, ev := range s.Events() {
		assert.Equal(t, 1, e.deliveries(ev.ID))
	}
}

func TestRun(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := memory.New(test.DefaultCtxKey)
	seed(t, s, 30)
	e := newFakeEmitter()
	e.failFirst = 1
	d := outbox.NewDispatcher(outbox.Settings{
		PollingInterval: 10 * time.Millisecond,
		SweepInterval:   50 * time.Millisecond,
		BatchSize:       7,
	}, s, e, outbox.WithLogger(&logger.NopLogger{}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- d.Run(ctx) }()

	assert.Eventually(t, func() bool {
		return countByStatus(s)[outbox.StatusPublished] == 30
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("the dispatcher did not stop")
	}
}

func TestRunWithBusDown(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := memory.New(test.DefaultCtxKey)
	seed(t, s, 20)
	e := newFakeEmitter()
	e.failFirst = 1000
	d := outbox.NewDispatcher(outbox.Settings{
		PollingInterval: time.Second,
		BatchSize:       10,
	}, s, e, outbox.WithLogger(&logger.NopLogger{}))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	require.NoError(t, d.Run(ctx))

	// a single pass before the first tick: one attempt for each claimed event
	assert.Equal(t, 10, e.totalAttempts())
	assert.Equal(t, map[outbox.Status]int{outbox.StatusPending: 20}, countByStatus(s))
	for _, ev := range s.Events() {
		assert.LessOrEqual(t, ev.AttemptCount, 1)
	}
}
