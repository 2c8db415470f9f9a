package outbox

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/3rs4lg4d0/stockbox/logger"
	"github.com/3rs4lg4d0/stockbox/metrics"
	"github.com/google/uuid"
)

// ErrPublishFailure wraps every delivery failure observed by a dispatcher.
var ErrPublishFailure = errors.New("could not publish the outbox event")

// Result summarizes a claim pass.
type Result struct {
	Claimed      int
	Published    int
	Failed       int // attempts that returned the event to pending
	DeadLettered int
	Stale        int // finalizations rejected because the claim was lost
}

// Dispatcher delivers outbox events using the polling publisher variant of
// the transactional outbox. Any number of dispatchers may run concurrently
// against the same store: claims are atomic, so each event is held by at
// most one of them.
type Dispatcher struct {
	id              uuid.UUID
	settings        Settings
	logger          logger.Logger
	emitter         Emitter
	repository      Repository
	publishedCtr    metrics.Counter
	failedCtr       metrics.Counter
	deadLetteredCtr metrics.Counter
}

// opt allows optional configuration.
type opt func(d *Dispatcher)

// WithLogger allows clients to configure an optional logger.
func WithLogger(l logger.Logger) opt {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithCounters allows clients to configure optional counters for
// observability. Nil counters are ignored.
func WithCounters(published, failed, deadLettered metrics.Counter) opt {
	return func(d *Dispatcher) {
		if published != nil {
			d.publishedCtr = published
		}
		if failed != nil {
			d.failedCtr = failed
		}
		if deadLettered != nil {
			d.deadLetteredCtr = deadLettered
		}
	}
}

// WithID sets the dispatcher identity recorded in its claims. A random one
// is generated otherwise.
func WithID(id uuid.UUID) opt {
	return func(d *Dispatcher) {
		if id != uuid.Nil {
			d.id = id
		}
	}
}

// NewDispatcher creates a dispatcher using the provided settings, Repository
// and Emitter. It panics if a mandatory argument is missing or the settings
// are inconsistent.
func NewDispatcher(s Settings, r Repository, e Emitter, options ...opt) *Dispatcher {
	if r == nil || reflect.ValueOf(r).IsNil() || e == nil || reflect.ValueOf(e).IsNil() {
		panic("you must provide an emitter and a repository")
	}
	if err := validateSettings(&s); err != nil {
		panic(err)
	}

	d := &Dispatcher{
		id:              uuid.New(),
		settings:        s,
		logger:          &logger.NopLogger{},
		emitter:         e,
		repository:      r,
		publishedCtr:    &metrics.NopCounter{},
		failedCtr:       &metrics.NopCounter{},
		deadLetteredCtr: &metrics.NopCounter{},
	}
	for _, o := range options {
		o(d)
	}
	logger.Propagate(d.logger, e, r)
	return d
}

// ID returns the dispatcher identity.
func (d *Dispatcher) ID() uuid.UUID {
	return d.id
}

// Settings returns the effective settings, defaults included.
func (d *Dispatcher) Settings() Settings {
	return d.settings
}

// Run executes claim passes every PollingInterval and stale sweeps every
// SweepInterval until ctx is done. A pass that fills a whole batch and
// delivers all of it is followed immediately by another one.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info(fmt.Sprintf("dispatcher '%s' started", d.id))
	defer d.logger.Info(fmt.Sprintf("dispatcher '%s' stopped", d.id))

	polling := time.NewTicker(d.settings.PollingInterval)
	defer polling.Stop()
	sweeping := time.NewTicker(d.settings.SweepInterval)
	defer sweeping.Stop()

	d.sweep(ctx)
	d.drain(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sweeping.C:
			d.sweep(ctx)
		case <-polling.C:
			d.drain(ctx)
		}
	}
}

func (d *Dispatcher) drain(ctx context.Context) {
	for ctx.Err() == nil {
		res, err := d.ProcessOutbox(ctx)
		if err != nil {
			if ctx.Err() == nil {
				d.logger.Error("when processing the outbox", err)
			}
			return
		}
		// a pass with failures waits for the next tick, otherwise the same
		// oldest events would burn their attempts back to back.
		if res.Claimed < d.settings.BatchSize || res.Published+res.Stale < res.Claimed {
			return
		}
	}
}

func (d *Dispatcher) sweep(ctx context.Context) {
	if _, err := d.Sweep(ctx); err != nil && ctx.Err() == nil {
		d.logger.Error("when reclaiming stale outbox events", err)
	}
}

// Sweep returns to pending the events left in_progress for longer than
// StaleAfter, typically by a dispatcher that crashed mid-delivery.
func (d *Dispatcher) Sweep(ctx context.Context) (int64, error) {
	n, err := d.repository.ReclaimStale(ctx, d.settings.StaleAfter)
	if err != nil {
		return 0, fmt.Errorf("could not reclaim stale outbox events: %w", err)
	}
	if n > 0 {
		d.logger.Warn(fmt.Sprintf("%d stale outbox events were reclaimed", n))
	}
	return n, nil
}

// ProcessOutbox claims a batch of pending events, emits them and records
// the outcome of every delivery. Events whose report does not arrive within
// DeliveryTimeout are treated as failed attempts.
func (d *Dispatcher) ProcessOutbox(ctx context.Context) (Result, error) {
	var res Result

	events, err := d.repository.Claim(ctx, d.id, d.settings.BatchSize)
	if err != nil {
		return res, fmt.Errorf("could not claim outbox events: %w", err)
	}
	res.Claimed = len(events)
	if len(events) == 0 {
		return res, nil
	}
	d.logger.Debug(fmt.Sprintf("dispatcher '%s' claimed %d events", d.id, len(events)))

	// buffered so late reports never block the emitter.
	reports := make(chan *DeliveryReport, len(events))
	waiting := make(map[uuid.UUID]*Event, len(events))
	for _, e := range events {
		if err := d.emitter.Emit(ctx, e, reports); err != nil {
			d.fail(ctx, e, fmt.Errorf("%w: %w", ErrPublishFailure, err), &res)
			continue
		}
		waiting[e.ID] = e
	}

	timeout := time.NewTimer(d.settings.DeliveryTimeout)
	defer timeout.Stop()
	for len(waiting) > 0 {
		select {
		case dr := <-reports:
			if dr == nil || dr.Event == nil {
				continue
			}
			e, ok := waiting[dr.Event.ID]
			if !ok {
				continue
			}
			delete(waiting, e.ID)
			if dr.Error != nil {
				d.fail(ctx, e, fmt.Errorf("%w: %w", ErrPublishFailure, dr.Error), &res)
			} else {
				if dr.Details != "" {
					d.logger.Debug(dr.Details)
				}
				d.publish(ctx, e, &res)
			}
		case <-timeout.C:
			for _, e := range waiting {
				d.fail(ctx, e, fmt.Errorf("%w: no delivery report after %s", ErrPublishFailure, d.settings.DeliveryTimeout), &res)
			}
			waiting = nil
		case <-ctx.Done():
			// unreported events stay in_progress until the sweep reclaims them.
			return res, ctx.Err()
		}
	}

	d.logger.Info(fmt.Sprintf("%d events were successfully delivered (with %d failed and %d dead-lettered) from a total of %d claimed",
		res.Published, res.Failed, res.DeadLettered, res.Claimed))
	return res, nil
}

func (d *Dispatcher) publish(ctx context.Context, e *Event, res *Result) {
	err := d.repository.MarkPublished(ctx, e.ID, d.id)
	switch {
	case errors.Is(err, ErrStaleClaim):
		d.logger.Warn(fmt.Sprintf("event '%s' was published but its claim was lost", e.ID))
		res.Stale++
	case err != nil:
		d.logger.Error(fmt.Sprintf("could not mark event '%s' as published", e.ID), err)
	default:
		res.Published++
		d.publishedCtr.Inc(1)
	}
}

func (d *Dispatcher) fail(ctx context.Context, e *Event, cause error, res *Result) {
	d.logger.Error(fmt.Sprintf("delivery problem with event '%s'", e.ID), cause)
	status, err := d.repository.MarkFailed(ctx, e.ID, d.id, cause.Error(), d.settings.MaxAttempts)
	switch {
	case errors.Is(err, ErrStaleClaim):
		d.logger.Warn(fmt.Sprintf("event '%s' failed but its claim was lost", e.ID))
		res.Stale++
	case err != nil:
		d.logger.Error(fmt.Sprintf("could not record the failed attempt of event '%s'", e.ID), err)
	case status == StatusFailed:
		d.logger.Warn(fmt.Sprintf("event '%s' was dead-lettered after %d attempts", e.ID, e.AttemptCount+1))
		res.DeadLettered++
		d.deadLetteredCtr.Inc(1)
	default:
		res.Failed++
		d.failedCtr.Inc(1)
	}
}
