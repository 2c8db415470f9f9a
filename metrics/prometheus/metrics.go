package prometheus

import (
	"errors"

	"github.com/3rs4lg4d0/stockbox/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

// Counter adapts a prometheus counter to metrics.Counter. Negative deltas
// are ignored because prometheus counters are monotonic.
type Counter struct {
	Counter prometheus.Counter
}

var _ metrics.Counter = (*Counter)(nil)

func (c *Counter) Inc(delta int64) {
	if delta <= 0 {
		return
	}
	c.Counter.Add(float64(delta))
}

// OutboxCounters registers the outbox counter vector in reg, or reuses the
// one already registered, and returns the
// published, failed and dead-lettered children for the given dispatcher.
func OutboxCounters(reg prometheus.Registerer, namespace, dispatcher string) (published, failed, deadLettered *Counter, err error) {
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "outbox",
		Name:      "events_total",
		Help:      "Outbox delivery outcomes by dispatcher.",
	}, []string{"dispatcher", "outcome"})
	if err := reg.Register(vec); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return nil, nil, nil, err
		}
		// another dispatcher of this process registered it first
		existing, ok := are.ExistingCollector.(*prometheus.CounterVec)
		if !ok {
			return nil, nil, nil, err
		}
		vec = existing
	}
	return &Counter{Counter: vec.WithLabelValues(dispatcher, "published")},
		&Counter{Counter: vec.WithLabelValues(dispatcher, "failed")},
		&Counter{Counter: vec.WithLabelValues(dispatcher, "dead_lettered")},
		nil
}
