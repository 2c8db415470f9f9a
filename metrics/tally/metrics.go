package tally

import (
	"github.com/3rs4lg4d0/stockbox/metrics"
	tally "github.com/uber-go/tally/v4"
)

type Counter struct {
	Counter tally.Counter
}

var _ metrics.Counter = (*Counter)(nil)

func (c *Counter) Inc(delta int64) {
	c.Counter.Inc(delta)
}

// DispatcherCounters builds the dispatcher counters from a tally scope,
// tagged with the dispatcher name.
func DispatcherCounters(scope tally.Scope, dispatcher string) (published, failed, deadLettered *Counter) {
	s := scope.Tagged(map[string]string{"dispatcher": dispatcher})
	return &Counter{Counter: s.Counter("outbox_published")},
		&Counter{Counter: s.Counter("outbox_publish_failed")},
		&Counter{Counter: s.Counter("outbox_dead_lettered")}
}
