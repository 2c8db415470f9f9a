package outbox

import (
	"fmt"
	"time"
)

const (
	defaultPollingInterval time.Duration = time.Second * 3
	defaultBatchSize       int           = 100
	defaultMaxAttempts     int           = 10
	defaultStaleAfter      time.Duration = time.Minute
	defaultSweepInterval   time.Duration = time.Second * 30
	defaultDeliveryTimeout time.Duration = time.Second * 10
)

// Settings holds the dispatcher configuration.
type Settings struct {
	PollingInterval time.Duration // interval between claim passes
	BatchSize       int           // maximum number of events claimed per pass
	MaxAttempts     int           // delivery attempts before dead-lettering (-1 = unlimited)
	StaleAfter      time.Duration // in_progress events older than this are reclaimed by the sweep
	SweepInterval   time.Duration // interval between stale sweeps
	DeliveryTimeout time.Duration // maximum wait for the delivery reports of a pass
}

// validateSettings validates the established settings and sets defaults if needed.
func validateSettings(s *Settings) error {
	if s.PollingInterval <= 0 {
		s.PollingInterval = defaultPollingInterval
	}
	if s.BatchSize <= 0 {
		s.BatchSize = defaultBatchSize
	}
	if s.MaxAttempts == 0 || s.MaxAttempts < -1 {
		s.MaxAttempts = defaultMaxAttempts
	}
	if s.StaleAfter <= 0 {
		s.StaleAfter = defaultStaleAfter
	}
	if s.SweepInterval <= 0 {
		s.SweepInterval = defaultSweepInterval
	}
	if s.DeliveryTimeout <= 0 {
		s.DeliveryTimeout = defaultDeliveryTimeout
	}
	if s.StaleAfter <= s.DeliveryTimeout {
		return fmt.Errorf("the stale threshold (%s) must exceed the delivery timeout (%s)", s.StaleAfter, s.DeliveryTimeout)
	}
	return nil
}
