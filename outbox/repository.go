package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrStaleClaim is returned when finalizing an event that is no longer
// claimed by the calling dispatcher (the claim was swept and taken over).
var ErrStaleClaim = errors.New("the outbox event is no longer claimed by this dispatcher")

// Repository manages outbox events persistent operations.
type Repository interface {

	// Save persists an outbox event. This operation must be called inside
	// the business transaction provided in the context.
	Save(ctx context.Context, e *Event) error

	// Claim atomically moves up to limit pending events, oldest first, to
	// in_progress on behalf of dispatcherID and returns them. Concurrent
	// callers never receive the same event.
	Claim(ctx context.Context, dispatcherID uuid.UUID, limit int) ([]*Event, error)

	// MarkPublished moves an event claimed by dispatcherID to published. It
	// returns ErrStaleClaim if the claim is no longer held.
	MarkPublished(ctx context.Context, id, dispatcherID uuid.UUID) error

	// MarkFailed records a failed delivery attempt of an event claimed by
	// dispatcherID. The event goes back to pending, or to failed once its
	// attempts reach maxAttempts (maxAttempts <= 0 never dead-letters). It
	// returns the resulting status, or ErrStaleClaim if the claim is no
	// longer held.
	MarkFailed(ctx context.Context, id, dispatcherID uuid.UUID, cause string, maxAttempts int) (Status, error)

	// ReclaimStale moves back to pending the in_progress events claimed more
	// than staleAfter ago, measured with the store clock that stamped the
	// claim, and returns how many were reclaimed.
	ReclaimStale(ctx context.Context, staleAfter time.Duration) (int64, error)
}
