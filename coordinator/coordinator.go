// Package coordinator defines the contract of the shared key-value service
// used for ephemeral coordination state (locks and idempotency markers). It
// must never hold business data.
package coordinator

import (
	"context"
	"errors"
	"time"
)

// ErrUnreachable is returned when the coordinator cannot be reached. It is
// an infrastructure failure, distinct from contention on a key.
var ErrUnreachable = errors.New("lock coordinator unreachable")

// Coordinator is the set of atomic primitives the lock service and the
// idempotency guard are built on. Every method is a single round-trip and
// must be atomic on the server side.
type Coordinator interface {
	// SetNX stores value under key with the given ttl only if key is absent.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Get returns the current value of key. found is false when absent.
	Get(ctx context.Context, key string) (value string, found bool, err error)

	// CompareAndDelete deletes key only if its current value equals expected.
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)

	// CompareAndSwap replaces the value of key with value (resetting its ttl)
	// only if its current value equals expected.
	CompareAndSwap(ctx context.Context, key, expected, value string, ttl time.Duration) (bool, error)

	// CompareAndExpire resets the ttl of key only if its current value equals
	// expected.
	CompareAndExpire(ctx context.Context, key, expected string, ttl time.Duration) (bool, error)

	// Delete removes key unconditionally. Reserved for administrative use.
	Delete(ctx context.Context, key string) (bool, error)
}
