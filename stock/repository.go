package stock

import "context"

// Repository manages stock levels persistent operations.
type Repository interface {

	// ApplyDelta applies d atomically as a single conditional upsert and
	// returns the resulting level. It returns ErrInsufficientStock, changing
	// nothing, if a quantity would drop below zero, and ErrQuantityOutOfRange
	// if it would overflow. It joins the transaction
	// carried by ctx when there is one.
	ApplyDelta(ctx context.Context, d Delta) (*Level, error)

	// GetLevel returns the level for k or ErrLevelNotFound.
	GetLevel(ctx context.Context, k Key) (*Level, error)
}
