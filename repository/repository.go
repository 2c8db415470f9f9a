// Package repository holds the contracts shared by the durable store
// drivers. Drivers carry the business transaction in the context under a
// client provided TxKey.
package repository

import (
	"context"
	"errors"
)

type TxKey any

// ErrTxNotFound is returned by operations that must run inside a business
// transaction when the context carries none.
var ErrTxNotFound = errors.New("a transaction was expected in the context")

// TxManager runs units of work inside a store transaction.
type TxManager interface {
	// WithTx begins a transaction, stores it in the context handed to fn
	// and commits when fn returns nil (rolls back otherwise). If ctx already
	// carries a transaction, fn joins it and the outer owner decides.
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}
