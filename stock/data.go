// Package stock applies quantity changes to stock levels without lost
// updates, across any number of replicas.
package stock

import (
	"errors"
	"fmt"
	"time"

	"github.com/3rs4lg4d0/stockbox/lock"
)

var (
	// ErrInsufficientStock is returned when a change would leave a quantity
	// below zero. Nothing is applied in that case.
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrLevelNotFound is returned when no stock level exists for a key.
	ErrLevelNotFound = errors.New("stock level not found")

	// ErrQuantityOutOfRange is returned when a change would overflow a
	// quantity. Nothing is applied in that case.
	ErrQuantityOutOfRange = errors.New("stock quantity out of range")
)

// Key identifies a stock level.
type Key struct {
	TenantID    string
	ProductID   string
	WarehouseID string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.TenantID, k.ProductID, k.WarehouseID)
}

// LockKey is the resource key serializing mutations of the level.
func (k Key) LockKey() string {
	return lock.Key("stock", k.TenantID, k.ProductID, k.WarehouseID)
}

func (k Key) valid() bool {
	return k.TenantID != "" && k.ProductID != "" && k.WarehouseID != ""
}

// Level is the stock of a product in a warehouse.
type Level struct {
	Key
	Available int64
	Reserved  int64
	Version   int64
	UpdatedAt time.Time
}

// Delta is a signed change applied in place to a level. A level that does
// not exist yet is created from zero.
type Delta struct {
	Key
	Available int64
	Reserved  int64
}

// Apply returns the quantities resulting from applying d to l (nil meaning
// a new level), or ErrInsufficientStock / ErrQuantityOutOfRange.
func (d Delta) Apply(l *Level) (available, reserved int64, err error) {
	if l != nil {
		available, reserved = l.Available, l.Reserved
	}
	var okA, okR bool
	available, okA = add(available, d.Available)
	reserved, okR = add(reserved, d.Reserved)
	if !okA || !okR {
		return 0, 0, fmt.Errorf("%w: %s", ErrQuantityOutOfRange, d.Key)
	}
	if available < 0 || reserved < 0 {
		return 0, 0, fmt.Errorf("%w: %s would end with available=%d reserved=%d", ErrInsufficientStock, d.Key, available, reserved)
	}
	return available, reserved, nil
}

// add returns a+b and false when the sum overflows int64.
func add(a, b int64) (int64, bool) {
	sum := a + b
	if (b > 0 && sum < a) || (b < 0 && sum > a) {
		return 0, false
	}
	return sum, true
}
