// Package inventory implements the stock documents of a warehouse
// (receipts, shipments and reservations) on top of the stock mutator and
// the transactional outbox.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/3rs4lg4d0/stockbox/logger"
	"github.com/3rs4lg4d0/stockbox/outbox"
	"github.com/3rs4lg4d0/stockbox/stock"
)

// ErrInvalidDocument is returned for malformed documents.
var ErrInvalidDocument = errors.New("invalid document")

// Document is the common shape of receipts, shipments and reservations.
type Document struct {
	ID          string `json:"id"`
	WarehouseID string `json:"warehouseId"`
	Lines       []Line `json:"lines"`
}

type Receipt struct {
	Document
}

type Shipment struct {
	Document
}

type Reservation struct {
	Document
	OrderID string `json:"orderId,omitempty"`
}

// Result is the outcome of a committed document.
type Result struct {
	Event  *outbox.Event
	Levels []*stock.Level
}

type Service struct {
	mutator *stock.Mutator
	outbox  *outbox.Outbox
	now     func() time.Time
	logger  logger.Logger
}

// opt allows optional configuration.
type opt func(s *Service)

// WithLogger allows clients to configure an optional logger.
func WithLogger(l logger.Logger) opt {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewService(m *stock.Mutator, o *outbox.Outbox, options ...opt) *Service {
	if m == nil {
		panic("you must provide a stock mutator")
	}
	if o == nil {
		panic("you must provide an outbox")
	}
	s := &Service{
		mutator: m,
		outbox:  o,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  &logger.NopLogger{},
	}
	for _, o := range options {
		o(s)
	}
	return s
}

// Receive adds the received quantities to the available stock.
func (s *Service) Receive(ctx context.Context, tenantID string, r Receipt) (*Result, error) {
	return s.apply(ctx, tenantID, r.Document, 1, 0, func() outbox.Payload {
		return GoodsReceived{ReceiptID: r.ID, WarehouseID: r.WarehouseID, Lines: r.Lines, OccurredAt: s.now()}
	})
}

// Ship removes the shipped quantities from the available stock.
func (s *Service) Ship(ctx context.Context, tenantID string, sh Shipment) (*Result, error) {
	return s.apply(ctx, tenantID, sh.Document, -1, 0, func() outbox.Payload {
		return GoodsShipped{ShipmentID: sh.ID, WarehouseID: sh.WarehouseID, Lines: sh.Lines, OccurredAt: s.now()}
	})
}

// Reserve moves the quantities from available to reserved.
func (s *Service) Reserve(ctx context.Context, tenantID string, rv Reservation) (*Result, error) {
	return s.apply(ctx, tenantID, rv.Document, -1, 1, func() outbox.Payload {
		return StockReserved{ReservationID: rv.ID, OrderID: rv.OrderID, WarehouseID: rv.WarehouseID, Lines: rv.Lines, OccurredAt: s.now()}
	})
}

// Level returns the stock of a product in a warehouse.
func (s *Service) Level(ctx context.Context, tenantID, productID, warehouseID string) (*stock.Level, error) {
	return s.mutator.Level(ctx, stock.Key{TenantID: tenantID, ProductID: productID, WarehouseID: warehouseID})
}

// apply turns every line of doc into a delta scaled by the available and
// reserved signs, and appends the document event in the same transaction.
func (s *Service) apply(ctx context.Context, tenantID string, doc Document, availableSign, reservedSign int64, event func() outbox.Payload) (*Result, error) {
	if err := validate(tenantID, doc); err != nil {
		return nil, err
	}

	deltas := make([]stock.Delta, len(doc.Lines))
	for i, l := range doc.Lines {
		deltas[i] = stock.Delta{
			Key:       stock.Key{TenantID: tenantID, ProductID: l.ProductID, WarehouseID: doc.WarehouseID},
			Available: availableSign * l.Quantity,
			Reserved:  reservedSign * l.Quantity,
		}
	}

	var res Result
	levels, err := s.mutator.Apply(ctx, deltas, func(ctx context.Context, _ []*stock.Level) error {
		e, err := s.outbox.Append(ctx, tenantID, doc.WarehouseID, event())
		if err != nil {
			return err
		}
		res.Event = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	res.Levels = levels
	s.logger.Debug(fmt.Sprintf("document %s applied, event %s appended", doc.ID, res.Event.ID))
	return &res, nil
}

func validate(tenantID string, doc Document) error {
	switch {
	case tenantID == "":
		return fmt.Errorf("%w: missing tenant", ErrInvalidDocument)
	case doc.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidDocument)
	case doc.WarehouseID == "":
		return fmt.Errorf("%w: missing warehouse", ErrInvalidDocument)
	case len(doc.Lines) == 0:
		return fmt.Errorf("%w: no lines", ErrInvalidDocument)
	}
	for i, l := range doc.Lines {
		if l.ProductID == "" || l.Quantity <= 0 {
			return fmt.Errorf("%w: line %d needs a product and a positive quantity", ErrInvalidDocument, i+1)
		}
	}
	return nil
}
