package inventory

import (
	"time"

	"github.com/3rs4lg4d0/stockbox/outbox"
)

const (
	EventGoodsReceived = "inventory.goods_received"
	EventGoodsShipped  = "inventory.goods_shipped"
	EventStockReserved = "inventory.stock_reserved"
)

// Line is a product quantity within a document.
type Line struct {
	ProductID string `json:"productId"`
	Quantity  int64  `json:"quantity"`
}

type GoodsReceived struct {
	ReceiptID   string    `json:"receiptId"`
	WarehouseID string    `json:"warehouseId"`
	Lines       []Line    `json:"lines"`
	OccurredAt  time.Time `json:"occurredAt"`
}

func (GoodsReceived) EventType() string { return EventGoodsReceived }

type GoodsShipped struct {
	ShipmentID  string    `json:"shipmentId"`
	WarehouseID string    `json:"warehouseId"`
	Lines       []Line    `json:"lines"`
	OccurredAt  time.Time `json:"occurredAt"`
}

func (GoodsShipped) EventType() string { return EventGoodsShipped }

type StockReserved struct {
	ReservationID string    `json:"reservationId"`
	OrderID       string    `json:"orderId,omitempty"`
	WarehouseID   string    `json:"warehouseId"`
	Lines         []Line    `json:"lines"`
	OccurredAt    time.Time `json:"occurredAt"`
}

func (StockReserved) EventType() string { return EventStockReserved }

// Registry returns a registry able to decode every inventory event.
func Registry() *outbox.Registry {
	r := outbox.NewRegistry()
	r.Register(func() outbox.Payload { return &GoodsReceived{} })
	r.Register(func() outbox.Payload { return &GoodsShipped{} })
	r.Register(func() outbox.Payload { return &StockReserved{} })
	return r
}
