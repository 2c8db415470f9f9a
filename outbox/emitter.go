package outbox

import "context"

// DeliveryReport contains information about an outbox event delivery.
type DeliveryReport struct {
	Event   *Event // event related to the delivery
	Error   error  // error during the delivery if any
	Details string // more information about the delivery
}

// Emitter defines the contract for emitters of outbox events.
type Emitter interface {
	// Emit sends the event to a message broker. The outcome is reported
	// asynchronously through reports; a returned error means the event was
	// not handed to the broker and no report will follow.
	Emit(ctx context.Context, e *Event, reports chan<- *DeliveryReport) error
}
