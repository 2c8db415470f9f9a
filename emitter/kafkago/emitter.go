// Package kafkago implements an outbox.Emitter on top of segmentio/kafka-go.
package kafkago

import (
	"context"
	"fmt"
	"reflect"
	"strconv"

	"github.com/3rs4lg4d0/stockbox/emitter"
	"github.com/3rs4lg4d0/stockbox/logger"
	"github.com/3rs4lg4d0/stockbox/outbox"
	"github.com/segmentio/kafka-go"
)

// messageWriter is the subset of *kafka.Writer used by the emitter.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type Emitter struct {
	writer      messageWriter
	topicPrefix string
	logger      logger.Logger
}

var _ outbox.Emitter = (*Emitter)(nil)
var _ logger.Loggable = (*Emitter)(nil)

// opt allows optional configuration.
type opt func(e *Emitter)

// WithTopicPrefix changes the prefix of the topic names.
func WithTopicPrefix(p string) opt {
	return func(e *Emitter) {
		if p != "" {
			e.topicPrefix = p
		}
	}
}

// NewWriter returns a writer that waits for every in-sync replica and keeps
// the events of an aggregate in the same partition.
func NewWriter(brokers ...string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		RequiredAcks:           kafka.RequireAll,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
}

func New(w messageWriter, options ...opt) *Emitter {
	if w == nil || reflect.ValueOf(w).IsNil() {
		panic("Writer is mandatory")
	}
	e := &Emitter{
		writer:      w,
		topicPrefix: emitter.DefaultTopicPrefix,
		logger:      &logger.NopLogger{},
	}
	for _, o := range options {
		o(e)
	}
	return e
}

func (e *Emitter) SetLogger(l logger.Logger) {
	if l != nil {
		e.logger = l
	}
}

// Emit writes the event in the background and reports the outcome once the
// write returns.
func (e *Emitter) Emit(ctx context.Context, o *outbox.Event, reports chan<- *outbox.DeliveryReport) error {
	topic := emitter.TopicName(e.topicPrefix, o.EventType)
	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(o.AggregateID),
		Value: o.Payload,
		Headers: []kafka.Header{
			{Key: emitter.HeaderID, Value: []byte(o.ID.String())},
			{Key: emitter.HeaderTenantID, Value: []byte(o.TenantID)},
			{Key: emitter.HeaderEventType, Value: []byte(o.EventType)},
			{Key: emitter.HeaderCreatedAt, Value: []byte(strconv.FormatInt(o.CreatedAt.UnixMilli(), 10))},
		},
	}

	go func() {
		dr := &outbox.DeliveryReport{Event: o}
		if err := e.writer.WriteMessages(ctx, msg); err != nil {
			dr.Error = fmt.Errorf("could not write the event %s: %w", o.ID, err)
		} else {
			dr.Details = fmt.Sprintf("delivered event %s to topic %s", o.ID, topic)
		}
		reports <- dr
	}()

	return nil
}
