// Package kafka implements an outbox.Emitter on top of the confluent Kafka
// client.
package kafka

import (
	"context"
	"fmt"
	"reflect"
	"strconv"

	"github.com/3rs4lg4d0/stockbox/emitter"
	"github.com/3rs4lg4d0/stockbox/logger"
	"github.com/3rs4lg4d0/stockbox/outbox"
	"github.com/confluentinc/confluent-kafka-go/kafka"
)

// kafkaProducer is the subset of *kafka.Producer used by the emitter.
type kafkaProducer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
}

type Emitter struct {
	producer    kafkaProducer
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

func New(p kafkaProducer, options ...opt) *Emitter {
	if p == nil || reflect.ValueOf(p).IsNil() {
		panic("Producer is mandatory")
	}
	e := &Emitter{
		producer:    p,
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

// Emit produces the event asynchronously. The delivery report of the
// message is forwarded to reports once the broker acknowledges it.
func (e *Emitter) Emit(_ context.Context, o *outbox.Event, reports chan<- *outbox.DeliveryReport) error {
	var internal = make(chan kafka.Event, 1)
	go func() {
		// the channel is used for a single Produce call, so the first event
		// is the only one.
		ev, ok := <-internal
		if !ok {
			return
		}
		switch m := ev.(type) {
		case *kafka.Message:
			reports <- &outbox.DeliveryReport{
				Event: o,
				Error: m.TopicPartition.Error,
				Details: fmt.Sprintf("delivered event %s to topic %s [%d] at offset %v",
					o.ID, *m.TopicPartition.Topic, m.TopicPartition.Partition, m.TopicPartition.Offset),
			}
		default:
			e.logger.Debug(fmt.Sprintf("unexpected delivery event: %s", ev))
			reports <- &outbox.DeliveryReport{
				Event: o,
				Error: fmt.Errorf("unexpected delivery event: %s", ev),
			}
		}
	}()

	topic := emitter.TopicName(e.topicPrefix, o.EventType)
	err := e.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(o.AggregateID),
		Value:          o.Payload,
		Headers: []kafka.Header{
			{Key: emitter.HeaderID, Value: []byte(o.ID.String())},
			{Key: emitter.HeaderTenantID, Value: []byte(o.TenantID)},
			{Key: emitter.HeaderEventType, Value: []byte(o.EventType)},
			{Key: emitter.HeaderCreatedAt, Value: []byte(strconv.FormatInt(o.CreatedAt.UnixMilli(), 10))},
		},
	}, internal)
	if err != nil {
		// no delivery event will follow a rejected message.
		close(internal)
		return fmt.Errorf("could not produce the event %s: %w", o.ID, err)
	}

	return nil
}
