package kafkago

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/3rs4lg4d0/stockbox/emitter"
	"github.com/3rs4lg4d0/stockbox/outbox"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockedWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	retVal error
}

func (w *mockedWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msgs...)
	return w.retVal
}

func TestNew(t *testing.T) {
	assert.Panics(t, func() { New(nil) })
	assert.Panics(t, func() {
		var w *mockedWriter
		New(w)
	})
	e := New(&mockedWriter{}, WithTopicPrefix("inventory"))
	assert.Equal(t, "inventory", e.topicPrefix)
}

func TestNewWriter(t *testing.T) {
	w := NewWriter("localhost:9092")
	assert.Equal(t, kafka.RequireAll, w.RequiredAcks)
	assert.IsType(t, &kafka.Hash{}, w.Balancer)
	assert.Empty(t, w.Topic)
}

func TestEmit(t *testing.T) {
	id := uuid.New()
	createdAt := time.Now()
	event := &outbox.Event{
		ID:          id,
		TenantID:    "tenant",
		EventType:   "GoodsShipped",
		AggregateID: "aggregateID",
		Payload:     []byte("payload"),
		CreatedAt:   createdAt,
	}

	testcases := []struct {
		name          string
		retVal        error
		wantReportErr bool
	}{
		{name: "delivered"},
		{name: "write failure", retVal: errors.New("leader not available"), wantReportErr: true},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			w := &mockedWriter{retVal: tc.retVal}
			e := New(w)
			reports := make(chan *outbox.DeliveryReport, 1)

			require.NoError(t, e.Emit(context.Background(), event, reports))

			var report *outbox.DeliveryReport
			select {
			case report = <-reports:
			case <-time.After(time.Second):
				t.Fatal("no delivery report")
			}
			assert.Same(t, event, report.Event)
			assert.Equal(t, tc.wantReportErr, report.Error != nil)

			w.mu.Lock()
			defer w.mu.Unlock()
			require.Len(t, w.msgs, 1)
			msg := w.msgs[0]
			assert.Equal(t, "outbox-goods-shipped", msg.Topic)
			assert.Equal(t, []byte("aggregateID"), msg.Key)
			assert.Equal(t, []byte("payload"), msg.Value)
			assert.Equal(t, []kafka.Header{
				{Key: emitter.HeaderID, Value: []byte(id.String())},
				{Key: emitter.HeaderTenantID, Value: []byte("tenant")},
				{Key: emitter.HeaderEventType, Value: []byte("GoodsShipped")},
				{Key: emitter.HeaderCreatedAt, Value: []byte(strconv.FormatInt(createdAt.UnixMilli(), 10))},
			}, msg.Headers)
		})
	}
}
