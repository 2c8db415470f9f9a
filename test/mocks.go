package test

import (
	"sync"
	"sync/atomic"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	tally "github.com/uber-go/tally/v4"
)

type MockedTallyCounter struct {
	Ctr    int64
	Output chan int64
}

var _ tally.Counter = (*MockedTallyCounter)(nil)

func (c *MockedTallyCounter) Inc(delta int64) {
	c.Ctr += delta
	c.Output <- c.Ctr
}

type MockedKafkaProducer struct {
	MockedReportToSend kafka.Event
	Snitch             chan *kafka.Message
	RetVal             error
}

func (p *MockedKafkaProducer) Produce(msg *kafka.Message, internal chan kafka.Event) error {
	// send the message to the outside in order to assert it.
	p.Snitch <- msg

	if p.RetVal != nil {
		return p.RetVal
	}

	// send a predefined delivery report to the delivery channel.
	internal <- p.MockedReportToSend

	return nil
}

type MockedKafkaEvent struct{}

func (*MockedKafkaEvent) String() string {
	return "mock"
}

// TestCounter is a goroutine safe counter to assert metrics.Counter usages.
type TestCounter struct {
	value atomic.Int64
}

func (c *TestCounter) Inc(delta int64) {
	c.value.Add(delta)
}

func (c *TestCounter) Value() int64 {
	return c.value.Load()
}

// TestLogger records every message so tests can assert on them.
type TestLogger struct {
	mu       sync.Mutex
	Messages []string
	Errors   []error
}

func (l *TestLogger) Debug(msg string) { l.record(msg, nil) }

func (l *TestLogger) Info(msg string) { l.record(msg, nil) }

func (l *TestLogger) Warn(msg string) { l.record(msg, nil) }

func (l *TestLogger) Error(msg string, err error) { l.record(msg, err) }

func (l *TestLogger) record(msg string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Messages = append(l.Messages, msg)
	if err != nil {
		l.Errors = append(l.Errors, err)
	}
}

// ErrorCount returns the number of recorded errors.
func (l *TestLogger) ErrorCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.Errors)
}
