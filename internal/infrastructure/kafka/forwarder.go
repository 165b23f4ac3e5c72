package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	domoutbox "github.com/Zhima-Mochi/cart-reservation/internal/domain/outbox"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
)

const (
	DefaultTopic = "reservation-events"

	headerEventName   = "event-name"
	headerPublishedAt = "published-at"
)

var ErrNoBrokers = errors.New("kafka: no brokers configured")

// MessageWriter is the part of *kafka.Writer the forwarder needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Forwarder publishes domain events onto a kafka topic, keyed so that every event of
// one product slot lands on the same partition.
type Forwarder struct {
	writer MessageWriter
	now    func() time.Time
}

// NewWriter builds a kafka-go writer for topic with hash balancing on the message key.
func NewWriter(brokers []string, topic string) (*kafka.Writer, error) {
	if len(brokers) == 0 {
		return nil, ErrNoBrokers
	}
	if topic == "" {
		topic = DefaultTopic
	}
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
	}, nil
}

func NewForwarder(writer MessageWriter) *Forwarder {
	return &Forwarder{writer: writer, now: time.Now}
}

// Forward encodes e as JSON and writes it with trace context headers.
func (f *Forwarder) Forward(ctx context.Context, e domoutbox.Event) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("kafka: encode %s: %w", e.EventName(), err)
	}

	msg := kafka.Message{
		Key:   []byte(domoutbox.KeyOf(e)),
		Value: value,
		Headers: []kafka.Header{
			{Key: headerEventName, Value: []byte(e.EventName())},
			{Key: headerPublishedAt, Value: []byte(f.now().UTC().Format(time.RFC3339Nano))},
		},
	}
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier{msg: &msg})

	if err := f.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka: write %s: %w", e.EventName(), err)
	}
	return nil
}

func (f *Forwarder) Close() error {
	return f.writer.Close()
}

// headerCarrier adapts kafka message headers to the otel TextMapCarrier.
type headerCarrier struct {
	msg *kafka.Message
}

func (c headerCarrier) Get(key string) string {
	for _, h := range c.msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c headerCarrier) Set(key, value string) {
	for i := range c.msg.Headers {
		if c.msg.Headers[i].Key == key {
			c.msg.Headers[i].Value = []byte(value)
			return
		}
	}
	c.msg.Headers = append(c.msg.Headers, kafka.Header{Key: key, Value: []byte(value)})
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c.msg.Headers))
	for _, h := range c.msg.Headers {
		keys = append(keys, h.Key)
	}
	return keys
}
