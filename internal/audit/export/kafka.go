package export

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/twmb/franz-go/pkg/kgo"

	"tracerun/internal/audit"
)

// Producer is the subset of *kgo.Client the mirror needs.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// KafkaMirror ships durable audit events to a Kafka topic. The local log
// stays authoritative; the mirror is best effort and counts what it drops.
type KafkaMirror struct {
	producer Producer
	topic    string
	inbox    chan audit.Event
	logger   *slog.Logger
	dropped  atomic.Int64
}

// MirrorOption configures the KafkaMirror.
type MirrorOption func(*KafkaMirror)

func WithLogger(logger *slog.Logger) MirrorOption {
	return func(m *KafkaMirror) {
		m.logger = logger
	}
}

// WithBuffer sets how many events may wait for delivery.
func WithBuffer(n int) MirrorOption {
	return func(m *KafkaMirror) {
		if n > 0 {
			m.inbox = make(chan audit.Event, n)
		}
	}
}

func NewKafkaMirror(producer Producer, topic string, opts ...MirrorOption) *KafkaMirror {
	m := &KafkaMirror{
		producer: producer,
		topic:    topic,
		inbox:    make(chan audit.Event, 1024),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NewKafkaClient builds a franz-go client for the given seed brokers.
func NewKafkaClient(brokers []string, topic string) (*kgo.Client, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.AllowAutoTopicCreation(),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return client, nil
}

// Observe is an audit.Observer. It never blocks the append critical section.
func (m *KafkaMirror) Observe(_ context.Context, e audit.Event) {
	select {
	case m.inbox <- e:
	default:
		m.dropped.Add(1)
	}
}

// Dropped reports how many events were not queued because the buffer was full.
func (m *KafkaMirror) Dropped() int64 {
	return m.dropped.Load()
}

// Run delivers queued events in sequence order until ctx is done. Delivery
// failures are logged and do not stop the loop.
func (m *KafkaMirror) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e := <-m.inbox:
			if err := m.publish(ctx, e); err != nil {
				m.logger.ErrorContext(ctx, "audit mirror publish failed",
					"seq", e.Seq,
					"kind", e.Kind,
					"error", err,
				)
			}
		}
	}
}

func (m *KafkaMirror) publish(ctx context.Context, e audit.Event) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	record := &kgo.Record{
		Topic: m.topic,
		Key:   []byte(e.Subject),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "kind", Value: []byte(e.Kind)},
			{Key: "category", Value: []byte(e.Kind.Category())},
		},
	}
	return m.producer.ProduceSync(ctx, record).FirstErr()
}
