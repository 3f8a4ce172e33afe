// Package events publishes domain events after a unit of work has committed.
// Delivery is best effort: a failed publish is logged and never undoes the
// committed state.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/IBM/sarama"

	"github.com/congo-pay/autopool/internal/metrics"
)

const (
	KindPlacementCompleted = "placement.completed"
	KindLevelPaid          = "level.paid"
	KindLevelBlocked       = "level.blocked"
	KindDepositCredited    = "deposit.credited"
	KindWithdrawalSettled  = "withdrawal.settled"
	KindWithdrawalFailed   = "withdrawal.failed"
)

// Event is one domain event. Key groups events of the same account so a
// partitioned transport keeps them ordered.
type Event struct {
	Kind       string         `json:"kind"`
	Key        string         `json:"key"`
	OccurredAt time.Time      `json:"occurred_at"`
	Data       map[string]any `json:"data"`
}

// New stamps an event with the current time.
func New(kind, key string, data map[string]any) Event {
	return Event{Kind: kind, Key: key, OccurredAt: time.Now().UTC(), Data: data}
}

// Publisher delivers events to downstream systems.
type Publisher interface {
	Publish(ctx context.Context, events ...Event) error
}

// LoggerPublisher writes events to the structured logger.
type LoggerPublisher struct {
	logger *slog.Logger
}

// NewLoggerPublisher constructs a logging publisher.
func NewLoggerPublisher(logger *slog.Logger) *LoggerPublisher {
	return &LoggerPublisher{logger: logger}
}

// Publish writes each event to the logger.
func (p *LoggerPublisher) Publish(_ context.Context, events ...Event) error {
	if p == nil || p.logger == nil {
		return nil
	}
	for _, e := range events {
		p.logger.Info("event", "kind", e.Kind, "key", e.Key, "data", e.Data)
	}
	return nil
}

// KafkaPublisher sends events to a Kafka topic through a sync producer.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
}

// NewKafkaPublisher wraps producer. The caller owns and closes it.
func NewKafkaPublisher(producer sarama.SyncProducer, topic string) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, topic: topic}
}

// Publish encodes events as JSON and sends them as one batch.
func (p *KafkaPublisher) Publish(_ context.Context, events ...Event) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([]*sarama.ProducerMessage, 0, len(events))
	for _, e := range events {
		value, err := json.Marshal(e)
		if err != nil {
			return err
		}
		msgs = append(msgs, &sarama.ProducerMessage{
			Topic:   p.topic,
			Key:     sarama.StringEncoder(e.Key),
			Value:   sarama.ByteEncoder(value),
			Headers: []sarama.RecordHeader{{Key: []byte("kind"), Value: []byte(e.Kind)}},
		})
	}
	return p.producer.SendMessages(msgs)
}

// Dispatcher publishes through a Publisher and swallows failures after
// logging and counting them.
type Dispatcher struct {
	publisher Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewDispatcher builds a Dispatcher. A nil publisher discards every event.
func NewDispatcher(publisher Publisher, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{publisher: publisher, metrics: m, logger: logger}
}

// Emit publishes events and reports failures without returning them.
func (d *Dispatcher) Emit(ctx context.Context, events ...Event) {
	if d == nil || d.publisher == nil || len(events) == 0 {
		return
	}
	err := d.publisher.Publish(ctx, events...)
	for _, e := range events {
		d.metrics.EventPublished(e.Kind, err)
	}
	if err != nil {
		d.logger.Warn("publish events failed", "count", len(events), "kind", events[0].Kind, "error", err)
	}
}
