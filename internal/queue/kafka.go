package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/IBM/sarama"

	"subsync/internal/types"
)

// KafkaPublisher writes effects to a topic keyed by account id, so every
// effect for an account lands on one partition in commit order.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
	logger   *slog.Logger
}

// NewKafkaPublisher wraps an existing producer.
func NewKafkaPublisher(producer sarama.SyncProducer, topic string, logger *slog.Logger) *KafkaPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaPublisher{producer: producer, topic: topic, logger: logger}
}

// NewSyncProducer connects a synchronous producer that waits for all
// in-sync replicas.
func NewSyncProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Return.Successes = true
	cfg.Producer.Compression = sarama.CompressionSnappy

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("queue: connect kafka producer: %w", err)
	}
	return producer, nil
}

// Notify implements billing.Notifier.
func (p *KafkaPublisher) Notify(ctx context.Context, effect types.Effect) error {
	value, err := json.Marshal(effect)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal effect: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(effect.AccountID),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("effect_kind"), Value: []byte(effect.Kind)},
			{Key: []byte("event_id"), Value: []byte(effect.EventID)},
		},
		Timestamp: effect.OccurredAt,
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("queue: failed to publish effect to %s: %w", p.topic, err)
	}

	p.logger.InfoContext(ctx, "effect published",
		"topic", p.topic,
		"partition", partition,
		"offset", offset,
		"effect", string(effect.Kind),
		"account_id", effect.AccountID,
	)
	return nil
}

// Close flushes and closes the producer.
func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}
