package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/xiaot623/gogo/switchboard/internal/domain"
)

// KafkaMirror copies every published event to a Kafka topic for downstream
// consumers. It is not a replay source for live subscribers.
type KafkaMirror struct {
	producer sarama.SyncProducer
	topic    string
}

// NewKafkaMirror connects a sync producer to brokers.
func NewKafkaMirror(brokers []string, topic string) (*KafkaMirror, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka mirror: at least one broker is required")
	}
	producer, err := sarama.NewSyncProducer(brokers, mirrorConfig())
	if err != nil {
		return nil, fmt.Errorf("kafka mirror: create producer: %w", err)
	}
	return NewKafkaMirrorWithProducer(producer, topic), nil
}

// NewKafkaMirrorWithProducer wraps an existing producer.
func NewKafkaMirrorWithProducer(producer sarama.SyncProducer, topic string) *KafkaMirror {
	return &KafkaMirror{producer: producer, topic: topic}
}

// Publish writes event keyed by its session, or connection, so one
// conversation stays in one partition.
func (m *KafkaMirror) Publish(_ context.Context, event *domain.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("kafka mirror: encode %s: %w", event.Kind, err)
	}
	msg := &sarama.ProducerMessage{
		Topic: m.topic,
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event"), Value: []byte(event.Kind)},
		},
	}
	if key := partitionKey(event); key != "" {
		msg.Key = sarama.StringEncoder(key)
	}
	if _, _, err := m.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("kafka mirror: send: %w", err)
	}
	return nil
}

// Close releases the producer.
func (m *KafkaMirror) Close() error {
	return m.producer.Close()
}

func partitionKey(event *domain.Event) string {
	switch {
	case event.SessionID != "":
		return event.SessionID
	case event.ConnectionID != "":
		return event.ConnectionID
	default:
		return event.OrganizationID
	}
}

func mirrorConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Retry.Backoff = 250 * time.Millisecond
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.Timeout = 5 * time.Second
	return cfg
}
