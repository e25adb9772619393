// Package events publishes auth lifecycle events for downstream consumers
// (analytics, the clinical services' user caches).
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type Type string

const (
	UserSynced       Type = "user.synced"
	SessionSignedOut Type = "session.signed_out"
	SessionForcedOut Type = "session.forced_out"
)

type Event struct {
	Type           Type      `json:"type"`
	ExternalUserID string    `json:"external_user_id"`
	UserID         string    `json:"user_id,omitempty"`
	Role           string    `json:"role,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// KafkaPublisher writes events as JSON keyed by external user id, so all
// events for one user land on the same partition.
type KafkaPublisher struct {
	writer *kafka.Writer
	log    *zap.Logger
}

func NewKafkaPublisher(brokers []string, topic string, log *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			BatchTimeout:           50 * time.Millisecond,
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: false,
		},
		log: log,
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err = p.writer.WriteMessages(writeCtx, kafka.Message{
		Key:   []byte(e.ExternalUserID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(e.Type)},
		},
	})
	if err != nil {
		p.log.Warn("event publish failed", zap.String("type", string(e.Type)), zap.Error(err))
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// Noop discards events. Used when no brokers are configured.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }
func (Noop) Close() error                         { return nil }

// New returns a Kafka publisher, or Noop when brokers is empty.
func New(brokers []string, topic string, log *zap.Logger) Publisher {
	if len(brokers) == 0 || topic == "" {
		return Noop{}
	}
	return NewKafkaPublisher(brokers, topic, log)
}
