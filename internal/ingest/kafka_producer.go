package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/donor-matching/internal/models"
)

const publishTimeout = 2 * time.Second

// KafkaProducer publishes donor location changes. Messages are keyed by donor
// id so all events for one donor land on the same partition in order.
type KafkaProducer struct {
	writer *kafka.Writer
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaProducer{writer: w}
}

func (k *KafkaProducer) PublishLocation(ctx context.Context, ev models.LocationEvent) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode location event: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(ev.DonorID), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// DecodeLocation parses a location event message and normalizes it the same
// way the HTTP ingest path does. The message key stands in for a missing id.
func DecodeLocation(msg kafka.Message) (models.LocationEvent, error) {
	var ev models.LocationEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		return ev, fmt.Errorf("decode location event: %w", err)
	}
	if strings.TrimSpace(ev.DonorID) == "" {
		ev.DonorID = string(msg.Key)
	}
	if err := ev.Normalize(); err != nil {
		return ev, fmt.Errorf("location event %q: %w", ev.DonorID, err)
	}
	return ev, nil
}
