package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/segmentio/kafka-go"

	"otp-service/internal/bucketing"
)

// MessageWriter is satisfied by *kafka.Writer and client.KafkaProducer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaSink publishes each event as JSON. Messages are keyed by the identity bucket so events
// for one identity stay ordered within a partition.
type KafkaSink struct {
	writer  MessageWriter
	closer  func() error
	topic   string
	buckets *bucketing.Manager
}

func NewKafkaSink(writer MessageWriter, closer func() error, topic string, buckets *bucketing.Manager) *KafkaSink {
	if buckets == nil {
		buckets = bucketing.NewManager(64)
	}
	return &KafkaSink{writer: writer, closer: closer, topic: topic, buckets: buckets}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Write(ctx context.Context, batch []Event) error {
	msgs := make([]kafka.Message, 0, len(batch))
	for _, ev := range batch {
		value, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("failed to encode event %s: %w", ev.ID, err)
		}
		msgs = append(msgs, kafka.Message{
			Topic: s.topic,
			Key:   []byte(strconv.Itoa(s.buckets.Bucket(ev.IdentityHash))),
			Value: value,
			Time:  ev.OccurredAt,
			Headers: []kafka.Header{
				{Key: "event_type", Value: []byte(ev.Type)},
			},
		})
	}
	return s.writer.WriteMessages(ctx, msgs...)
}

func (s *KafkaSink) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
