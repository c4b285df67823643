// Package publish forwards change events to external brokers.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"sxwatch.onebusaway.org/internal/changes"
)

// messageWriter is the part of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes each change event as one JSON message keyed by line.
type KafkaSink struct {
	writer messageWriter
	topic  string
}

func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 250 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}
}

// NewKafkaSink returns a sink writing to topic on brokers.
func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka sink: no brokers configured")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka sink: topic is required")
	}
	return &KafkaSink{writer: NewWriter(brokers, topic), topic: topic}, nil
}

// Publish implements changes.Sink. Events for the same line share a
// partition, so consumers see them in order.
func (k *KafkaSink) Publish(ctx context.Context, events []changes.Event) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(events))
	for _, e := range events {
		body, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encoding change event %s: %w", e.ID, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(e.LineRef),
			Value: body,
			Time:  e.At.UTC(),
			Headers: []kafka.Header{
				{Key: "direction", Value: []byte(e.Direction)},
			},
		})
	}
	if err := k.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publishing %d change events to %s: %w", len(msgs), k.topic, err)
	}
	return nil
}

func (k *KafkaSink) Close() error {
	return k.writer.Close()
}

// ParseEvent decodes a message produced by KafkaSink.
func ParseEvent(msg kafka.Message) (changes.Event, error) {
	var e changes.Event
	err := json.Unmarshal(msg.Value, &e)
	return e, err
}
