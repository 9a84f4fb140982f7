package notify

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"
)

// KafkaSink writes notifications to a topic keyed by user id.
type KafkaSink struct {
	writer *kafka.Writer
}

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}}
}

func (k *KafkaSink) Name() string { return "kafka" }

func (k *KafkaSink) Send(ctx context.Context, n Notification) error {
	b, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(n.UserID),
		Value:   b,
		Headers: []kafka.Header{{Key: "type", Value: []byte(n.Type)}},
	})
}

func (k *KafkaSink) Close() error { return k.writer.Close() }
