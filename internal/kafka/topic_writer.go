package kafka

import (
	"context"

	"github.com/segmentio/kafka-go"
)

// TopicWriter writes synchronously to a topic chosen per message. The outbox
// processor uses it: a message is only marked published after the broker
// acknowledged it.
type TopicWriter struct {
	w *kafka.Writer
}

func NewTopicWriter(brokers []string) *TopicWriter {
	return &TopicWriter{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
		},
	}
}

func (t *TopicWriter) Write(ctx context.Context, topic string, key, value []byte) error {
	return t.w.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   key,
		Value: value,
	})
}

func (t *TopicWriter) Close() error { return t.w.Close() }
