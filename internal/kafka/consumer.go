package kafka

import (
	"context"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/shoporbit/fulfillment/internal/contract"
)

// Handler must return nil only when the message may be committed.
type Handler func(ctx context.Context, m kafka.Message) error

// RetryPolicy bounds handler retries. A message that still fails after
// MaxAttempts goes to the topic's dead-letter topic and is then committed;
// handlers never loop on their own.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

type Consumer struct {
	r       *kafka.Reader
	dlq     *kafka.Writer
	topic   string
	log     *zap.Logger
	policy  RetryPolicy
	workers int
}

func NewConsumer(brokers []string, group, topic string, workers int, policy RetryPolicy, log *zap.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        group,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commit
	})
	if workers <= 0 {
		workers = 1
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	return &Consumer{
		r: r,
		dlq: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        contract.DLQTopic(topic),
			RequiredAcks: kafka.RequireAll,
		},
		topic:   topic,
		log:     log.With(zap.String("topic", topic), zap.String("group", group)),
		policy:  policy,
		workers: workers,
	}
}

func (c *Consumer) Start(ctx context.Context, h Handler) error {
	defer c.r.Close()
	defer c.dlq.Close()

	// one channel per worker, sharded by partition: messages of a partition
	// are handled and committed in offset order, which also keeps the events
	// of one order (its id is the partition key) sequential
	shards := make([]chan kafka.Message, c.workers)
	var wg sync.WaitGroup
	for i := range shards {
		shards[i] = make(chan kafka.Message, 128)
		wg.Add(1)
		go func(ch <-chan kafka.Message) {
			defer wg.Done()
			for m := range ch {
				c.process(ctx, h, m)
			}
		}(shards[i])
	}
	defer func() {
		for _, ch := range shards {
			close(ch)
		}
		wg.Wait()
	}()

	for {
		m, err := c.r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case shards[shardFor(m.Partition, c.workers)] <- m:
		case <-ctx.Done():
			return nil
		}
	}
}

// shardFor pins a partition to one worker.
func shardFor(partition, workers int) int {
	return partition % workers
}

func (c *Consumer) process(ctx context.Context, h Handler, m kafka.Message) {
	var err error
	for attempt := 1; attempt <= c.policy.MaxAttempts; attempt++ {
		if err = h(ctx, m); err == nil {
			break
		}
		c.log.Warn("handler failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.policy.MaxAttempts),
			zap.Error(err))
		if attempt < c.policy.MaxAttempts {
			select {
			case <-time.After(c.policy.Backoff):
			case <-ctx.Done():
				return
			}
		}
	}

	if err != nil {
		// leave the message uncommitted when even the DLQ is unreachable,
		// so the group redelivers it
		if dlqErr := c.deadLetter(ctx, m, err); dlqErr != nil {
			c.log.Error("dead-letter write failed", zap.Error(dlqErr))
			return
		}
		c.log.Error("message dead-lettered for manual inspection", zap.Error(err))
	}

	if err := c.r.CommitMessages(ctx, m); err != nil {
		c.log.Error("commit failed", zap.Error(err))
	}
}

func (c *Consumer) deadLetter(ctx context.Context, m kafka.Message, cause error) error {
	dm := kafka.Message{
		Key:   m.Key,
		Value: m.Value,
		Headers: append(m.Headers,
			kafka.Header{Key: "x-dlq-reason", Value: []byte(cause.Error())},
			kafka.Header{Key: "x-origin-topic", Value: []byte(c.topic)},
		),
	}
	return c.dlq.WriteMessages(ctx, dm)
}
