package kafka_test

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	kafkax "github.com/shoporbit/fulfillment/internal/kafka"
)

func waitClosed(t *testing.T, p *kafkax.Producer) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		p.WaitClosed()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("producer flush loop did not exit")
	}
}

// The mains close the producer before cancelling the context; the flush loop
// must exit cleanly in that order too, not spin on the closed inbox.
func TestProducerCloseThenCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := kafkax.NewProducer([]string{"localhost:9"}, "order.timeout", 8, zap.NewNop())
	p.Start(ctx)

	p.Close()
	cancel()
	waitClosed(t, p)
}

func TestProducerCancelThenClose(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := kafkax.NewProducer([]string{"localhost:9"}, "order.timeout", 8, zap.NewNop())
	p.Start(ctx)

	cancel()
	p.Close()
	waitClosed(t, p)
}
