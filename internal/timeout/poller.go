package timeout

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/shoporbit/fulfillment/internal/contract"
)

// Queue is the poller's view of the scheduler state.
type Queue interface {
	// Due lists the tokens whose fire time has passed, without claiming them.
	Due(ctx context.Context) ([]string, error)
	// OrderOf resolves a token to its order id; ok is false when the token
	// has no mapping left.
	OrderOf(ctx context.Context, token string) (orderID string, ok bool, err error)
	// Claim removes the token from the queue; false when a cancel or another
	// poller got there first.
	Claim(ctx context.Context, token string) (bool, error)
	// MarkFired records that the token's event went out.
	MarkFired(ctx context.Context, token string) error
}

// Writer publishes one message and reports broker acknowledgement.
type Writer interface {
	Write(ctx context.Context, topic string, key, value []byte) error
}

// Poller publishes OrderTimeoutEvent for every token whose fire time has
// passed. The event is published and acknowledged before the token is
// claimed: a crash or broker failure in between leaves the token queued for
// the next tick, so the failure mode is a duplicate event, which the order
// status guard absorbs. A lost fire would leave the order Pending forever.
type Poller struct {
	q        Queue
	sink     Writer
	log      *zap.Logger
	producer string
	interval time.Duration
}

func NewPoller(q Queue, sink Writer, producer string, interval time.Duration, log *zap.Logger) *Poller {
	return &Poller{q: q, sink: sink, log: log, producer: producer, interval: interval}
}

func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.fireDue(ctx); err != nil {
				p.log.Error("timeout poll failed", zap.Error(err))
			}
		}
	}
}

func (p *Poller) fireDue(ctx context.Context) error {
	tokens, err := p.q.Due(ctx)
	if err != nil {
		return err
	}

	for _, token := range tokens {
		orderID, ok, err := p.q.OrderOf(ctx, token)
		if err != nil {
			return err
		}
		if !ok {
			p.log.Warn("timeout token has no order, dropping", zap.String("token", token))
			if _, err := p.q.Claim(ctx, token); err != nil {
				return err
			}
			continue
		}

		env := contract.NewEnvelope(contract.EventOrderTimeout, p.producer, orderID,
			contract.OrderTimeoutEvent{OrderID: orderID, TimeoutToken: token})
		b, err := json.Marshal(env)
		if err != nil {
			return err
		}
		if err := p.sink.Write(ctx, contract.TopicOrderTimeout, contract.PartitionKey(orderID), b); err != nil {
			// token stays queued; the next tick retries
			return err
		}

		claimed, err := p.q.Claim(ctx, token)
		if err != nil {
			return err
		}
		if !claimed {
			// a cancel or another poller won the claim after the publish;
			// the duplicate event is absorbed downstream
			continue
		}
		if err := p.q.MarkFired(ctx, token); err != nil {
			p.log.Warn("fired marker not set", zap.String("token", token), zap.Error(err))
		}
		p.log.Info("order timeout fired",
			zap.String("order_id", orderID),
			zap.String("token", token))
	}
	return nil
}
