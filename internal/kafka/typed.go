package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/shoporbit/fulfillment/internal/contract"
)

// Typed adapts a typed event handler to a raw message Handler. Messages whose
// envelope carries a different event type are ignored and committed.
func Typed[T any](eventType string, fn func(ctx context.Context, ev T) error) Handler {
	return func(ctx context.Context, m kafkago.Message) error {
		var env contract.Envelope
		if err := json.Unmarshal(m.Value, &env); err != nil {
			return fmt.Errorf("decode envelope: %w", err)
		}
		if env.EventType != eventType {
			return nil
		}
		p, err := UnwrapPayload[T](env.Payload)
		if err != nil {
			return err
		}
		return fn(ctx, p)
	}
}
