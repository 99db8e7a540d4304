// Package outbox stages events in the owning service's database so a status
// change and its resulting event commit or roll back together. A background
// processor drains staged rows to the broker.
package outbox

import (
	"encoding/json"
	"time"

	"github.com/shoporbit/fulfillment/internal/contract"
)

type Event struct {
	ID          int64
	Topic       string
	Key         string
	Payload     json.RawMessage
	CreatedAt   time.Time
	PublishedAt *time.Time
	Attempts    int
	LastError   *string
}

// NewEvent stages an envelope for the given topic, keyed by its correlation
// id so partitioning matches directly-published events.
func NewEvent(topic string, env contract.Envelope) (*Event, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return &Event{
		Topic:   topic,
		Key:     env.CorrelationID,
		Payload: b,
	}, nil
}
