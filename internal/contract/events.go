package contract

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	EventOrderCreated           = "OrderCreated"
	EventOrderCancelled         = "OrderCancelled"
	EventOrderTimeout           = "OrderTimeout"
	EventPaymentRequested       = "PaymentRequested"
	EventPaymentSucceeded       = "PaymentSucceeded"
	EventPaymentFailed          = "PaymentFailed"
	EventStockReservationFailed = "StockReservationFailed"
)

// Envelope wraps every message on the wire. CorrelationID is the order id,
// which is also the partition key, so all events of one order stay ordered
// within their topic.
type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	CorrelationID string          `json:"correlation_id"`
	Payload       json.RawMessage `json:"payload"`
}

// NewEnvelope builds a v1 envelope around the given payload. Panics if the
// payload is not marshalable, which only happens on a programming error.
func NewEnvelope(eventType, producer, orderID string, payload any) Envelope {
	b, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      producer,
		CorrelationID: orderID,
		Payload:       b,
	}
}

// ---- Payload types per event ----

type OrderItem struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type OrderCreatedEvent struct {
	OrderID       string      `json:"order_id"`
	UserID        string      `json:"user_id"`
	TotalCents    int64       `json:"total_cents"`
	CreatedAt     time.Time   `json:"created_at"`
	PaymentMethod string      `json:"payment_method"`
	Items         []OrderItem `json:"items"`
}

type OrderCancelledEvent struct {
	OrderID string      `json:"order_id"`
	Items   []OrderItem `json:"items"`
}

type OrderTimeoutEvent struct {
	OrderID      string `json:"order_id"`
	TimeoutToken string `json:"timeout_token,omitempty"`
}

type PaymentRequestedEvent struct {
	OrderID       string `json:"order_id"`
	UserID        string `json:"user_id"`
	AmountCents   int64  `json:"amount_cents"`
	Currency      string `json:"currency"`
	PaymentMethod string `json:"payment_method"`
}

type PaymentSucceededEvent struct {
	OrderID   string `json:"order_id"`
	PaymentID string `json:"payment_id"`
}

type PaymentFailedEvent struct {
	OrderID   string `json:"order_id"`
	PaymentID string `json:"payment_id"`
	Reason    string `json:"reason"`
}

type StockReservationFailedEvent struct {
	OrderID       string   `json:"order_id"`
	Reason        string   `json:"reason"`
	FailedItemIDs []string `json:"failed_item_ids"`
}
