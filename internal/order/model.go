package order

import (
	"time"

	"github.com/shoporbit/fulfillment/internal/contract"
)

type Order struct {
	ID              string
	UserID          string
	TotalCents      int64
	Status          Status
	ShippingAddress string
	PaymentMethod   string
	Notes           string

	// PaymentID is set once the order is paid.
	PaymentID *string
	// TimeoutToken references the scheduled cancellation; cleared once the
	// token is consumed or cancelled.
	TimeoutToken *string

	Items     []Item
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Item struct {
	ID             int64
	OrderID        string
	ProductID      string
	Quantity       int
	Specifications map[string]string
	ImageURL       string
}

// EventItems projects the order's items into the wire shape shared by
// OrderCreatedEvent and OrderCancelledEvent.
func (o *Order) EventItems() []contract.OrderItem {
	out := make([]contract.OrderItem, 0, len(o.Items))
	for _, it := range o.Items {
		out = append(out, contract.OrderItem{ProductID: it.ProductID, Quantity: it.Quantity})
	}
	return out
}
