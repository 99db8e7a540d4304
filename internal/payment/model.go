package payment

import "time"

type Status string

const (
	StatusProcessing Status = "Processing"
	StatusSuccess    Status = "Success"
	StatusFailed     Status = "Failed"
	StatusRefunded   Status = "Refunded"
)

type Payment struct {
	ID            string
	OrderID       string
	UserID        string
	AmountCents   int64
	Currency      string
	PaymentMethod string
	Status        Status

	// Sale, Authorization, Capture, Refund
	TransactionType string

	CreatedAt   time.Time
	PaymentDate *time.Time

	// ExternalTransactionID is the gateway's reference, set once the
	// gateway reports an outcome.
	ExternalTransactionID *string
	FailureReason         *string
}
