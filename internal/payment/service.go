package payment

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shoporbit/fulfillment/internal/contract"
)

// Reason recorded on payments failed by an order cancellation.
const cancelledReason = "order cancelled before payment completed (timeout)"

// Service owns the payment record lifecycle and keeps it consistent with
// order cancellation. The payment outcome itself comes from the gateway,
// outside this service, as PaymentSucceededEvent/PaymentFailedEvent.
type Service struct {
	Repo Repository
	Log  *zap.Logger
}

// HandlePaymentRequested creates the Processing payment record an outcome
// event will later reference. A redelivery that finds the order's Processing
// payment already present is a no-op.
func (s *Service) HandlePaymentRequested(ctx context.Context, ev contract.PaymentRequestedEvent) error {
	if _, err := s.Repo.FindProcessingByOrder(ctx, ev.OrderID); err == nil {
		s.Log.Info("payment already processing, skipping",
			zap.String("order_id", ev.OrderID))
		return nil
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	p := &Payment{
		ID:              uuid.NewString(),
		OrderID:         ev.OrderID,
		UserID:          ev.UserID,
		AmountCents:     ev.AmountCents,
		Currency:        ev.Currency,
		PaymentMethod:   ev.PaymentMethod,
		Status:          StatusProcessing,
		TransactionType: "Sale",
	}
	if err := s.Repo.Create(ctx, p); errors.Is(err, ErrAlreadyProcessing) {
		// lost the race against a concurrently redelivered request
		s.Log.Info("payment already processing, skipping",
			zap.String("order_id", ev.OrderID))
		return nil
	} else if err != nil {
		return err
	}

	s.Log.Info("payment record created",
		zap.String("payment_id", p.ID),
		zap.String("order_id", p.OrderID),
		zap.Int64("amount_cents", p.AmountCents))
	return nil
}

// HandleOrderCancelled fails the order's hanging Processing payment. No
// hanging payment means the order was already paid or payment never started;
// either way there is nothing to reconcile.
func (s *Service) HandleOrderCancelled(ctx context.Context, ev contract.OrderCancelledEvent) error {
	p, err := s.Repo.FindProcessingByOrder(ctx, ev.OrderID)
	if errors.Is(err, ErrNotFound) {
		s.Log.Info("no processing payment for cancelled order, no action",
			zap.String("order_id", ev.OrderID))
		return nil
	}
	if err != nil {
		return err
	}

	if err := s.Repo.MarkFailed(ctx, p.ID, cancelledReason); err != nil {
		return err
	}

	s.Log.Warn("payment failed because its order was cancelled",
		zap.String("payment_id", p.ID),
		zap.String("order_id", ev.OrderID))
	return nil
}
