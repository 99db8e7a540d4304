package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shoporbit/fulfillment/internal/contract"
	"github.com/shoporbit/fulfillment/internal/outbox"
	"github.com/shoporbit/fulfillment/internal/timeout"
)

// Service owns the order lifecycle. It is the only component that changes an
// order's status; everything else reacts to the events it emits.
type Service struct {
	repo      Repository
	scheduler timeout.Scheduler
	log       *zap.Logger
	producer  string
	timeout   time.Duration
	currency  string
}

func NewService(repo Repository, scheduler timeout.Scheduler, producer, currency string, orderTimeout time.Duration, log *zap.Logger) *Service {
	return &Service{
		repo:      repo,
		scheduler: scheduler,
		log:       log,
		producer:  producer,
		timeout:   orderTimeout,
		currency:  currency,
	}
}

type ItemInput struct {
	ProductID      string            `json:"product_id"`
	Quantity       int               `json:"quantity"`
	UnitPriceCents int64             `json:"unit_price_cents"`
	Specifications map[string]string `json:"specifications,omitempty"`
	ImageURL       string            `json:"image_url,omitempty"`
}

type PlaceOrderInput struct {
	UserID          string      `json:"user_id"`
	ShippingAddress string      `json:"shipping_address"`
	PaymentMethod   string      `json:"payment_method"`
	Notes           string      `json:"notes,omitempty"`
	Items           []ItemInput `json:"items"`
}

func (in *PlaceOrderInput) validate() error {
	if in.UserID == "" || in.ShippingAddress == "" || in.PaymentMethod == "" {
		return errors.New("user_id, shipping_address and payment_method are required")
	}
	if len(in.Items) == 0 {
		return errors.New("order needs at least one item")
	}
	for _, it := range in.Items {
		if it.ProductID == "" {
			return errors.New("item is missing product_id")
		}
		if it.Quantity < 1 {
			return fmt.Errorf("invalid quantity for product %s", it.ProductID)
		}
		if it.UnitPriceCents < 0 {
			return fmt.Errorf("invalid price for product %s", it.ProductID)
		}
	}
	return nil
}

// PlaceOrder creates a Pending order with a registered timeout and stages
// its OrderCreated and PaymentRequested fan-out in the same transaction.
func (s *Service) PlaceOrder(ctx context.Context, in PlaceOrderInput) (*Order, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	o := &Order{
		ID:              uuid.NewString(),
		UserID:          in.UserID,
		Status:          StatusPending,
		ShippingAddress: in.ShippingAddress,
		PaymentMethod:   in.PaymentMethod,
		Notes:           in.Notes,
	}
	for _, it := range in.Items {
		o.TotalCents += it.UnitPriceCents * int64(it.Quantity)
		o.Items = append(o.Items, Item{
			ProductID:      it.ProductID,
			Quantity:       it.Quantity,
			Specifications: it.Specifications,
			ImageURL:       it.ImageURL,
		})
	}

	token, err := s.scheduler.Schedule(ctx, o.ID, s.timeout)
	if err != nil {
		return nil, fmt.Errorf("register timeout: %w", err)
	}
	o.TimeoutToken = &token

	created := contract.NewEnvelope(contract.EventOrderCreated, s.producer, o.ID,
		contract.OrderCreatedEvent{
			OrderID:       o.ID,
			UserID:        o.UserID,
			TotalCents:    o.TotalCents,
			CreatedAt:     time.Now().UTC(),
			PaymentMethod: o.PaymentMethod,
			Items:         o.EventItems(),
		})
	requested := contract.NewEnvelope(contract.EventPaymentRequested, s.producer, o.ID,
		contract.PaymentRequestedEvent{
			OrderID:       o.ID,
			UserID:        o.UserID,
			AmountCents:   o.TotalCents,
			Currency:      s.currency,
			PaymentMethod: o.PaymentMethod,
		})

	createdEv, err := outbox.NewEvent(contract.TopicOrderCreated, created)
	if err != nil {
		return nil, err
	}
	requestedEv, err := outbox.NewEvent(contract.TopicPaymentRequested, requested)
	if err != nil {
		return nil, err
	}
	events := []*outbox.Event{createdEv, requestedEv}

	if err := s.repo.Create(ctx, o, events); err != nil {
		// the stray timeout is harmless (it will no-op on a missing
		// order), but clean up when we can
		if _, cErr := s.scheduler.Cancel(ctx, token); cErr != nil {
			s.log.Warn("failed to cancel timeout for unsaved order", zap.Error(cErr))
		}
		return nil, err
	}

	s.log.Info("order placed",
		zap.String("order_id", o.ID),
		zap.String("user_id", o.UserID),
		zap.Int64("total_cents", o.TotalCents))
	return o, nil
}

func (s *Service) GetOrder(ctx context.Context, id string) (*Order, error) {
	return s.repo.Get(ctx, id)
}

// HandlePaymentSucceeded marks a Pending order Paid. A missing order or a
// non-Pending order is an anomaly: it is surfaced for manual review and the
// message is acknowledged, because retrying would not change the outcome.
func (s *Service) HandlePaymentSucceeded(ctx context.Context, ev contract.PaymentSucceededEvent) error {
	o, err := s.repo.Get(ctx, ev.OrderID)
	if errors.Is(err, ErrNotFound) {
		s.log.Error("payment succeeded for unknown order, manual review required",
			zap.String("order_id", ev.OrderID),
			zap.String("payment_id", ev.PaymentID))
		return nil
	}
	if err != nil {
		return err
	}
	if !CanTransition(o.Status, StatusPaid) {
		s.log.Error("payment succeeded for non-pending order, manual review required",
			zap.String("order_id", ev.OrderID),
			zap.String("status", string(o.Status)))
		return nil
	}

	// Best-effort: even if the cancel is too late, the timeout consumer's
	// status guard makes the in-flight event a no-op.
	if o.TimeoutToken != nil {
		res, err := s.scheduler.Cancel(ctx, *o.TimeoutToken)
		if err != nil {
			s.log.Warn("timeout cancel failed",
				zap.String("order_id", o.ID),
				zap.Error(err))
		} else if res != timeout.Cancelled {
			s.log.Info("timeout not cancelled",
				zap.String("order_id", o.ID),
				zap.String("result", res.String()))
		}
	}

	err = s.repo.MarkPaid(ctx, ev.OrderID, ev.PaymentID)
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrNotPending) {
		// lost the race against a concurrent cancellation after the load
		s.log.Error("order changed under a succeeded payment, manual review required",
			zap.String("order_id", ev.OrderID),
			zap.Error(err))
		return nil
	}
	if err != nil {
		return err
	}

	s.log.Info("order paid",
		zap.String("order_id", ev.OrderID),
		zap.String("payment_id", ev.PaymentID))
	return nil
}

// HandlePaymentFailed cancels a Pending order whose payment failed, releasing
// its stock through the emitted cancellation. The same anomaly guards as the
// success path apply.
func (s *Service) HandlePaymentFailed(ctx context.Context, ev contract.PaymentFailedEvent) error {
	o, err := s.repo.Get(ctx, ev.OrderID)
	if errors.Is(err, ErrNotFound) {
		s.log.Error("payment failed for unknown order, manual review required",
			zap.String("order_id", ev.OrderID))
		return nil
	}
	if err != nil {
		return err
	}
	if !CanTransition(o.Status, StatusCancelled) {
		s.log.Warn("payment failed for non-pending order, ignoring",
			zap.String("order_id", ev.OrderID),
			zap.String("status", string(o.Status)))
		return nil
	}

	if o.TimeoutToken != nil {
		if _, err := s.scheduler.Cancel(ctx, *o.TimeoutToken); err != nil {
			s.log.Warn("timeout cancel failed",
				zap.String("order_id", o.ID),
				zap.Error(err))
		}
	}

	cancelled, err := s.cancelOrder(ctx, ev.OrderID)
	if err != nil {
		return err
	}
	if cancelled == nil {
		s.log.Info("order already settled, payment failure is a no-op",
			zap.String("order_id", ev.OrderID))
		return nil
	}
	s.log.Info("order cancelled after failed payment",
		zap.String("order_id", ev.OrderID),
		zap.String("reason", ev.Reason))
	return nil
}

// HandleOrderTimeout cancels a Pending order whose payment never arrived.
// Missing or already-settled orders are the payment/timeout race resolving
// the other way; both are no-ops.
func (s *Service) HandleOrderTimeout(ctx context.Context, ev contract.OrderTimeoutEvent) error {
	cancelled, err := s.cancelOrder(ctx, ev.OrderID)
	if err != nil {
		return err
	}
	if cancelled == nil {
		s.log.Debug("timeout for settled or unknown order, no-op",
			zap.String("order_id", ev.OrderID))
		return nil
	}
	s.log.Info("order cancelled by timeout", zap.String("order_id", ev.OrderID))
	return nil
}

// cancelOrder flips the order to Cancelled and stages the OrderCancelledEvent
// in the same transaction, so a crash cannot leave a cancelled order without
// its restock signal, nor the reverse.
func (s *Service) cancelOrder(ctx context.Context, orderID string) (*Order, error) {
	return s.repo.CancelIfPending(ctx, orderID, func(o *Order) ([]*outbox.Event, error) {
		env := contract.NewEnvelope(contract.EventOrderCancelled, s.producer, o.ID,
			contract.OrderCancelledEvent{OrderID: o.ID, Items: o.EventItems()})
		ev, err := outbox.NewEvent(contract.TopicOrderCancelled, env)
		if err != nil {
			return nil, err
		}
		return []*outbox.Event{ev}, nil
	})
}
