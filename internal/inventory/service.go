package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/shoporbit/fulfillment/internal/contract"
	"github.com/shoporbit/fulfillment/internal/idem"
	"github.com/shoporbit/fulfillment/internal/redisx"
)

type Publisher interface {
	PublishEnvelope(ctx context.Context, env contract.Envelope) error
}

// Service converts order events into stock mutations: all-or-nothing
// reservation on creation, idempotent restock on cancellation.
type Service struct {
	Store    Store
	Guard    idem.Guard
	Pub      Publisher
	Log      *zap.Logger
	Producer string
}

// HandleOrderCreated reserves every item of the order or none of them. Items
// are decremented one by one with conditional updates; when any item comes up
// short, the decrements that did apply are compensated before the failure
// event goes out, so partial reservations never outlive this handler.
//
// There is intentionally no delivery guard here, unlike the restock path: a
// redelivered OrderCreatedEvent reserves again. Adding a marker would change
// the observable behavior under redelivery, so the asymmetry stays.
func (s *Service) HandleOrderCreated(ctx context.Context, ev contract.OrderCreatedEvent) error {
	s.Log.Info("checking stock for order", zap.String("order_id", ev.OrderID))

	var reserved []contract.OrderItem
	var outOfStock []string

	for _, it := range ev.Items {
		ok, err := s.Store.DecrementIfAvailable(ctx, it.ProductID, it.Quantity)
		if err != nil {
			if rbErr := s.rollback(ctx, reserved); rbErr != nil {
				return fmt.Errorf("reserve failed (%w) and rollback failed: %w", err, rbErr)
			}
			return err
		}
		if ok {
			reserved = append(reserved, it)
			s.Log.Info("reserved stock",
				zap.String("product_id", it.ProductID),
				zap.Int("quantity", it.Quantity))
		} else {
			outOfStock = append(outOfStock, it.ProductID)
			s.Log.Warn("insufficient stock",
				zap.String("product_id", it.ProductID),
				zap.Int("quantity", it.Quantity))
		}
	}

	if len(outOfStock) == 0 {
		s.Log.Info("all items reserved", zap.String("order_id", ev.OrderID))
		return nil
	}

	s.Log.Warn("reservation failed, rolling back reserved items",
		zap.String("order_id", ev.OrderID),
		zap.Strings("out_of_stock", outOfStock))
	if err := s.rollback(ctx, reserved); err != nil {
		return err
	}

	env := contract.NewEnvelope(contract.EventStockReservationFailed, s.Producer, ev.OrderID,
		contract.StockReservationFailedEvent{
			OrderID:       ev.OrderID,
			Reason:        "insufficient stock for items: " + strings.Join(outOfStock, ", "),
			FailedItemIDs: outOfStock,
		})
	return s.Pub.PublishEnvelope(ctx, env)
}

// rollback compensates exactly the decrements that succeeded.
func (s *Service) rollback(ctx context.Context, reserved []contract.OrderItem) error {
	for _, it := range reserved {
		if err := s.Store.Increment(ctx, it.ProductID, it.Quantity); err != nil {
			return fmt.Errorf("rollback product %s: %w", it.ProductID, err)
		}
	}
	return nil
}

// HandleOrderCancelled restocks the order's items at most once. The marker is
// claimed atomically up front; a redelivery that finds it taken is a no-op.
func (s *Service) HandleOrderCancelled(ctx context.Context, ev contract.OrderCancelledEvent) error {
	absent, err := s.Guard.MarkIfAbsent(ctx, idem.RestockKey(ev.OrderID), redisx.TTLRestockMarker)
	if err != nil {
		return err
	}
	if !absent {
		s.Log.Info("order already restocked, skipping", zap.String("order_id", ev.OrderID))
		return nil
	}

	for _, it := range ev.Items {
		err := s.Store.Increment(ctx, it.ProductID, it.Quantity)
		if errors.Is(err, ErrProductNotFound) {
			s.Log.Warn("restock for unknown product, skipping",
				zap.String("order_id", ev.OrderID),
				zap.String("product_id", it.ProductID))
			continue
		}
		if err != nil {
			return err
		}
	}

	s.Log.Info("restored stock for cancelled order", zap.String("order_id", ev.OrderID))
	return nil
}
