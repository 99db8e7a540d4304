package order_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shoporbit/fulfillment/internal/contract"
	"github.com/shoporbit/fulfillment/internal/order"
	"github.com/shoporbit/fulfillment/internal/outbox"
	"github.com/shoporbit/fulfillment/internal/timeout"
)

// fakeRepo is an in-memory order.Repository. Staged outbox events are kept
// so tests can assert what would have been committed with the status change.
type fakeRepo struct {
	orders map[string]*order.Order
	staged []*outbox.Event
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{orders: make(map[string]*order.Order)}
}

func (r *fakeRepo) Create(_ context.Context, o *order.Order, events []*outbox.Event) error {
	cp := *o
	r.orders[o.ID] = &cp
	r.staged = append(r.staged, events...)
	return nil
}

func (r *fakeRepo) Get(_ context.Context, id string) (*order.Order, error) {
	o, ok := r.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (r *fakeRepo) MarkPaid(_ context.Context, id, paymentID string) error {
	o, ok := r.orders[id]
	if !ok {
		return order.ErrNotFound
	}
	if o.Status != order.StatusPending {
		return order.ErrNotPending
	}
	o.Status = order.StatusPaid
	o.PaymentID = &paymentID
	o.TimeoutToken = nil
	return nil
}

func (r *fakeRepo) CancelIfPending(_ context.Context, id string, stage func(*order.Order) ([]*outbox.Event, error)) (*order.Order, error) {
	o, ok := r.orders[id]
	if !ok || o.Status != order.StatusPending {
		return nil, nil
	}
	o.Status = order.StatusCancelled
	o.TimeoutToken = nil
	events, err := stage(o)
	if err != nil {
		return nil, err
	}
	r.staged = append(r.staged, events...)
	return o, nil
}

func (r *fakeRepo) stagedTopics() []string {
	out := make([]string, 0, len(r.staged))
	for _, ev := range r.staged {
		out = append(out, ev.Topic)
	}
	return out
}

// brokenScheduler fails every cancel; used to prove cancellation is
// best-effort only.
type brokenScheduler struct{ timeout.Scheduler }

func (s brokenScheduler) Cancel(context.Context, string) (timeout.CancelResult, error) {
	return timeout.NotFound, errors.New("scheduler unreachable")
}

func newService(t *testing.T) (*order.Service, *fakeRepo, *timeout.MemoryScheduler) {
	t.Helper()
	repo := newFakeRepo()
	sched := timeout.NewMemoryScheduler()
	svc := order.NewService(repo, sched, "order-service", "USD", 15*time.Minute, zap.NewNop())
	return svc, repo, sched
}

func placeOrder(t *testing.T, svc *order.Service) *order.Order {
	t.Helper()
	o, err := svc.PlaceOrder(context.Background(), order.PlaceOrderInput{
		UserID:          "user-1",
		ShippingAddress: "1 Main St",
		PaymentMethod:   "Visa",
		Items: []order.ItemInput{
			{ProductID: "p1", Quantity: 2, UnitPriceCents: 1500},
			{ProductID: "p2", Quantity: 1, UnitPriceCents: 500},
		},
	})
	require.NoError(t, err)
	return o
}

func TestPlaceOrder(t *testing.T) {
	svc, repo, _ := newService(t)

	o := placeOrder(t, svc)

	assert.Equal(t, order.StatusPending, o.Status)
	assert.Equal(t, int64(3500), o.TotalCents)
	require.NotNil(t, o.TimeoutToken)

	require.Len(t, repo.staged, 2)
	assert.ElementsMatch(t,
		[]string{contract.TopicOrderCreated, contract.TopicPaymentRequested},
		repo.stagedTopics())

	var env contract.Envelope
	require.NoError(t, json.Unmarshal(repo.staged[0].Payload, &env))
	assert.Equal(t, o.ID, env.CorrelationID)
}

func TestPlaceOrderValidation(t *testing.T) {
	svc, _, _ := newService(t)

	_, err := svc.PlaceOrder(context.Background(), order.PlaceOrderInput{
		UserID: "user-1", ShippingAddress: "1 Main St", PaymentMethod: "Visa",
	})
	assert.Error(t, err)

	_, err = svc.PlaceOrder(context.Background(), order.PlaceOrderInput{
		UserID: "user-1", ShippingAddress: "1 Main St", PaymentMethod: "Visa",
		Items: []order.ItemInput{{ProductID: "p1", Quantity: 0}},
	})
	assert.Error(t, err)
}

// Payment success on a pending order: status Paid, payment recorded, timeout
// token cleared and the scheduled timeout cancelled.
func TestPaymentSucceededPendingOrder(t *testing.T) {
	svc, repo, sched := newService(t)
	o := placeOrder(t, svc)
	token := *o.TimeoutToken

	err := svc.HandlePaymentSucceeded(context.Background(), contract.PaymentSucceededEvent{
		OrderID: o.ID, PaymentID: "pay-1",
	})
	require.NoError(t, err)

	got, err := repo.Get(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusPaid, got.Status)
	require.NotNil(t, got.PaymentID)
	assert.Equal(t, "pay-1", *got.PaymentID)
	assert.Nil(t, got.TimeoutToken)

	res, err := sched.Cancel(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, timeout.NotFound, res, "token should be consumed")
	assert.Empty(t, sched.FireDue(time.Now().Add(time.Hour)))
}

func TestPaymentSucceededUnknownOrder(t *testing.T) {
	svc, repo, _ := newService(t)

	err := svc.HandlePaymentSucceeded(context.Background(), contract.PaymentSucceededEvent{
		OrderID: "missing", PaymentID: "pay-1",
	})
	assert.NoError(t, err, "anomaly is surfaced, message is still acknowledged")
	assert.Empty(t, repo.staged)
}

// Cancellation failure must not block the payment: the status guard keeps
// the in-flight timeout harmless.
func TestPaymentSucceededSurvivesCancelFailure(t *testing.T) {
	repo := newFakeRepo()
	sched := timeout.NewMemoryScheduler()
	svc := order.NewService(repo, brokenScheduler{sched}, "order-service", "USD", 15*time.Minute, zap.NewNop())

	o, err := svc.PlaceOrder(context.Background(), order.PlaceOrderInput{
		UserID: "user-1", ShippingAddress: "1 Main St", PaymentMethod: "Visa",
		Items: []order.ItemInput{{ProductID: "p1", Quantity: 1, UnitPriceCents: 100}},
	})
	require.NoError(t, err)

	err = svc.HandlePaymentSucceeded(context.Background(), contract.PaymentSucceededEvent{
		OrderID: o.ID, PaymentID: "pay-1",
	})
	require.NoError(t, err)

	got, _ := repo.Get(context.Background(), o.ID)
	assert.Equal(t, order.StatusPaid, got.Status)
}

// Timeout on a pending order: cancelled, and exactly one OrderCancelledEvent
// carrying the item list is staged with the status flip.
func TestOrderTimeoutCancelsPendingOrder(t *testing.T) {
	svc, repo, _ := newService(t)
	o := placeOrder(t, svc)
	repo.staged = nil // drop placement events

	err := svc.HandleOrderTimeout(context.Background(), contract.OrderTimeoutEvent{OrderID: o.ID})
	require.NoError(t, err)

	got, _ := repo.Get(context.Background(), o.ID)
	assert.Equal(t, order.StatusCancelled, got.Status)
	assert.Nil(t, got.TimeoutToken)

	require.Len(t, repo.staged, 1)
	assert.Equal(t, contract.TopicOrderCancelled, repo.staged[0].Topic)

	var env contract.Envelope
	require.NoError(t, json.Unmarshal(repo.staged[0].Payload, &env))
	p, err := unwrap[contract.OrderCancelledEvent](env.Payload)
	require.NoError(t, err)
	assert.Equal(t, o.ID, p.OrderID)
	assert.ElementsMatch(t, []contract.OrderItem{
		{ProductID: "p1", Quantity: 2},
		{ProductID: "p2", Quantity: 1},
	}, p.Items)
}

// Redelivered timeout for an already-cancelled order is a no-op and must not
// emit a second cancellation.
func TestOrderTimeoutRedeliveryIsNoOp(t *testing.T) {
	svc, repo, _ := newService(t)
	o := placeOrder(t, svc)
	repo.staged = nil

	require.NoError(t, svc.HandleOrderTimeout(context.Background(), contract.OrderTimeoutEvent{OrderID: o.ID}))
	require.Len(t, repo.staged, 1)

	require.NoError(t, svc.HandleOrderTimeout(context.Background(), contract.OrderTimeoutEvent{OrderID: o.ID}))
	assert.Len(t, repo.staged, 1, "no duplicate OrderCancelledEvent")
}

func TestOrderTimeoutUnknownOrderIsNoOp(t *testing.T) {
	svc, repo, _ := newService(t)
	err := svc.HandleOrderTimeout(context.Background(), contract.OrderTimeoutEvent{OrderID: "missing"})
	assert.NoError(t, err)
	assert.Empty(t, repo.staged)
}

// Payment processed first, then the late timeout: the order stays Paid and
// nothing double-applies.
func TestPaymentThenTimeoutLeavesOrderPaid(t *testing.T) {
	svc, repo, _ := newService(t)
	o := placeOrder(t, svc)
	repo.staged = nil

	require.NoError(t, svc.HandlePaymentSucceeded(context.Background(), contract.PaymentSucceededEvent{
		OrderID: o.ID, PaymentID: "pay-1",
	}))
	require.NoError(t, svc.HandleOrderTimeout(context.Background(), contract.OrderTimeoutEvent{OrderID: o.ID}))

	got, _ := repo.Get(context.Background(), o.ID)
	assert.Equal(t, order.StatusPaid, got.Status)
	assert.Empty(t, repo.staged, "no cancellation emitted for a paid order")
}

// Timeout processed first: the cancellation wins and the late payment is an
// anomaly for manual review, never a second transition.
func TestTimeoutThenPaymentReportsAnomaly(t *testing.T) {
	svc, repo, _ := newService(t)
	o := placeOrder(t, svc)

	require.NoError(t, svc.HandleOrderTimeout(context.Background(), contract.OrderTimeoutEvent{OrderID: o.ID}))
	require.NoError(t, svc.HandlePaymentSucceeded(context.Background(), contract.PaymentSucceededEvent{
		OrderID: o.ID, PaymentID: "pay-1",
	}))

	got, _ := repo.Get(context.Background(), o.ID)
	assert.Equal(t, order.StatusCancelled, got.Status)
	assert.Nil(t, got.PaymentID)
}

// A failed payment on a pending order cancels it, releasing the stock via
// the emitted cancellation.
func TestPaymentFailedCancelsPendingOrder(t *testing.T) {
	svc, repo, _ := newService(t)
	o := placeOrder(t, svc)
	repo.staged = nil

	err := svc.HandlePaymentFailed(context.Background(), contract.PaymentFailedEvent{
		OrderID: o.ID, PaymentID: "pay-1", Reason: "card declined",
	})
	require.NoError(t, err)

	got, _ := repo.Get(context.Background(), o.ID)
	assert.Equal(t, order.StatusCancelled, got.Status)
	require.Len(t, repo.staged, 1)
	assert.Equal(t, contract.TopicOrderCancelled, repo.staged[0].Topic)
}

func TestPaymentFailedOnSettledOrderIsNoOp(t *testing.T) {
	svc, repo, _ := newService(t)
	o := placeOrder(t, svc)
	require.NoError(t, svc.HandlePaymentSucceeded(context.Background(), contract.PaymentSucceededEvent{
		OrderID: o.ID, PaymentID: "pay-1",
	}))
	repo.staged = nil

	err := svc.HandlePaymentFailed(context.Background(), contract.PaymentFailedEvent{
		OrderID: o.ID, Reason: "late gateway failure",
	})
	require.NoError(t, err)

	got, _ := repo.Get(context.Background(), o.ID)
	assert.Equal(t, order.StatusPaid, got.Status)
	assert.Empty(t, repo.staged)
}

func unwrap[T any](raw json.RawMessage) (T, error) {
	var t T
	err := json.Unmarshal(raw, &t)
	return t, err
}
