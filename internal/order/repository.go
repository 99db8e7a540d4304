package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shoporbit/fulfillment/internal/outbox"
)

var (
	ErrNotFound   = errors.New("order not found")
	ErrNotPending = errors.New("order is not pending")
)

type Repository interface {
	// Create persists the order, its items and the staged outbox events in
	// one transaction.
	Create(ctx context.Context, o *Order, events []*outbox.Event) error
	Get(ctx context.Context, id string) (*Order, error)
	// MarkPaid flips a Pending order to Paid, records the payment id and
	// clears the timeout token, all in one conditional statement. Returns
	// ErrNotFound or ErrNotPending when the flip did not apply.
	MarkPaid(ctx context.Context, id, paymentID string) error
	// CancelIfPending atomically flips a Pending order to Cancelled and
	// stages the events returned by stage in the same transaction. Returns
	// (nil, nil) when the order is missing or no longer Pending.
	CancelIfPending(ctx context.Context, id string, stage func(*Order) ([]*outbox.Event, error)) (*Order, error)
}

type PgRepository struct {
	pool   *pgxpool.Pool
	outbox outbox.Repository
}

func NewPgRepository(pool *pgxpool.Pool, ob outbox.Repository) *PgRepository {
	return &PgRepository{pool: pool, outbox: ob}
}

func (r *PgRepository) Create(ctx context.Context, o *Order, events []*outbox.Event) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO orders(id, user_id, total_cents, status, shipping_address,
		                   payment_method, notes, timeout_token)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		o.ID, o.UserID, o.TotalCents, o.Status, o.ShippingAddress,
		o.PaymentMethod, o.Notes, o.TimeoutToken)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	for i := range o.Items {
		it := &o.Items[i]
		specs, err := json.Marshal(it.Specifications)
		if err != nil {
			return err
		}
		err = tx.QueryRow(ctx, `
			INSERT INTO order_items(order_id, product_id, quantity, specifications, image_url)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id`,
			o.ID, it.ProductID, it.Quantity, specs, it.ImageURL,
		).Scan(&it.ID)
		if err != nil {
			return fmt.Errorf("insert order item: %w", err)
		}
	}

	for _, ev := range events {
		if err := r.outbox.Save(ctx, tx, ev); err != nil {
			return fmt.Errorf("stage outbox event: %w", err)
		}
	}

	return tx.Commit(ctx)
}

func (r *PgRepository) Get(ctx context.Context, id string) (*Order, error) {
	o, err := scanOrder(ctx, r.pool, id, false)
	if err != nil {
		return nil, err
	}
	o.Items, err = scanItems(ctx, r.pool, id)
	return o, err
}

func (r *PgRepository) MarkPaid(ctx context.Context, id, paymentID string) error {
	ct, err := r.pool.Exec(ctx, `
		UPDATE orders
		SET status = $3, payment_id = $2, timeout_token = NULL, updated_at = now()
		WHERE id = $1 AND status = $4`,
		id, paymentID, StatusPaid, StatusPending)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 1 {
		return nil
	}
	if _, err := scanOrder(ctx, r.pool, id, false); err != nil {
		return err // ErrNotFound
	}
	return ErrNotPending
}

func (r *PgRepository) CancelIfPending(ctx context.Context, id string, stage func(*Order) ([]*outbox.Event, error)) (*Order, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	o, err := scanOrder(ctx, tx, id, true)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !CanTransition(o.Status, StatusCancelled) {
		return nil, nil
	}

	o.Items, err = scanItems(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE orders
		SET status = $2, timeout_token = NULL, updated_at = now()
		WHERE id = $1`,
		id, StatusCancelled); err != nil {
		return nil, err
	}
	o.Status = StatusCancelled
	o.TimeoutToken = nil

	events, err := stage(o)
	if err != nil {
		return nil, err
	}
	for _, ev := range events {
		if err := r.outbox.Save(ctx, tx, ev); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return o, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func scanOrder(ctx context.Context, q querier, id string, forUpdate bool) (*Order, error) {
	sql := `
		SELECT id, user_id, total_cents, status, shipping_address,
		       payment_method, notes, payment_id, timeout_token,
		       created_at, updated_at
		FROM orders WHERE id = $1`
	if forUpdate {
		sql += " FOR UPDATE"
	}
	var o Order
	err := q.QueryRow(ctx, sql, id).Scan(
		&o.ID, &o.UserID, &o.TotalCents, &o.Status, &o.ShippingAddress,
		&o.PaymentMethod, &o.Notes, &o.PaymentID, &o.TimeoutToken,
		&o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func scanItems(ctx context.Context, q querier, orderID string) ([]Item, error) {
	rows, err := q.Query(ctx, `
		SELECT id, order_id, product_id, quantity, specifications, image_url
		FROM order_items WHERE order_id = $1 ORDER BY id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var it Item
		var specs []byte
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.Quantity, &specs, &it.ImageURL); err != nil {
			return nil, err
		}
		if len(specs) > 0 {
			if err := json.Unmarshal(specs, &it.Specifications); err != nil {
				return nil, err
			}
		}
		items = append(items, it)
	}
	return items, rows.Err()
}
