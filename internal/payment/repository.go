package payment

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound = errors.New("payment not found")
	// ErrAlreadyProcessing: the order already has a Processing payment row.
	ErrAlreadyProcessing = errors.New("payment already processing")
)

type Repository interface {
	Create(ctx context.Context, p *Payment) error
	// FindProcessingByOrder returns the order's hanging Processing payment,
	// or ErrNotFound when the order has none.
	FindProcessingByOrder(ctx context.Context, orderID string) (*Payment, error)
	MarkFailed(ctx context.Context, paymentID, reason string) error
}

type PgRepository struct {
	DB *pgxpool.Pool
}

func NewPgRepository(db *pgxpool.Pool) *PgRepository { return &PgRepository{DB: db} }

// Create relies on the partial unique index on (order_id) WHERE status =
// 'Processing': two concurrent creates for one order cannot both land.
func (r *PgRepository) Create(ctx context.Context, p *Payment) error {
	err := r.DB.QueryRow(ctx, `
		INSERT INTO payments(id, order_id, user_id, amount_cents, currency,
		                     payment_method, status, transaction_type)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at`,
		p.ID, p.OrderID, p.UserID, p.AmountCents, p.Currency,
		p.PaymentMethod, p.Status, p.TransactionType,
	).Scan(&p.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrAlreadyProcessing
	}
	return err
}

func (r *PgRepository) FindProcessingByOrder(ctx context.Context, orderID string) (*Payment, error) {
	var p Payment
	err := r.DB.QueryRow(ctx, `
		SELECT id, order_id, user_id, amount_cents, currency, payment_method,
		       status, transaction_type, created_at, payment_date,
		       external_transaction_id, failure_reason
		FROM payments
		WHERE order_id = $1 AND status = $2`,
		orderID, StatusProcessing,
	).Scan(&p.ID, &p.OrderID, &p.UserID, &p.AmountCents, &p.Currency,
		&p.PaymentMethod, &p.Status, &p.TransactionType, &p.CreatedAt,
		&p.PaymentDate, &p.ExternalTransactionID, &p.FailureReason)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *PgRepository) MarkFailed(ctx context.Context, paymentID, reason string) error {
	ct, err := r.DB.Exec(ctx, `
		UPDATE payments
		SET status = $2, failure_reason = $3
		WHERE id = $1`,
		paymentID, StatusFailed, reason)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
