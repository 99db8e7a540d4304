package inventory

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrProductNotFound = errors.New("product not found")

type Product struct {
	ID            string
	Name          string
	PriceCents    int64
	StockQuantity int
}

// Store mutates stock only through conditional decrements and plain
// increments; stock can never go negative.
type Store interface {
	// DecrementIfAvailable reserves qty units in a single atomic
	// read-check-write: the decrement applies only when stock >= qty.
	// Returns false when stock was insufficient.
	DecrementIfAvailable(ctx context.Context, productID string, qty int) (bool, error)
	Increment(ctx context.Context, productID string, qty int) error
	Get(ctx context.Context, productID string) (*Product, error)
}

type PgStore struct {
	DB *pgxpool.Pool
}

func NewPgStore(db *pgxpool.Pool) *PgStore { return &PgStore{DB: db} }

// The WHERE clause is the stock check; rows-affected is the success signal.
// No read-then-write pair, so concurrent orders on the same product cannot
// lose updates.
func (s *PgStore) DecrementIfAvailable(ctx context.Context, productID string, qty int) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE products
		SET stock_quantity = stock_quantity - $2, updated_at = now()
		WHERE id = $1 AND stock_quantity >= $2`,
		productID, qty)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (s *PgStore) Increment(ctx context.Context, productID string, qty int) error {
	ct, err := s.DB.Exec(ctx, `
		UPDATE products
		SET stock_quantity = stock_quantity + $2, updated_at = now()
		WHERE id = $1`,
		productID, qty)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrProductNotFound
	}
	return nil
}

func (s *PgStore) Get(ctx context.Context, productID string) (*Product, error) {
	var p Product
	err := s.DB.QueryRow(ctx, `
		SELECT id, name, price_cents, stock_quantity
		FROM products WHERE id = $1`, productID,
	).Scan(&p.ID, &p.Name, &p.PriceCents, &p.StockQuantity)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrProductNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}
