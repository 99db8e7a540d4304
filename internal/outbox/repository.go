package outbox

import (
	"context"

	"github.com/jackc/pgx/v5"
)

type Repository interface {
	// Save stages the event inside the caller's transaction.
	Save(ctx context.Context, tx pgx.Tx, ev *Event) error
	FetchUnpublished(ctx context.Context, tx pgx.Tx, limit int) ([]*Event, error)
	MarkPublished(ctx context.Context, tx pgx.Tx, id int64) error
	MarkFailed(ctx context.Context, tx pgx.Tx, id int64, reason string) error
}

type PgRepository struct{}

func NewPgRepository() *PgRepository { return &PgRepository{} }

func (r *PgRepository) Save(ctx context.Context, tx pgx.Tx, ev *Event) error {
	return tx.QueryRow(ctx, `
		INSERT INTO outbox_events(topic, key, payload)
		VALUES ($1, $2, $3)
		RETURNING id, created_at`,
		ev.Topic, ev.Key, ev.Payload,
	).Scan(&ev.ID, &ev.CreatedAt)
}

func (r *PgRepository) FetchUnpublished(ctx context.Context, tx pgx.Tx, limit int) ([]*Event, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, topic, key, payload, created_at, attempts
		FROM outbox_events
		WHERE published_at IS NULL
		ORDER BY id
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.Topic, &ev.Key, &ev.Payload, &ev.CreatedAt, &ev.Attempts); err != nil {
			return nil, err
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

func (r *PgRepository) MarkPublished(ctx context.Context, tx pgx.Tx, id int64) error {
	_, err := tx.Exec(ctx, `
		UPDATE outbox_events
		SET published_at = now(), attempts = attempts + 1
		WHERE id = $1`, id)
	return err
}

func (r *PgRepository) MarkFailed(ctx context.Context, tx pgx.Tx, id int64, reason string) error {
	_, err := tx.Exec(ctx, `
		UPDATE outbox_events
		SET attempts = attempts + 1, last_error = $2
		WHERE id = $1`, id, reason)
	return err
}
