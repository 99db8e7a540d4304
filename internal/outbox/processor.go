package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Beginner is satisfied by *pgxpool.Pool.
type Beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Writer publishes one message synchronously; satisfied by kafka.TopicWriter.
type Writer interface {
	Write(ctx context.Context, topic string, key, value []byte) error
}

type Processor struct {
	db        Beginner
	repo      Repository
	sink      Writer
	log       *zap.Logger
	batchSize int
	interval  time.Duration
}

func NewProcessor(db Beginner, repo Repository, sink Writer, batchSize int, interval time.Duration, log *zap.Logger) *Processor {
	return &Processor{
		db:        db,
		repo:      repo,
		sink:      sink,
		log:       log,
		batchSize: batchSize,
		interval:  interval,
	}
}

func (p *Processor) Run(ctx context.Context) {
	p.log.Info("outbox processor started")
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.log.Info("outbox processor stopping")
			return
		case <-ticker.C:
			if err := p.ProcessBatch(ctx); err != nil {
				p.log.Error("outbox batch failed", zap.Error(err))
			}
		}
	}
}

func (p *Processor) ProcessBatch(ctx context.Context) error {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := tx.Rollback(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			p.log.Error("outbox rollback failed", zap.Error(err))
		}
	}()

	events, err := p.repo.FetchUnpublished(ctx, tx, p.batchSize)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	for _, ev := range events {
		if err := p.sink.Write(ctx, ev.Topic, []byte(ev.Key), ev.Payload); err != nil {
			p.log.Error("outbox publish failed",
				zap.Int64("id", ev.ID),
				zap.String("topic", ev.Topic),
				zap.Error(err))
			if dbErr := p.repo.MarkFailed(ctx, tx, ev.ID, err.Error()); dbErr != nil {
				return dbErr
			}
			continue
		}
		if err := p.repo.MarkPublished(ctx, tx, ev.ID); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}
