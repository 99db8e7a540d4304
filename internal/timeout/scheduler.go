// Package timeout delivers an OrderTimeoutEvent a fixed delay after order
// placement, with best-effort cancellation by token. Cancellation succeeding
// is not a guarantee the event never arrives; consumers stay safe through
// the order status guard.
package timeout

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/shoporbit/fulfillment/internal/redisx"
)

type CancelResult int

const (
	Cancelled CancelResult = iota
	NotFound
	AlreadyFired
)

func (r CancelResult) String() string {
	switch r {
	case Cancelled:
		return "cancelled"
	case NotFound:
		return "not_found"
	case AlreadyFired:
		return "already_fired"
	default:
		return "unknown"
	}
}

type Scheduler interface {
	// Schedule registers a timeout for the order and returns a cancellable
	// token. A token is consumed at most once: either fired or cancelled.
	Schedule(ctx context.Context, orderID string, delay time.Duration) (string, error)
	Cancel(ctx context.Context, token string) (CancelResult, error)
}

// RedisScheduler keeps due tokens in a sorted set scored by fire time.
// A token is claimed with a single ZREM, so fire and cancel cannot both win.
type RedisScheduler struct {
	rdb *redis.Client
}

func NewRedisScheduler(rdb *redis.Client) *RedisScheduler {
	return &RedisScheduler{rdb: rdb}
}

func (s *RedisScheduler) Schedule(ctx context.Context, orderID string, delay time.Duration) (string, error) {
	token := uuid.NewString()
	fireAt := float64(time.Now().Add(delay).UnixMilli())
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, redisx.KeyTimeoutQueue, redis.Z{Score: fireAt, Member: token})
		p.HSet(ctx, redisx.KeyTimeoutOrders, token, orderID)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("schedule timeout: %w", err)
	}
	return token, nil
}

func (s *RedisScheduler) Cancel(ctx context.Context, token string) (CancelResult, error) {
	removed, err := s.rdb.ZRem(ctx, redisx.KeyTimeoutQueue, token).Result()
	if err != nil {
		return NotFound, fmt.Errorf("cancel timeout: %w", err)
	}
	if removed == 1 {
		_ = s.rdb.HDel(ctx, redisx.KeyTimeoutOrders, token).Err()
		return Cancelled, nil
	}
	fired, err := s.rdb.Exists(ctx, firedKey(token)).Result()
	if err != nil {
		return NotFound, fmt.Errorf("cancel timeout: %w", err)
	}
	if fired > 0 {
		return AlreadyFired, nil
	}
	return NotFound, nil
}

// Queue methods, used by the Poller.

func (s *RedisScheduler) Due(ctx context.Context) ([]string, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	return s.rdb.ZRangeByScore(ctx, redisx.KeyTimeoutQueue, &redis.ZRangeBy{
		Min: "-inf",
		Max: now,
	}).Result()
}

func (s *RedisScheduler) OrderOf(ctx context.Context, token string) (string, bool, error) {
	orderID, err := s.rdb.HGet(ctx, redisx.KeyTimeoutOrders, token).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return orderID, true, nil
}

func (s *RedisScheduler) Claim(ctx context.Context, token string) (bool, error) {
	removed, err := s.rdb.ZRem(ctx, redisx.KeyTimeoutQueue, token).Result()
	return removed == 1, err
}

func (s *RedisScheduler) MarkFired(ctx context.Context, token string) error {
	if err := s.rdb.Set(ctx, firedKey(token), "1", redisx.TTLFiredMarker).Err(); err != nil {
		return err
	}
	return s.rdb.HDel(ctx, redisx.KeyTimeoutOrders, token).Err()
}

func firedKey(token string) string {
	return fmt.Sprintf(redisx.KeyTimeoutFired, token)
}
