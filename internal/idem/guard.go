// Package idem turns at-least-once delivery into at-most-once side effects:
// an operation first claims its marker, and a redelivery that finds the
// marker taken is a no-op.
package idem

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shoporbit/fulfillment/internal/redisx"
)

// Guard is a keyed, TTL-bounded marker store.
type Guard interface {
	// MarkIfAbsent atomically sets the marker and reports whether it was
	// absent. Check-and-set, never check-then-set.
	MarkIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// RestockKey names the marker for an order's restock.
func RestockKey(orderID string) string {
	return fmt.Sprintf(redisx.KeyRestockedOrder, orderID)
}

type RedisGuard struct {
	rdb *redis.Client
}

func NewRedisGuard(rdb *redis.Client) *RedisGuard {
	return &RedisGuard{rdb: rdb}
}

func (g *RedisGuard) MarkIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return g.rdb.SetNX(ctx, key, "processed", ttl).Result()
}
