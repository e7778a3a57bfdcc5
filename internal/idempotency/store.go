// Package idempotency caches processed funding-event IDs in Redis so
// redelivered webhooks short-circuit without touching the database. The
// authoritative record lives in the store's idempotency table; the cache
// is an optimization and may be absent.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisKeyPrefix = "escrow:event"

// Cache is a best-effort replay cache mapping event IDs to the
// transaction they produced.
type Cache struct {
	redis redis.Cmdable
	ttl   time.Duration
}

// NewCache wraps a Redis client. A nil client disables the cache.
func NewCache(rdb redis.Cmdable, ttl time.Duration) *Cache {
	return &Cache{redis: rdb, ttl: ttl}
}

// Lookup returns the transaction ID recorded for eventID, or false if
// the event has not been cached. Cache errors degrade to a miss.
func (c *Cache) Lookup(ctx context.Context, eventID string) (uuid.UUID, bool) {
	if c == nil || c.redis == nil {
		return uuid.Nil, false
	}
	val, err := c.redis.Get(ctx, redisKey(eventID)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			zap.L().Warn("redis event lookup failed", zap.Error(err), zap.String("event_id", eventID))
		}
		return uuid.Nil, false
	}
	id, err := uuid.Parse(val)
	if err != nil {
		zap.L().Warn("redis event cache held invalid transaction id", zap.String("event_id", eventID))
		return uuid.Nil, false
	}
	return id, true
}

// Record caches the event -> transaction mapping after the database
// commit. Failures are logged and ignored.
func (c *Cache) Record(ctx context.Context, eventID string, transactionID uuid.UUID) {
	if c == nil || c.redis == nil {
		return
	}
	if err := c.redis.Set(ctx, redisKey(eventID), transactionID.String(), c.ttl).Err(); err != nil {
		zap.L().Warn("redis event cache set failed", zap.Error(err), zap.String("event_id", eventID))
	}
}

func redisKey(eventID string) string {
	return fmt.Sprintf("%s:%s", redisKeyPrefix, eventID)
}
