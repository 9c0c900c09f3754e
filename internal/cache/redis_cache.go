package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

var _ MessageCache = (*RedisCache)(nil)

func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl}
}

func key(queueID int64) string {
	return fmt.Sprintf("msg:%d", queueID)
}

func (c *RedisCache) StoreSent(ctx context.Context, queueID int64, providerMessageID string, sentAt time.Time) error {
	b, err := json.Marshal(Receipt{
		ProviderMessageID: providerMessageID,
		SentAt:            sentAt.UTC(),
	})
	if err != nil {
		return err
	}

	return c.rdb.Set(ctx, key(queueID), b, c.ttl).Err()
}

// GetSent returns the cached receipt for queueID, if any.
func (c *RedisCache) GetSent(ctx context.Context, queueID int64) (Receipt, bool, error) {
	raw, err := c.rdb.Get(ctx, key(queueID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Receipt{}, false, nil
	}
	if err != nil {
		return Receipt{}, false, err
	}

	var r Receipt
	if err := json.Unmarshal(raw, &r); err != nil {
		return Receipt{}, false, fmt.Errorf("decoding receipt for message %d: %w", queueID, err)
	}
	return r, true, nil
}
