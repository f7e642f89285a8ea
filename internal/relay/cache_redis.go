package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"softphone-bridge/internal/calls"

	"github.com/redis/go-redis/v9"
)

const defaultRedisKeyPrefix = "softphone:call:"

// RedisCache shares the status cache between API replicas.
type RedisCache struct {
	rdb    redis.Cmdable
	prefix string

	// ttl of zero keeps entries until Redis evicts them.
	ttl time.Duration
}

func NewRedisCache(rdb redis.Cmdable, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, prefix: defaultRedisKeyPrefix, ttl: ttl}
}

func (c *RedisCache) key(callID string) string {
	return c.prefix + callID
}

func (c *RedisCache) Get(ctx context.Context, callID string) (calls.StatusRecord, bool, error) {
	raw, err := c.rdb.Get(ctx, c.key(callID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return calls.StatusRecord{}, false, nil
	}
	if err != nil {
		return calls.StatusRecord{}, false, fmt.Errorf("relay: redis get %s: %w", callID, err)
	}
	rec, err := decodeRecord(raw)
	if err != nil {
		return calls.StatusRecord{}, false, err
	}
	return rec, true, nil
}

func (c *RedisCache) Put(ctx context.Context, rec calls.StatusRecord) error {
	raw, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	if err := c.rdb.Set(ctx, c.key(rec.CallID), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("relay: redis set %s: %w", rec.CallID, err)
	}
	return nil
}

func encodeRecord(rec calls.StatusRecord) ([]byte, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("relay: encode record: %w", err)
	}
	return raw, nil
}

func decodeRecord(raw []byte) (calls.StatusRecord, error) {
	var rec calls.StatusRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return calls.StatusRecord{}, fmt.Errorf("relay: decode record: %w", err)
	}
	return rec, nil
}
