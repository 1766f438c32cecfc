package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"practice-rules-engine/internal/common/logger"
)

const cacheKeyPrefix = "triggers:"

// CachedSource caches a Source's definitions in Redis per event type.
// Redis failures fall through to the underlying source.
type CachedSource struct {
	next   Source
	redis  *redis.Client
	ttl    time.Duration
	logger logger.Logger
}

func NewCachedSource(next Source, client *redis.Client, ttl time.Duration, log logger.Logger) *CachedSource {
	return &CachedSource{
		next:   next,
		redis:  client,
		ttl:    ttl,
		logger: log.WithFields(map[string]interface{}{"component": "trigger-cache"}),
	}
}

func cacheKey(eventType string) string {
	return cacheKeyPrefix + eventType
}

func (c *CachedSource) Definitions(ctx context.Context, eventType string) ([]Entry, error) {
	key := cacheKey(eventType)

	raw, err := c.redis.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var entries []Entry
		if jsonErr := json.Unmarshal(raw, &entries); jsonErr == nil {
			return entries, nil
		}
		c.logger.Warn("discarding undecodable cache entry", map[string]interface{}{"key": key})
	case errors.Is(err, redis.Nil):
	default:
		c.logger.Warn("trigger cache read failed", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
	}

	entries, err := c.next.Definitions(ctx, eventType)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(entries); err == nil {
		if err := c.redis.Set(ctx, key, data, c.ttl).Err(); err != nil {
			c.logger.Warn("trigger cache write failed", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
		}
	}
	return entries, nil
}

func (c *CachedSource) Invalidate(ctx context.Context, eventType string) error {
	return c.redis.Del(ctx, cacheKey(eventType)).Err()
}

// InvalidateAll drops every cached event type.
func (c *CachedSource) InvalidateAll(ctx context.Context) error {
	iter := c.redis.Scan(ctx, 0, cacheKeyPrefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan trigger cache: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	return c.redis.Del(ctx, keys...).Err()
}
