package server

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisWindowStore keeps fixed-window counters in Redis: INCR the key, set
// its expiry on the first hit and read the remaining TTL once over the limit.
type redisWindowStore struct {
	client redis.UniversalClient
	prefix string
}

func newRedisWindowStore(client redis.UniversalClient, prefix string) *redisWindowStore {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = defaultRateKeyPrefix
	}
	return &redisWindowStore{client: client, prefix: prefix}
}

func (s *redisWindowStore) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	full := s.prefix + key
	count, err := s.client.Incr(ctx, full).Result()
	if err != nil {
		return false, 0, fmt.Errorf("incr %s: %w", full, err)
	}
	if count == 1 {
		if err := s.client.PExpire(ctx, full, window).Err(); err != nil {
			return false, 0, fmt.Errorf("expire %s: %w", full, err)
		}
	}
	if count <= int64(limit) {
		return true, 0, nil
	}
	ttl, err := s.client.PTTL(ctx, full).Result()
	if err != nil {
		return false, 0, fmt.Errorf("pttl %s: %w", full, err)
	}
	if ttl < 0 {
		// The counter lost its expiry; restart the window so it cannot stick.
		if err := s.client.PExpire(ctx, full, window).Err(); err != nil {
			return false, 0, fmt.Errorf("expire %s: %w", full, err)
		}
		return false, window, nil
	}
	return false, ttl, nil
}
