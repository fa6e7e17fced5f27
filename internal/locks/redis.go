package locks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only while it still carries our token, so an
// expired lock re-acquired by someone else is left alone.
var releaseScript = redis.NewScript(`if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("DEL", KEYS[1]) else return 0 end`)

const (
	defaultLockTTL   = 2 * time.Minute
	defaultLockRetry = 50 * time.Millisecond
	defaultKeyPrefix = "vidvault:lock:"
)

// RedisLockerConfig tunes RedisLocker.
type RedisLockerConfig struct {
	// TTL bounds how long a crashed holder can block others. It should exceed
	// the longest trim.
	TTL        time.Duration
	RetryDelay time.Duration
	KeyPrefix  string
	Logger     *slog.Logger
}

// RedisLocker implements Locker with SET NX PX and a compare-and-delete
// release.
type RedisLocker struct {
	client redis.UniversalClient
	ttl    time.Duration
	retry  time.Duration
	prefix string
	logger *slog.Logger
}

func NewRedisLocker(client redis.UniversalClient, cfg RedisLockerConfig) (*RedisLocker, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	locker := &RedisLocker{
		client: client,
		ttl:    cfg.TTL,
		retry:  cfg.RetryDelay,
		prefix: strings.TrimSpace(cfg.KeyPrefix),
		logger: cfg.Logger,
	}
	if locker.ttl <= 0 {
		locker.ttl = defaultLockTTL
	}
	if locker.retry <= 0 {
		locker.retry = defaultLockRetry
	}
	if locker.prefix == "" {
		locker.prefix = defaultKeyPrefix
	}
	if locker.logger == nil {
		locker.logger = slog.Default()
	}
	return locker, nil
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := l.prefix + key
	token := uuid.NewString()
	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()
	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// Release even when the caller's context is already done.
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(releaseCtx, l.client, []string{redisKey}, token).Err(); err != nil {
				l.logger.Warn("release redis lock", "key", key, "error", err)
			}
		})
	}, nil
}
