package server

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultLinkWindow    = time.Minute
	defaultRedisTimeout  = 2 * time.Second
	defaultRateKeyPrefix = "vidvault:ratelimit:"
)

type RateLimitConfig struct {
	GlobalRPS   float64
	GlobalBurst int
	// LinkLimit caps capability link requests per client IP within
	// LinkWindow. Zero disables the per-IP limit.
	LinkLimit  int
	LinkWindow time.Duration
	// Redis shares the per-IP windows between processes when set.
	Redis        redis.UniversalClient
	RedisTimeout time.Duration
	KeyPrefix    string
}

type rateLimiter struct {
	global      *tokenBucket
	linkLimit   int
	linkWindow  time.Duration
	linkMu      sync.Mutex
	linkBuckets map[string]*ipLimiter
	store       windowStore
	timeout     time.Duration
}

type ipLimiter struct {
	bucket   *tokenBucket
	lastSeen time.Time
}

// windowStore counts requests per key in fixed windows.
type windowStore interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error)
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	rl := &rateLimiter{
		linkLimit:   cfg.LinkLimit,
		linkWindow:  cfg.LinkWindow,
		linkBuckets: make(map[string]*ipLimiter),
		timeout:     cfg.RedisTimeout,
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = int(math.Max(1, cfg.GlobalRPS))
		}
		rl.global = newTokenBucket(cfg.GlobalRPS, burst)
	}
	if rl.linkLimit < 0 {
		rl.linkLimit = 0
	}
	if rl.linkWindow <= 0 {
		rl.linkWindow = defaultLinkWindow
	}
	if rl.timeout <= 0 {
		rl.timeout = defaultRedisTimeout
	}
	if cfg.Redis != nil && rl.linkLimit > 0 {
		rl.store = newRedisWindowStore(cfg.Redis, cfg.KeyPrefix)
	}
	return rl
}

func (r *rateLimiter) AllowRequest() bool {
	if r == nil || r.global == nil {
		return true
	}
	return r.global.Allow()
}

// AllowLink applies the per-IP capability link limit. The retry hint is the
// time until the caller's window resets.
func (r *rateLimiter) AllowLink(ctx context.Context, key string) (bool, time.Duration, error) {
	if r == nil || r.linkLimit <= 0 {
		return true, 0, nil
	}
	if key == "" {
		key = "unknown"
	}
	if r.store != nil {
		ctx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		return r.store.Allow(ctx, "link:"+key, r.linkLimit, r.linkWindow)
	}

	r.linkMu.Lock()
	limiter, exists := r.linkBuckets[key]
	if !exists {
		rate := float64(r.linkLimit) / r.linkWindow.Seconds()
		limiter = &ipLimiter{bucket: newTokenBucket(rate, r.linkLimit)}
		r.linkBuckets[key] = limiter
	}
	limiter.lastSeen = time.Now()
	r.cleanupLocked()
	r.linkMu.Unlock()

	if limiter.bucket.Allow() {
		return true, 0, nil
	}
	return false, limiter.bucket.untilNext(), nil
}

func (r *rateLimiter) cleanupLocked() {
	cutoff := time.Now().Add(-2 * r.linkWindow)
	for key, limiter := range r.linkBuckets {
		if limiter.lastSeen.Before(cutoff) {
			delete(r.linkBuckets, key)
		}
	}
}

func rateLimitMiddleware(rl *rateLimiter, ips clientIPResolver, logger *slog.Logger, next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.AllowRequest() {
			w.Header().Set("Retry-After", "1")
			writeMiddlewareError(w, http.StatusTooManyRequests, "Too many requests")
			return
		}
		if r.Method == http.MethodPost && r.URL.Path == "/api/videos/generate-link" {
			allowed, retryAfter, err := rl.AllowLink(r.Context(), ips.resolve(r))
			if err != nil {
				if logger != nil {
					logger.Error("rate limiter failure", "error", err)
				}
				writeMiddlewareError(w, http.StatusServiceUnavailable, "Rate limiter unavailable")
				return
			}
			if !allowed {
				w.Header().Set("Retry-After", retryAfterSeconds(retryAfter))
				writeMiddlewareError(w, http.StatusTooManyRequests, "Too many link requests")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func retryAfterSeconds(d time.Duration) string {
	seconds := int64(math.Ceil(d.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return strconv.FormatInt(seconds, 10)
}

type tokenBucket struct {
	mu        sync.Mutex
	rate      float64
	capacity  float64
	tokens    float64
	lastCheck time.Time
}

func newTokenBucket(rate float64, burst int) *tokenBucket {
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &tokenBucket{
		rate:      rate,
		capacity:  float64(burst),
		tokens:    float64(burst),
		lastCheck: time.Now(),
	}
}

func (tb *tokenBucket) refillLocked() {
	now := time.Now()
	tb.tokens += now.Sub(tb.lastCheck).Seconds() * tb.rate
	tb.lastCheck = now
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
}

func (tb *tokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked()
	if tb.tokens < 1 {
		return false
	}
	tb.tokens--
	return true
}

// untilNext estimates how long until one token is available.
func (tb *tokenBucket) untilNext() time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked()
	if tb.tokens >= 1 {
		return 0
	}
	return time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
}
