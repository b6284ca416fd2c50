package handler

import (
	"context"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/wholelotofnature/loyalty-engine/internal/metrics"
)

// RateStore is the subset of the Redis client used by the rate limiter.
type RateStore interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	TTL(ctx context.Context, key string) *redis.DurationCmd
}

// noExpiry is the TTL Redis reports for a key that exists without an expiry.
const noExpiry = time.Duration(-1)

// RateLimit is a fixed-window limiter keyed by route and client IP, counted in Redis
// with INCR/EXPIRE. A nil store or a Redis error lets the request through.
// A counter left without a window, because EXPIRE failed after the first hit, gets
// its window before any request is rejected on it.
func RateLimit(store RateStore, route string, maxRequests int, window time.Duration) fiber.Handler {
	prefix := "rl:" + route + ":" + strconv.FormatInt(int64(window.Seconds()), 10) + ":"

	return func(c *fiber.Ctx) error {
		if store == nil || maxRequests <= 0 {
			return c.Next()
		}

		ctx := c.Context()
		key := prefix + c.IP()
		count, err := store.Incr(ctx, key).Result()
		if err != nil {
			log.Warn().Err(err).Str("route", route).Msg("rate limiter unavailable, allowing request")
			c.Set("X-RateLimit-Error", "redis-error")
			return c.Next()
		}
		if count == 1 {
			setWindow(ctx, store, key, window)
		} else if count > int64(maxRequests) {
			ttl, err := store.TTL(ctx, key).Result()
			if err != nil {
				log.Warn().Err(err).Str("key", key).Msg("failed to read rate limit window")
			} else if ttl == noExpiry {
				setWindow(ctx, store, key, window)
			}
		}

		remaining := max(int64(maxRequests)-count, 0)
		c.Set("X-RateLimit-Limit", strconv.Itoa(maxRequests))
		c.Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))

		if count > int64(maxRequests) {
			metrics.RateLimited.WithLabelValues(route).Inc()
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "rate limit exceeded"})
		}
		return c.Next()
	}
}

func setWindow(ctx context.Context, store RateStore, key string, window time.Duration) {
	if err := store.Expire(ctx, key, window).Err(); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("failed to set rate limit window")
	}
}
