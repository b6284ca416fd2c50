package handler

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
)

// Pinger is an interface for health check ping operations.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

// Ping calls f.
func (f PingFunc) Ping(ctx context.Context) error {
	return f(ctx)
}

// HealthHandler reports whether the ledger database and, when configured, Redis are reachable.
type HealthHandler struct {
	db    Pinger
	redis Pinger
}

// NewHealthHandler creates a new HealthHandler. redis may be nil when Redis is disabled.
func NewHealthHandler(db Pinger, redis Pinger) *HealthHandler {
	return &HealthHandler{db: db, redis: redis}
}

// Check answers 503 when the database is unreachable. A Redis outage only degrades
// rate limiting and notifications, so it is reported but keeps the status 200.
func (h *HealthHandler) Check(c *fiber.Ctx) error {
	if err := h.db.Ping(c.Context()); err != nil {
		log.Error().Err(err).Msg("health check failed: database unreachable")
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status": "unhealthy",
			"error":  "database connection failed",
		})
	}

	redisState := "disabled"
	if h.redis != nil {
		redisState = "up"
		if err := h.redis.Ping(c.Context()); err != nil {
			log.Warn().Err(err).Msg("health check: redis unreachable")
			redisState = "down"
		}
	}
	return c.JSON(fiber.Map{
		"status":   "healthy",
		"database": "up",
		"redis":    redisState,
	})
}
