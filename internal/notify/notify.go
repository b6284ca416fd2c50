// Package notify publishes balance and tier changes so storefront sessions can refresh.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wholelotofnature/loyalty-engine/internal/model"
)

// Channel is the Redis pub/sub channel events are published to.
const Channel = "loyalty:events"

// Event types.
const (
	EventPointsEarned    = "points.earned"
	EventPointsRedeemed  = "points.redeemed"
	EventPointsExpired   = "points.expired"
	EventPointsAdjusted  = "points.adjusted"
	EventTierUpgraded    = "tier.upgraded"
	EventTierDowngraded  = "tier.downgraded"
	EventAccountRepaired = "account.repaired"
)

// Event describes one committed change to an account.
type Event struct {
	Type     string     `json:"type"`
	UserID   string     `json:"user_id"`
	Points   int64      `json:"points"`
	Balance  int64      `json:"points_balance"`
	Lifetime int64      `json:"points_lifetime"`
	Tier     model.Tier `json:"current_tier"`
	At       time.Time  `json:"at"`
}

// Notifier publishes events. Callers treat publish errors as non-fatal.
type Notifier interface {
	Publish(ctx context.Context, event Event) error
}

// Nop discards every event.
type Nop struct{}

// Publish does nothing.
func (Nop) Publish(context.Context, Event) error { return nil }

// Publisher is the subset of redis.UniversalClient used to publish.
type Publisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// RedisNotifier publishes JSON events on a Redis channel.
type RedisNotifier struct {
	client  Publisher
	channel string
}

// NewRedisNotifier creates a notifier publishing on Channel.
func NewRedisNotifier(client Publisher) *RedisNotifier {
	return &RedisNotifier{client: client, channel: Channel}
}

// Publish serialises event and publishes it.
func (n *RedisNotifier) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := n.client.Publish(ctx, n.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", event.Type, err)
	}
	return nil
}
