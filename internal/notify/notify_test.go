package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wholelotofnature/loyalty-engine/internal/model"
)

type mockPublisher struct {
	publishFn func(ctx context.Context, channel string, message any) *redis.IntCmd
}

func (m *mockPublisher) Publish(ctx context.Context, channel string, message any) *redis.IntCmd {
	return m.publishFn(ctx, channel, message)
}

func TestRedisNotifier_Publish(t *testing.T) {
	var gotChannel string
	var gotPayload []byte
	pub := &mockPublisher{
		publishFn: func(ctx context.Context, channel string, message any) *redis.IntCmd {
			gotChannel = channel
			gotPayload = message.([]byte)
			cmd := redis.NewIntCmd(ctx)
			cmd.SetVal(1)
			return cmd
		},
	}

	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	err := NewRedisNotifier(pub).Publish(context.Background(), Event{
		Type:     EventTierUpgraded,
		UserID:   "user_001",
		Balance:  2100,
		Lifetime: 2100,
		Tier:     model.TierGold,
		At:       at,
	})
	require.NoError(t, err)

	assert.Equal(t, Channel, gotChannel)
	var decoded Event
	require.NoError(t, json.Unmarshal(gotPayload, &decoded))
	assert.Equal(t, EventTierUpgraded, decoded.Type)
	assert.Equal(t, model.TierGold, decoded.Tier)
	assert.Equal(t, int64(2100), decoded.Balance)
	assert.True(t, at.Equal(decoded.At))
}

func TestRedisNotifier_PublishError(t *testing.T) {
	pub := &mockPublisher{
		publishFn: func(ctx context.Context, channel string, message any) *redis.IntCmd {
			cmd := redis.NewIntCmd(ctx)
			cmd.SetErr(errors.New("connection refused"))
			return cmd
		},
	}

	err := NewRedisNotifier(pub).Publish(context.Background(), Event{Type: EventPointsEarned})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "publish points.earned")
}

func TestNop(t *testing.T) {
	assert.NoError(t, Nop{}.Publish(context.Background(), Event{}))
}
