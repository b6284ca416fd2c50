package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wholelotofnature/loyalty-engine/internal/loyalty"
	"github.com/wholelotofnature/loyalty-engine/internal/model"
	"github.com/wholelotofnature/loyalty-engine/internal/notify"
	"github.com/wholelotofnature/loyalty-engine/internal/reward"
	"github.com/wholelotofnature/loyalty-engine/pkg/database"
)

func TestNewLoyaltyServiceWithTxBeginner_Defaults(t *testing.T) {
	svc := NewLoyaltyServiceWithTxBeginner(&mockTxBeginner{}, Repositories{}, loyalty.DefaultRules(), nil, nil, Options{})

	assert.IsType(t, &reward.LocalIssuer{}, svc.issuer)
	assert.IsType(t, notify.Nop{}, svc.notifier)
	assert.Equal(t, 10*time.Second, svc.opts.RewardTimeout)
	assert.Equal(t, 10, svc.opts.RecentTransactions)
	assert.Equal(t, 3, svc.opts.MaxAttempts)
	assert.Equal(t, 200, svc.opts.BatchSize)
	assert.Equal(t, 15*time.Minute, svc.opts.SettleAfter)
	assert.Zero(t, svc.opts.ExpiryDays, "zero keeps expiry disabled")
	assert.Zero(t, svc.opts.DowngradeDays, "zero keeps downgrades disabled")
	assert.Len(t, svc.Rules().Tiers, 4)
}

func TestLoyaltyService_WithTx_BeginError(t *testing.T) {
	h := newHarness(defaultTestOptions())
	seedPoints(t, h, "user_1", 100)
	h.db.beginErr = errors.New("connection refused")

	_, err := h.svc.AdjustPoints(context.Background(), "user_1", 10, "Goodwill")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "begin tx")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestLoyaltyService_Retry_GivesUpAfterMaxAttempts(t *testing.T) {
	h := newHarness(defaultTestOptions())
	seedPoints(t, h, "user_1", 100)
	commits := h.db.commits
	h.db.commitErr = func() error {
		return &pgconn.PgError{Code: database.CodeSerializationFailure}
	}

	_, err := h.svc.AdjustPoints(context.Background(), "user_1", 10, "Goodwill")

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConcurrencyConflict))
	assert.Equal(t, commits+3, h.db.commits)
	assert.Equal(t, int64(100), h.db.account("user_1").PointsBalance, "failed commits leave no trace")
	assert.Len(t, h.db.ledgerOf("user_1"), 1)
}

func TestLoyaltyService_Retry_RecoversFromConflict(t *testing.T) {
	h := newHarness(defaultTestOptions())
	seedPoints(t, h, "user_1", 100)
	commits := h.db.commits
	failures := 1
	h.db.commitErr = func() error {
		if failures > 0 {
			failures--
			return &pgconn.PgError{Code: database.CodeDeadlockDetected}
		}
		return nil
	}

	entry, err := h.svc.AdjustPoints(context.Background(), "user_1", 10, "Goodwill")

	require.NoError(t, err)
	assert.Equal(t, int64(10), entry.Points)
	assert.Equal(t, commits+2, h.db.commits)
	assert.Equal(t, int64(110), h.db.account("user_1").PointsBalance)
	ledger := h.db.ledgerOf("user_1")
	require.Len(t, ledger, 2)
	assert.Equal(t, model.TxAdjustment, ledger[1].Type)
}

func TestLoyaltyService_Retry_StopsOnPermanentError(t *testing.T) {
	h := newHarness(defaultTestOptions())
	seedPoints(t, h, "user_1", 100)
	commits := h.db.commits
	h.db.commitErr = func() error { return errors.New("disk full") }

	_, err := h.svc.AdjustPoints(context.Background(), "user_1", 10, "Goodwill")

	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrConcurrencyConflict))
	assert.Contains(t, err.Error(), "commit tx")
	assert.Equal(t, commits+1, h.db.commits)
}

func TestLoyaltyService_Retry_StopsOnCancelledContext(t *testing.T) {
	h := newHarness(defaultTestOptions())
	seedPoints(t, h, "user_1", 100)
	h.db.commitErr = func() error {
		return &pgconn.PgError{Code: database.CodeSerializationFailure}
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.svc.AdjustPoints(ctx, "user_1", 10, "Goodwill")

	require.Error(t, err)
	assert.Equal(t, int64(100), h.db.account("user_1").PointsBalance)
}

func TestLoyaltyService_PublishFailureIsNotFatal(t *testing.T) {
	h := newHarness(defaultTestOptions())
	h.notifier.err = errors.New("redis down")

	res, err := h.svc.EarnBatch(context.Background(), "user_1", []EarnInput{{Points: 600, Reason: "Purchase", OrderID: "o1"}})

	require.NoError(t, err)
	assert.True(t, res.Upgraded)
	assert.Equal(t, int64(600), h.db.account("user_1").PointsBalance)
	assert.Equal(t, []string{notify.EventPointsEarned, notify.EventTierUpgraded}, h.notifier.types())
}

func TestLoyaltyService_EarnCreatesAccount(t *testing.T) {
	h := newHarness(defaultTestOptions())

	_, err := h.svc.EarnBatch(context.Background(), "new_user", []EarnInput{{Points: 10, Reason: "Purchase", OrderID: "o1"}})

	require.NoError(t, err)
	acct := h.db.account("new_user")
	assert.Equal(t, model.TierBronze, acct.CurrentTier)
	assert.Equal(t, epoch, acct.CreatedAt)
	assert.Equal(t, epoch, acct.TierStartDate)
	assert.Equal(t, int64(10), acct.PointsBalance)
}
