package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/wholelotofnature/loyalty-engine/internal/loyalty"
	"github.com/wholelotofnature/loyalty-engine/internal/metrics"
	"github.com/wholelotofnature/loyalty-engine/internal/model"
	"github.com/wholelotofnature/loyalty-engine/internal/notify"
	"github.com/wholelotofnature/loyalty-engine/internal/reward"
	"github.com/wholelotofnature/loyalty-engine/pkg/database"
)

// AccountRepositoryInterface defines the interface for loyalty account data access.
type AccountRepositoryInterface interface {
	Get(ctx context.Context, userID string) (*model.Account, error)
	GetForUpdate(ctx context.Context, tx database.TxQuerier, userID string) (*model.Account, error)
	Create(ctx context.Context, tx database.TxQuerier, userID string, now time.Time) (*model.Account, error)
	ApplyDelta(ctx context.Context, tx database.TxQuerier, userID string, points int64, activity bool, at time.Time) (bool, error)
	Reserve(ctx context.Context, tx database.TxQuerier, userID string, points int64, at time.Time) (bool, error)
	ReleaseReservation(ctx context.Context, tx database.TxQuerier, userID string, points int64, at time.Time) error
	SetTier(ctx context.Context, tx database.TxQuerier, userID string, tier model.Tier, since time.Time) error
	Overwrite(ctx context.Context, tx database.TxQuerier, acct *model.Account) error
	ListUserIDs(ctx context.Context, afterUserID string, limit int) ([]string, error)
	ListInactive(ctx context.Context, cutoff time.Time, afterUserID string, limit int) ([]string, error)
	Leaderboard(ctx context.Context, limit int) ([]model.Account, error)
	CountByTier(ctx context.Context) (map[model.Tier]int64, error)
}

// LedgerRepositoryInterface defines the interface for the append-only points ledger.
type LedgerRepositoryInterface interface {
	Insert(ctx context.Context, tx database.TxQuerier, entry *model.Transaction) error
	ListByUser(ctx context.Context, tx database.TxQuerier, userID string) ([]model.Transaction, error)
	Recent(ctx context.Context, userID string, limit, offset int) ([]model.Transaction, error)
	HasOrder(ctx context.Context, tx database.TxQuerier, userID, orderID, reason string) (bool, error)
	HasReason(ctx context.Context, tx database.TxQuerier, userID, reason string) (bool, error)
	UsersWithDueLots(ctx context.Context, now time.Time, afterUserID string, limit int) ([]string, error)
	Totals(ctx context.Context) (issued, redeemed, expired int64, err error)
}

// RedemptionRepositoryInterface defines the interface for redemption records.
type RedemptionRepositoryInterface interface {
	GetByKey(ctx context.Context, tx database.TxQuerier, userID, key string) (*model.Redemption, error)
	Insert(ctx context.Context, tx database.TxQuerier, r *model.Redemption) error
	Reopen(ctx context.Context, tx database.TxQuerier, r *model.Redemption) error
	Confirm(ctx context.Context, tx database.TxQuerier, id, transactionID, rewardKind, rewardCode string, at time.Time) error
	Release(ctx context.Context, tx database.TxQuerier, id, reason string, at time.Time) error
	RecordReward(ctx context.Context, tx database.TxQuerier, id, rewardKind, rewardCode string, at time.Time) error
	ListStalePending(ctx context.Context, before time.Time, afterID string, limit int) ([]model.Redemption, error)
	PendingTotal(ctx context.Context, tx database.TxQuerier, userID string) (int64, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]model.Redemption, error)
	CountConfirmed(ctx context.Context) (int64, error)
}

// TxBeginner defines the interface for beginning transactions.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Repositories groups the data access dependencies of LoyaltyService.
type Repositories struct {
	Accounts    AccountRepositoryInterface
	Ledger      LedgerRepositoryInterface
	Redemptions RedemptionRepositoryInterface
}

// Options tunes LoyaltyService. Zero values fall back to the program defaults.
type Options struct {
	ExpiryDays         int // 0 disables expiry
	DowngradeDays      int // 0 disables inactivity downgrades
	RewardTimeout      time.Duration
	RecentTransactions int
	MaxAttempts        int
	BatchSize          int
	SettleAfter        time.Duration // pending redemptions older than this are settled
}

// DefaultOptions returns the program defaults.
func DefaultOptions() Options {
	return Options{
		ExpiryDays:         365,
		DowngradeDays:      90,
		RewardTimeout:      10 * time.Second,
		RecentTransactions: 10,
		MaxAttempts:        3,
		BatchSize:          200,
		SettleAfter:        15 * time.Minute,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.RewardTimeout <= 0 {
		o.RewardTimeout = d.RewardTimeout
	}
	if o.RecentTransactions <= 0 {
		o.RecentTransactions = d.RecentTransactions
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.BatchSize <= 0 {
		o.BatchSize = d.BatchSize
	}
	if o.SettleAfter <= 0 {
		o.SettleAfter = d.SettleAfter
	}
	return o
}

// LoyaltyService is the points and tier engine: it owns every write to the ledger
// and keeps the cached account row consistent with it.
type LoyaltyService struct {
	pool        TxBeginner
	accounts    AccountRepositoryInterface
	ledger      LedgerRepositoryInterface
	redemptions RedemptionRepositoryInterface
	rules       loyalty.Rules
	issuer      reward.Issuer
	notifier    notify.Notifier
	opts        Options
	now         func() time.Time
}

// NewLoyaltyService creates a new LoyaltyService backed by the given pool.
func NewLoyaltyService(pool *pgxpool.Pool, repos Repositories, rules loyalty.Rules, issuer reward.Issuer, notifier notify.Notifier, opts Options) *LoyaltyService {
	return NewLoyaltyServiceWithTxBeginner(pool, repos, rules, issuer, notifier, opts)
}

// NewLoyaltyServiceWithTxBeginner creates a LoyaltyService with a custom TxBeginner.
// Primarily used for testing.
func NewLoyaltyServiceWithTxBeginner(pool TxBeginner, repos Repositories, rules loyalty.Rules, issuer reward.Issuer, notifier notify.Notifier, opts Options) *LoyaltyService {
	if issuer == nil {
		issuer = reward.NewLocalIssuer()
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &LoyaltyService{
		pool:        pool,
		accounts:    repos.Accounts,
		ledger:      repos.Ledger,
		redemptions: repos.Redemptions,
		rules:       rules,
		issuer:      issuer,
		notifier:    notifier,
		opts:        opts.withDefaults(),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Rules returns the program rules the service runs with.
func (s *LoyaltyService) Rules() loyalty.Rules {
	return s.rules
}

// withTx runs fn in a transaction, committing when fn succeeds.
func (s *LoyaltyService) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }() // no-op after commit

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		if database.IsRetryable(err) {
			return fmt.Errorf("%w: %w", ErrConcurrencyConflict, err)
		}
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// retry runs op until it succeeds, fails with anything other than a concurrency
// conflict, or MaxAttempts is reached.
func (s *LoyaltyService) retry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 20 * time.Millisecond
	bo.MaxInterval = 250 * time.Millisecond

	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(s.opts.MaxAttempts-1)), ctx)
	return backoff.RetryNotify(func() error {
		err := op()
		if err == nil || errors.Is(err, ErrConcurrencyConflict) {
			return err
		}
		return backoff.Permanent(err)
	}, policy, func(err error, next time.Duration) {
		metrics.ConflictRetries.Inc()
		log.Warn().Err(err).Dur("next_retry_in", next).Msg("concurrent modification, retrying")
	})
}

// lockAccount locks the account row of userID for the rest of tx.
func (s *LoyaltyService) lockAccount(ctx context.Context, tx pgx.Tx, userID string) (*model.Account, error) {
	acct, err := s.accounts.GetForUpdate(ctx, tx, userID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("lock account: %w", err)
	}
	return acct, nil
}

// lockOrCreateAccount locks the account row of userID, creating it first when the user has none.
func (s *LoyaltyService) lockOrCreateAccount(ctx context.Context, tx pgx.Tx, userID string) (*model.Account, error) {
	acct, err := s.lockAccount(ctx, tx, userID)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, ErrAccountNotFound) {
		return nil, err
	}

	acct, err = s.accounts.Create(ctx, tx, userID, s.now())
	if err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}
	log.Info().Str("user_id", userID).Msg("loyalty account created")
	return acct, nil
}

func (s *LoyaltyService) publish(ctx context.Context, eventType string, acct *model.Account, points int64) {
	event := notify.Event{
		Type:     eventType,
		UserID:   acct.UserID,
		Points:   points,
		Balance:  acct.PointsBalance,
		Lifetime: acct.PointsLifetime,
		Tier:     acct.CurrentTier,
		At:       s.now(),
	}
	if err := s.notifier.Publish(context.WithoutCancel(ctx), event); err != nil {
		log.Warn().Err(err).Str("user_id", acct.UserID).Str("event", eventType).Msg("failed to publish loyalty event")
	}
}
