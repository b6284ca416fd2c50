package service

import (
	"context"
	"fmt"

	"github.com/wholelotofnature/loyalty-engine/internal/model"
)

func clampLimit(limit, def, maxLimit int) int {
	if limit <= 0 {
		return def
	}
	return min(limit, maxLimit)
}

func (s *LoyaltyService) getAccount(ctx context.Context, userID string) (*model.Account, error) {
	acct, err := s.accounts.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	if acct == nil {
		return nil, ErrAccountNotFound
	}
	return acct, nil
}

func (s *LoyaltyService) requireAccount(ctx context.Context, userID string) error {
	_, err := s.getAccount(ctx, userID)
	return err
}

// Status returns the customer's account together with tier benefits, progress towards the
// next tier, recent ledger entries and the rewards they can currently afford.
func (s *LoyaltyService) Status(ctx context.Context, userID string) (*model.LoyaltyStatus, error) {
	acct, err := s.getAccount(ctx, userID)
	if err != nil {
		return nil, err
	}

	current, ok := s.rules.Benefits(acct.CurrentTier)
	if !ok {
		return nil, fmt.Errorf("account %s has unknown tier %q", userID, acct.CurrentTier)
	}

	recent, err := s.ledger.Recent(ctx, userID, s.opts.RecentTransactions, 0)
	if err != nil {
		return nil, fmt.Errorf("recent transactions: %w", err)
	}

	available := acct.Available()
	return &model.LoyaltyStatus{
		Account:              *acct,
		AvailablePoints:      available,
		CurrentTierBenefits:  current,
		NextTierBenefits:     s.rules.Next(acct.CurrentTier),
		PointsToNextTier:     s.rules.PointsToNext(acct.PointsLifetime, acct.CurrentTier),
		TierProgress:         s.rules.Progress(acct.PointsLifetime, acct.CurrentTier),
		RecentTransactions:   recent,
		AvailableRedemptions: s.rules.Affordable(available),
	}, nil
}

// Transactions pages through a customer's ledger, newest first.
func (s *LoyaltyService) Transactions(ctx context.Context, userID string, limit, offset int) ([]model.Transaction, error) {
	if err := s.requireAccount(ctx, userID); err != nil {
		return nil, err
	}
	txs, err := s.ledger.Recent(ctx, userID, clampLimit(limit, 20, 100), max(offset, 0))
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return txs, nil
}

// Tiers returns the tier table.
func (s *LoyaltyService) Tiers() []model.TierBenefits {
	return s.rules.Tiers
}

// Catalog returns the redemption options currently offered.
func (s *LoyaltyService) Catalog() []model.RedemptionOption {
	opts := []model.RedemptionOption{}
	for _, opt := range s.rules.Catalog {
		if opt.Available {
			opts = append(opts, opt)
		}
	}
	return opts
}

// Leaderboard returns the accounts with the most lifetime points.
func (s *LoyaltyService) Leaderboard(ctx context.Context, limit int) ([]model.Account, error) {
	accounts, err := s.accounts.Leaderboard(ctx, clampLimit(limit, 10, 100))
	if err != nil {
		return nil, fmt.Errorf("leaderboard: %w", err)
	}
	return accounts, nil
}

// Stats aggregates program-wide totals.
func (s *LoyaltyService) Stats(ctx context.Context) (*model.ProgramStats, error) {
	byTier, err := s.accounts.CountByTier(ctx)
	if err != nil {
		return nil, fmt.Errorf("count accounts: %w", err)
	}
	issued, redeemed, expired, err := s.ledger.Totals(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger totals: %w", err)
	}
	redemptions, err := s.redemptions.CountConfirmed(ctx)
	if err != nil {
		return nil, fmt.Errorf("count redemptions: %w", err)
	}

	stats := &model.ProgramStats{
		TotalPointsIssued:   issued,
		TotalPointsRedeemed: redeemed,
		TotalPointsExpired:  expired,
		TotalRedemptions:    redemptions,
		AccountsByTier:      make(map[model.Tier]int64, len(s.rules.Tiers)),
	}
	for _, band := range s.rules.Tiers {
		stats.AccountsByTier[band.Tier] = byTier[band.Tier]
		stats.TotalAccounts += byTier[band.Tier]
	}
	return stats, nil
}
