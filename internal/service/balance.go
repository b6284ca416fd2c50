package service

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"github.com/wholelotofnature/loyalty-engine/internal/loyalty"
	"github.com/wholelotofnature/loyalty-engine/internal/model"
	"github.com/wholelotofnature/loyalty-engine/internal/notify"
)

func summaryOf(userID string, s loyalty.Summary) model.LedgerSummary {
	return model.LedgerSummary{
		UserID:         userID,
		Balance:        s.Balance,
		Lifetime:       s.Lifetime,
		Tier:           s.Tier,
		TierStartDate:  s.TierStartDate,
		LastActivityAt: s.LastActivityAt,
		Entries:        s.Entries,
	}
}

func cachedSummary(acct *model.Account) model.LedgerSummary {
	return model.LedgerSummary{
		UserID:         acct.UserID,
		Balance:        acct.PointsBalance,
		Lifetime:       acct.PointsLifetime,
		Tier:           acct.CurrentTier,
		TierStartDate:  acct.TierStartDate,
		LastActivityAt: acct.LastActivityAt,
	}
}

// Recompute derives balance, lifetime and tier from the ledger alone.
// Calling it repeatedly without intervening appends returns the same result.
func (s *LoyaltyService) Recompute(ctx context.Context, userID string) (*model.LedgerSummary, error) {
	rec, err := s.Reconcile(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &rec.Calculated, nil
}

// Reconcile compares the cached account row with a replay of the ledger, read in one snapshot.
func (s *LoyaltyService) Reconcile(ctx context.Context, userID string) (*model.Reconciliation, error) {
	var rec model.Reconciliation
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		acct, err := s.lockAccount(ctx, tx, userID)
		if err != nil {
			return err
		}
		entries, err := s.ledger.ListByUser(ctx, tx, userID)
		if err != nil {
			return fmt.Errorf("list ledger: %w", err)
		}

		rec.Cached = cachedSummary(acct)
		rec.Cached.Entries = len(entries)
		rec.Calculated = summaryOf(userID, loyalty.Replay(entries))
		return nil
	})
	if err != nil {
		return nil, err
	}

	rec.Consistent = rec.Cached.Balance == rec.Calculated.Balance &&
		rec.Cached.Lifetime == rec.Calculated.Lifetime &&
		rec.Cached.Tier == rec.Calculated.Tier
	if !rec.Consistent {
		log.Warn().
			Str("user_id", userID).
			Int64("cached_balance", rec.Cached.Balance).
			Int64("ledger_balance", rec.Calculated.Balance).
			Int64("cached_lifetime", rec.Cached.Lifetime).
			Int64("ledger_lifetime", rec.Calculated.Lifetime).
			Msg("account cache diverged from ledger")
	}
	return &rec, nil
}

// Repair overwrites the cached account row with the ledger replay. Reserved points are
// rebuilt from pending redemptions.
func (s *LoyaltyService) Repair(ctx context.Context, userID string) (*model.Reconciliation, error) {
	var rec model.Reconciliation
	var repaired model.Account
	err := s.retry(ctx, func() error {
		return s.withTx(ctx, func(tx pgx.Tx) error {
			acct, err := s.lockAccount(ctx, tx, userID)
			if err != nil {
				return err
			}
			entries, err := s.ledger.ListByUser(ctx, tx, userID)
			if err != nil {
				return fmt.Errorf("list ledger: %w", err)
			}
			reserved, err := s.redemptions.PendingTotal(ctx, tx, userID)
			if err != nil {
				return fmt.Errorf("pending redemptions: %w", err)
			}

			replay := loyalty.Replay(entries)
			rec.Cached = cachedSummary(acct)
			rec.Cached.Entries = len(entries)
			rec.Calculated = summaryOf(userID, replay)

			repaired = *acct
			repaired.PointsBalance = replay.Balance
			repaired.PointsLifetime = replay.Lifetime
			repaired.PointsReserved = min(reserved, max(replay.Balance, 0))
			repaired.CurrentTier = replay.Tier
			if !replay.TierStartDate.IsZero() {
				repaired.TierStartDate = replay.TierStartDate
			}
			if !replay.LastActivityAt.IsZero() {
				repaired.LastActivityAt = replay.LastActivityAt
			}
			repaired.UpdatedAt = s.now()
			if err := s.accounts.Overwrite(ctx, tx, &repaired); err != nil {
				return fmt.Errorf("overwrite account: %w", err)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	rec.Consistent = true
	changed := rec.Cached.Balance != rec.Calculated.Balance ||
		rec.Cached.Lifetime != rec.Calculated.Lifetime ||
		rec.Cached.Tier != rec.Calculated.Tier
	if changed {
		log.Warn().
			Str("user_id", userID).
			Int64("old_balance", rec.Cached.Balance).
			Int64("balance", rec.Calculated.Balance).
			Str("tier", string(rec.Calculated.Tier)).
			Msg("account repaired from ledger")
		s.publish(ctx, notify.EventAccountRepaired, &repaired, 0)
	}
	return &rec, nil
}

// RepairAll repairs every account, one transaction per account.
func (s *LoyaltyService) RepairAll(ctx context.Context) (*model.SweepResult, error) {
	result := &model.SweepResult{}
	after := ""
	for {
		ids, err := s.accounts.ListUserIDs(ctx, after, s.opts.BatchSize)
		if err != nil {
			return result, fmt.Errorf("list accounts: %w", err)
		}
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			rec, err := s.Repair(ctx, id)
			if err != nil {
				return result, fmt.Errorf("repair %s: %w", id, err)
			}
			result.Accounts++
			result.Entries += rec.Calculated.Entries
			if rec.Cached.Balance != rec.Calculated.Balance {
				result.Points += abs(rec.Calculated.Balance - rec.Cached.Balance)
			}
		}
		if len(ids) < s.opts.BatchSize {
			break
		}
		after = ids[len(ids)-1]
	}

	log.Info().Int("accounts", result.Accounts).Int64("points_corrected", result.Points).Msg("ledger repair finished")
	return result, nil
}
