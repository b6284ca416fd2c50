package service

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"github.com/wholelotofnature/loyalty-engine/internal/metrics"
	"github.com/wholelotofnature/loyalty-engine/internal/model"
	"github.com/wholelotofnature/loyalty-engine/internal/notify"
)

// downgradeDue reports whether acct has been idle in its tier for the whole window.
// Both the last activity and the tier start must be older than cutoff, so an account
// upgraded inside the window keeps its tier until the window has passed again.
func downgradeDue(acct *model.Account, cutoff time.Time) bool {
	return acct.CurrentTier != model.TierBronze &&
		acct.LastActivityAt.Before(cutoff) &&
		acct.TierStartDate.Before(cutoff)
}

// DowngradeUser steps one customer down a single tier if they have been inactive for the
// downgrade window. Returns nil when nothing changed.
func (s *LoyaltyService) DowngradeUser(ctx context.Context, userID string, now time.Time) (*model.Transaction, error) {
	if s.opts.DowngradeDays <= 0 {
		return nil, nil
	}
	cutoff := now.AddDate(0, 0, -s.opts.DowngradeDays)

	var acct *model.Account
	var marker *model.Transaction
	err := s.retry(ctx, func() error {
		marker = nil
		return s.withTx(ctx, func(tx pgx.Tx) error {
			var err error
			acct, err = s.lockAccount(ctx, tx, userID)
			if err != nil {
				return err
			}
			// re-checked under the lock: an earn may have landed since the candidate scan
			if !downgradeDue(acct, cutoff) {
				return nil
			}
			prev := s.rules.Previous(acct.CurrentTier)
			if prev == nil {
				return nil
			}
			marker, err = s.changeTier(ctx, tx, acct, prev.Tier, model.TxTierDowngrade, now)
			return err
		})
	})
	if err != nil || marker == nil {
		return nil, err
	}

	metrics.TierChanges.WithLabelValues("down", string(acct.CurrentTier)).Inc()
	log.Info().
		Str("user_id", userID).
		Str("type", string(model.TxTierDowngrade)).
		Int64("balance", acct.PointsBalance).
		Str("tier", string(acct.CurrentTier)).
		Msg("tier downgraded after inactivity")
	s.publish(ctx, notify.EventTierDowngraded, acct, 0)
	return marker, nil
}

// DowngradeInactive runs the inactivity downgrade over every eligible account.
// Each account moves down at most one tier per run.
func (s *LoyaltyService) DowngradeInactive(ctx context.Context, now time.Time) (*model.SweepResult, error) {
	result := &model.SweepResult{}
	if s.opts.DowngradeDays <= 0 {
		return result, nil
	}
	cutoff := now.AddDate(0, 0, -s.opts.DowngradeDays)

	after := ""
	for {
		ids, err := s.accounts.ListInactive(ctx, cutoff, after, s.opts.BatchSize)
		if err != nil {
			return result, fmt.Errorf("list inactive accounts: %w", err)
		}
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			marker, err := s.DowngradeUser(ctx, id, now)
			if err != nil {
				return result, fmt.Errorf("downgrade %s: %w", id, err)
			}
			if marker != nil {
				result.Accounts++
				result.Entries++
			}
		}
		if len(ids) < s.opts.BatchSize {
			break
		}
		after = ids[len(ids)-1]
	}

	log.Info().Int("accounts", result.Accounts).Msg("downgrade sweep finished")
	return result, nil
}
