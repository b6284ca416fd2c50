package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/wholelotofnature/loyalty-engine/internal/model"
)

// evaluateTier upgrades the locked account when its lifetime points reached a higher band.
// It never downgrades. Returns the tier-upgrade marker, or nil when the tier is unchanged.
func (s *LoyaltyService) evaluateTier(ctx context.Context, tx pgx.Tx, acct *model.Account) (*model.Transaction, error) {
	target := s.rules.TierFor(acct.PointsLifetime)
	if target.Rank() <= acct.CurrentTier.Rank() {
		return nil, nil
	}
	return s.changeTier(ctx, tx, acct, target, model.TxTierUpgrade, s.now())
}

func (s *LoyaltyService) changeTier(ctx context.Context, tx pgx.Tx, acct *model.Account, target model.Tier, typ model.TransactionType, now time.Time) (*model.Transaction, error) {
	if err := s.accounts.SetTier(ctx, tx, acct.UserID, target, now); err != nil {
		return nil, fmt.Errorf("set tier: %w", err)
	}

	verb := "Upgraded"
	if typ == model.TxTierDowngrade {
		verb = "Downgraded"
	}
	tier := target
	marker := model.Transaction{
		Type:      typ,
		Points:    0,
		Reason:    fmt.Sprintf("%s to %s tier", verb, strings.ToUpper(string(target))),
		Tier:      &tier,
		CreatedAt: now,
	}
	if err := s.appendEntry(ctx, tx, acct, &marker); err != nil {
		return nil, err
	}

	acct.CurrentTier = target
	acct.TierStartDate = now
	return &marker, nil
}
