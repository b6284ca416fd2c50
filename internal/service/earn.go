package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/wholelotofnature/loyalty-engine/internal/loyalty"
	"github.com/wholelotofnature/loyalty-engine/internal/metrics"
	"github.com/wholelotofnature/loyalty-engine/internal/model"
	"github.com/wholelotofnature/loyalty-engine/internal/notify"
)

// EarnInput is one credit of an EarnBatch.
type EarnInput struct {
	Points  int64
	Reason  string
	OrderID string
}

// RecordPurchase credits points for a completed order. The amount is converted with the
// multiplier of the customer's current tier. Returns ErrDuplicateOrder if the order was
// already credited.
func (s *LoyaltyService) RecordPurchase(ctx context.Context, userID, orderID string, amount decimal.Decimal) (*model.EarnResult, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(orderID) == "" {
		return nil, validationError("user_id and order_id are required")
	}
	if !amount.IsPositive() {
		return nil, validationError("amount_spent must be positive")
	}

	return s.earn(ctx, userID, func(ctx context.Context, tx pgx.Tx, acct *model.Account) ([]EarnInput, error) {
		dup, err := s.ledger.HasOrder(ctx, tx, userID, orderID, loyalty.ReasonPurchase)
		if err != nil {
			return nil, fmt.Errorf("check order: %w", err)
		}
		if dup {
			return nil, ErrDuplicateOrder
		}

		var inputs []EarnInput
		if points := s.rules.PurchasePoints(amount, acct.CurrentTier); points > 0 {
			inputs = append(inputs, EarnInput{Points: points, Reason: loyalty.ReasonPurchase, OrderID: orderID})
		}
		return inputs, nil
	})
}

// AwardActivity credits the fixed bonus of a non-purchase activity. When orderID is set the
// same activity cannot be credited twice for it. The first purchase bonus is credited at most
// once per account. Birthday bonuses on tiers with a birthday discount also report that discount.
func (s *LoyaltyService) AwardActivity(ctx context.Context, userID string, activity loyalty.Activity, orderID string) (*model.EarnResult, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, validationError("user_id is required")
	}
	points, reason, ok := s.rules.ActivityPoints(activity)
	if !ok {
		return nil, validationError("unknown activity %q", activity)
	}
	if points <= 0 {
		return nil, validationError("activity %q earns no points", activity)
	}

	res, err := s.earn(ctx, userID, func(ctx context.Context, tx pgx.Tx, _ *model.Account) ([]EarnInput, error) {
		if activity == loyalty.ActivityFirstPurchase {
			awarded, err := s.ledger.HasReason(ctx, tx, userID, reason)
			if err != nil {
				return nil, fmt.Errorf("check first purchase: %w", err)
			}
			if awarded {
				return nil, ErrBonusAlreadyAwarded
			}
		}
		if orderID != "" {
			dup, err := s.ledger.HasOrder(ctx, tx, userID, orderID, reason)
			if err != nil {
				return nil, fmt.Errorf("check order: %w", err)
			}
			if dup {
				return nil, ErrDuplicateOrder
			}
		}
		return []EarnInput{{Points: points, Reason: reason, OrderID: orderID}}, nil
	})
	if err != nil {
		return nil, err
	}

	if activity == loyalty.ActivityBirthday {
		if band, ok := s.rules.Benefits(res.Tier); ok {
			res.BirthdayDiscountPercentage = band.BirthdayDiscountPercentage
		}
	}
	return res, nil
}

// EarnBatch credits several earns in one transaction. The tier is evaluated once, after all
// of them, so a batch produces at most one tier-upgrade marker.
func (s *LoyaltyService) EarnBatch(ctx context.Context, userID string, inputs []EarnInput) (*model.EarnResult, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, validationError("user_id is required")
	}
	if len(inputs) == 0 {
		return nil, validationError("at least one earn is required")
	}
	return s.earn(ctx, userID, func(context.Context, pgx.Tx, *model.Account) ([]EarnInput, error) {
		return inputs, nil
	})
}

type earnPlan func(ctx context.Context, tx pgx.Tx, acct *model.Account) ([]EarnInput, error)

// earn locks (or creates) the account, appends the planned earns, evaluates the tier
// and publishes the outcome after commit.
func (s *LoyaltyService) earn(ctx context.Context, userID string, plan earnPlan) (*model.EarnResult, error) {
	var result *model.EarnResult
	var acct *model.Account

	err := s.retry(ctx, func() error {
		return s.withTx(ctx, func(tx pgx.Tx) error {
			var err error
			acct, err = s.lockOrCreateAccount(ctx, tx, userID)
			if err != nil {
				return err
			}

			inputs, err := plan(ctx, tx, acct)
			if err != nil {
				return err
			}

			result = &model.EarnResult{Transactions: []model.Transaction{}}
			now := s.now()
			for _, in := range inputs {
				entry := model.Transaction{
					Type:      model.TxEarn,
					Points:    in.Points,
					Reason:    in.Reason,
					CreatedAt: now,
				}
				if in.OrderID != "" {
					orderID := in.OrderID
					entry.OrderID = &orderID
				}
				if s.opts.ExpiryDays > 0 {
					exp := now.AddDate(0, 0, s.opts.ExpiryDays)
					entry.ExpiresAt = &exp
				}
				if err := s.appendEntry(ctx, tx, acct, &entry); err != nil {
					return err
				}
				result.Transactions = append(result.Transactions, entry)
				result.PointsEarned += entry.Points
			}

			marker, err := s.evaluateTier(ctx, tx, acct)
			if err != nil {
				return err
			}
			if marker != nil {
				result.Transactions = append(result.Transactions, *marker)
				result.Upgraded = true
			}
			return nil
		})
	})
	if err != nil {
		if !errors.Is(err, ErrDuplicateOrder) && !errors.Is(err, ErrBonusAlreadyAwarded) && !errors.Is(err, ErrValidation) {
			log.Error().Err(err).Str("user_id", userID).Msg("failed to credit points")
		}
		return nil, err
	}

	result.Balance = acct.PointsBalance
	result.Lifetime = acct.PointsLifetime
	result.Tier = acct.CurrentTier

	for _, tx := range result.Transactions {
		if tx.Type == model.TxEarn {
			metrics.PointsEarned.WithLabelValues(tx.Reason).Add(float64(tx.Points))
		}
	}
	log.Info().
		Str("user_id", userID).
		Str("type", string(model.TxEarn)).
		Int64("points", result.PointsEarned).
		Int64("balance", result.Balance).
		Str("tier", string(result.Tier)).
		Bool("tier_upgraded", result.Upgraded).
		Msg("points credited")

	if result.PointsEarned > 0 {
		s.publish(ctx, notify.EventPointsEarned, acct, result.PointsEarned)
	}
	if result.Upgraded {
		metrics.TierChanges.WithLabelValues("up", string(acct.CurrentTier)).Inc()
		s.publish(ctx, notify.EventTierUpgraded, acct, 0)
	}
	return result, nil
}

// AdjustPoints records a manual correction. Negative adjustments cannot take the balance below
// the points held by pending redemptions. Positive adjustments raise lifetime points and may
// upgrade the tier.
func (s *LoyaltyService) AdjustPoints(ctx context.Context, userID string, points int64, reason string) (*model.Transaction, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, validationError("user_id is required")
	}

	var entry model.Transaction
	var acct *model.Account
	var upgraded bool
	err := s.retry(ctx, func() error {
		return s.withTx(ctx, func(tx pgx.Tx) error {
			var err error
			acct, err = s.lockAccount(ctx, tx, userID)
			if err != nil {
				return err
			}

			entry = model.Transaction{Type: model.TxAdjustment, Points: points, Reason: reason}
			if err := s.appendEntry(ctx, tx, acct, &entry); err != nil {
				return err
			}

			upgraded = false
			if points > 0 {
				marker, err := s.evaluateTier(ctx, tx, acct)
				if err != nil {
					return err
				}
				upgraded = marker != nil
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	direction := "credit"
	if points < 0 {
		direction = "debit"
	}
	metrics.PointsAdjusted.WithLabelValues(direction).Add(float64(abs(points)))
	log.Info().
		Str("user_id", userID).
		Str("type", string(model.TxAdjustment)).
		Int64("points", points).
		Int64("balance", acct.PointsBalance).
		Str("tier", string(acct.CurrentTier)).
		Str("reason", reason).
		Msg("points adjusted")

	s.publish(ctx, notify.EventPointsAdjusted, acct, points)
	if upgraded {
		metrics.TierChanges.WithLabelValues("up", string(acct.CurrentTier)).Inc()
		s.publish(ctx, notify.EventTierUpgraded, acct, 0)
	}
	return &entry, nil
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
