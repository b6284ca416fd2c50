package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"github.com/wholelotofnature/loyalty-engine/internal/metrics"
	"github.com/wholelotofnature/loyalty-engine/internal/model"
	"github.com/wholelotofnature/loyalty-engine/internal/notify"
	"github.com/wholelotofnature/loyalty-engine/internal/reward"
)

// Redeem exchanges points for a catalog option.
//
// Points are first reserved under the account row lock, then the reward is issued outside
// any transaction, then the reservation is either confirmed (a redeem entry is appended) or
// released. A failed issue leaves no ledger entry. The issued reward is stored on the
// pending redemption before confirming, so a failed confirm can be finished later.
//
// The idempotency key makes retries safe: a key that already produced a confirmed
// redemption returns the stored result, a pending key whose reward was already issued is
// confirmed with that reward, any other pending key returns ErrRedemptionInProgress, and a
// released key may be used again.
func (s *LoyaltyService) Redeem(ctx context.Context, userID, optionID, idempotencyKey string) (*model.RedemptionResult, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(idempotencyKey) == "" {
		return nil, validationError("user_id and idempotency_key are required")
	}
	opt, ok := s.rules.Option(optionID)
	if !ok {
		return nil, ErrOptionNotFound
	}
	if opt.PointsCost < s.rules.Redemption.MinPointsToRedeem {
		return nil, ErrBelowMinimum
	}

	red, replay, err := s.reserve(ctx, userID, opt, idempotencyKey)
	if err != nil {
		metrics.Redemptions.WithLabelValues(redemptionOutcome(err)).Inc()
		return nil, err
	}
	if replay != nil {
		metrics.Redemptions.WithLabelValues(metrics.OutcomeReplayed).Inc()
		return replay, nil
	}

	// the client may be gone; finishing the redemption must not depend on it
	bg := context.WithoutCancel(ctx)
	if red.RewardCode != "" {
		stored := s.catalogOption(red.OptionID)
		log.Info().
			Str("user_id", userID).
			Str("redemption_id", red.ID).
			Str("reward_code", red.RewardCode).
			Msg("resuming redemption with issued reward")
		return s.finish(bg, red, stored, storedArtifact(red, stored))
	}

	issueCtx, cancel := context.WithTimeout(ctx, s.opts.RewardTimeout)
	artifact, issueErr := s.issuer.Issue(issueCtx, reward.IssueRequest{
		UserID:       userID,
		RedemptionID: red.ID,
		Option:       opt,
	})
	cancel()

	if issueErr != nil {
		metrics.Redemptions.WithLabelValues(metrics.OutcomeIssueFailed).Inc()
		log.Warn().
			Err(issueErr).
			Str("user_id", userID).
			Str("redemption_id", red.ID).
			Str("option_id", opt.ID).
			Msg("reward issue failed, releasing reservation")
		_ = s.release(bg, red, issueErr.Error())
		return nil, fmt.Errorf("%w: %w", ErrExternalService, issueErr)
	}

	if err := s.recordReward(bg, red, artifact); err != nil {
		log.Warn().
			Err(err).
			Str("user_id", userID).
			Str("redemption_id", red.ID).
			Str("reward_code", artifact.Code).
			Msg("failed to store issued reward before confirming")
	}
	return s.finish(bg, red, opt, artifact)
}

// finish confirms a redemption whose reward was issued and records the outcome.
func (s *LoyaltyService) finish(ctx context.Context, red *model.Redemption, opt model.RedemptionOption, artifact model.RewardArtifact) (*model.RedemptionResult, error) {
	result, err := s.confirm(ctx, red, opt, artifact)
	if err != nil {
		metrics.Redemptions.WithLabelValues(metrics.OutcomeError).Inc()
		log.Error().
			Err(err).
			Str("user_id", red.UserID).
			Str("redemption_id", red.ID).
			Str("reward_code", artifact.Code).
			Msg("reward issued but confirmation failed, redemption left pending for settlement")
		return nil, err
	}

	metrics.Redemptions.WithLabelValues(metrics.OutcomeConfirmed).Inc()
	metrics.PointsRedeemed.Add(float64(red.PointsCost))
	return result, nil
}

func redemptionOutcome(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientPoints):
		return metrics.OutcomeInsufficient
	case errors.Is(err, ErrRedemptionInProgress):
		return metrics.OutcomeInProgress
	default:
		return metrics.OutcomeError
	}
}

// reserve holds the option cost on the account and records a pending redemption.
// It returns a stored result instead when the key was already confirmed, and the
// pending redemption itself when its reward was issued but never confirmed.
func (s *LoyaltyService) reserve(ctx context.Context, userID string, opt model.RedemptionOption, key string) (*model.Redemption, *model.RedemptionResult, error) {
	var red *model.Redemption
	var replay *model.RedemptionResult
	var acct *model.Account
	var expired int
	var expiredPoints int64
	var resumed bool

	err := s.retry(ctx, func() error {
		red, replay, expired, expiredPoints, resumed = nil, nil, 0, 0, false
		return s.withTx(ctx, func(tx pgx.Tx) error {
			var err error
			acct, err = s.lockAccount(ctx, tx, userID)
			if err != nil {
				return err
			}

			existing, err := s.redemptions.GetByKey(ctx, tx, userID, key)
			if err != nil {
				return fmt.Errorf("get redemption: %w", err)
			}
			if existing != nil {
				switch existing.Status {
				case model.RedemptionConfirmed:
					replay = s.storedResult(existing, acct)
					return nil
				case model.RedemptionPending:
					if existing.RewardCode == "" {
						return ErrRedemptionInProgress
					}
					red, resumed = existing, true
					return nil
				}
			}

			now := s.now()
			expired, expiredPoints, err = s.expireLocked(ctx, tx, acct, now)
			if err != nil {
				return err
			}

			if acct.Available() < opt.PointsCost {
				return &InsufficientPointsError{Available: acct.Available(), Required: opt.PointsCost}
			}
			reserved, err := s.accounts.Reserve(ctx, tx, userID, opt.PointsCost, now)
			if err != nil {
				return fmt.Errorf("reserve points: %w", err)
			}
			if !reserved {
				return &InsufficientPointsError{Available: acct.Available(), Required: opt.PointsCost}
			}
			acct.PointsReserved += opt.PointsCost

			if existing != nil {
				existing.OptionID = opt.ID
				existing.PointsCost = opt.PointsCost
				existing.Status = model.RedemptionPending
				existing.RewardKind = ""
				existing.RewardCode = ""
				existing.TransactionID = nil
				existing.FailureReason = ""
				existing.UpdatedAt = now
				if err := s.redemptions.Reopen(ctx, tx, existing); err != nil {
					return fmt.Errorf("reopen redemption: %w", err)
				}
				red = existing
				return nil
			}

			red = &model.Redemption{
				ID:             uuid.NewString(),
				UserID:         userID,
				OptionID:       opt.ID,
				PointsCost:     opt.PointsCost,
				IdempotencyKey: key,
				Status:         model.RedemptionPending,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			if err := s.redemptions.Insert(ctx, tx, red); err != nil {
				return fmt.Errorf("insert redemption: %w", err)
			}
			return nil
		})
	})
	if err != nil {
		return nil, nil, err
	}

	if expired > 0 {
		s.afterExpiry(ctx, acct, expired, expiredPoints)
	}
	if red != nil && !resumed {
		log.Info().
			Str("user_id", userID).
			Str("redemption_id", red.ID).
			Str("option_id", opt.ID).
			Int64("points", opt.PointsCost).
			Int64("available", acct.Available()).
			Msg("points reserved")
	}
	return red, replay, nil
}

// confirm turns the reservation into a redeem entry and stores the reward.
func (s *LoyaltyService) confirm(ctx context.Context, red *model.Redemption, opt model.RedemptionOption, artifact model.RewardArtifact) (*model.RedemptionResult, error) {
	var acct *model.Account
	var entry model.Transaction
	err := s.retry(ctx, func() error {
		return s.withTx(ctx, func(tx pgx.Tx) error {
			var err error
			acct, err = s.lockAccount(ctx, tx, red.UserID)
			if err != nil {
				return err
			}

			now := s.now()
			if err := s.accounts.ReleaseReservation(ctx, tx, red.UserID, red.PointsCost, now); err != nil {
				return fmt.Errorf("release reservation: %w", err)
			}
			acct.PointsReserved -= red.PointsCost

			entry = model.Transaction{
				Type:      model.TxRedeem,
				Points:    -red.PointsCost,
				Reason:    "Redeemed: " + opt.Name,
				CreatedAt: now,
			}
			if err := s.appendEntry(ctx, tx, acct, &entry); err != nil {
				return err
			}

			if err := s.redemptions.Confirm(ctx, tx, red.ID, entry.ID, artifact.Kind, artifact.Code, now); err != nil {
				return fmt.Errorf("confirm redemption: %w", err)
			}
			red.Status = model.RedemptionConfirmed
			red.TransactionID = &entry.ID
			red.RewardKind = artifact.Kind
			red.RewardCode = artifact.Code
			red.UpdatedAt = now
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("user_id", red.UserID).
		Str("type", string(model.TxRedeem)).
		Str("redemption_id", red.ID).
		Int64("points", entry.Points).
		Int64("balance", acct.PointsBalance).
		Str("tier", string(acct.CurrentTier)).
		Msg("points redeemed")
	s.publish(ctx, notify.EventPointsRedeemed, acct, entry.Points)

	return &model.RedemptionResult{
		Redemption:      *red,
		Reward:          artifact,
		RemainingPoints: acct.Available(),
		RedemptionValue: opt.Value,
	}, nil
}

// recordReward stores the issued reward on the pending redemption in its own transaction.
func (s *LoyaltyService) recordReward(ctx context.Context, red *model.Redemption, artifact model.RewardArtifact) error {
	err := s.retry(ctx, func() error {
		return s.withTx(ctx, func(tx pgx.Tx) error {
			return s.redemptions.RecordReward(ctx, tx, red.ID, artifact.Kind, artifact.Code, s.now())
		})
	})
	if err != nil {
		return err
	}
	red.RewardKind = artifact.Kind
	red.RewardCode = artifact.Code
	return nil
}

// release drops the reservation of a redemption that will not be confirmed.
func (s *LoyaltyService) release(ctx context.Context, red *model.Redemption, reason string) error {
	err := s.retry(ctx, func() error {
		return s.withTx(ctx, func(tx pgx.Tx) error {
			if _, err := s.lockAccount(ctx, tx, red.UserID); err != nil {
				return err
			}
			now := s.now()
			if err := s.accounts.ReleaseReservation(ctx, tx, red.UserID, red.PointsCost, now); err != nil {
				return fmt.Errorf("release reservation: %w", err)
			}
			if err := s.redemptions.Release(ctx, tx, red.ID, reason, now); err != nil {
				return fmt.Errorf("release redemption: %w", err)
			}
			return nil
		})
	})
	if err != nil {
		log.Error().
			Err(err).
			Str("user_id", red.UserID).
			Str("redemption_id", red.ID).
			Msg("failed to release reservation")
		return err
	}
	red.Status = model.RedemptionReleased
	red.FailureReason = reason
	return nil
}

// storedResult rebuilds the response of an already confirmed redemption.
func (s *LoyaltyService) storedResult(red *model.Redemption, acct *model.Account) *model.RedemptionResult {
	opt := s.catalogOption(red.OptionID)
	return &model.RedemptionResult{
		Redemption:      *red,
		Reward:          storedArtifact(red, opt),
		RemainingPoints: acct.Available(),
		RedemptionValue: opt.Value,
		Replayed:        true,
	}
}

// catalogOption looks up a stored redemption's option, including options no longer
// offered. An option removed from the catalog keeps only its ID.
func (s *LoyaltyService) catalogOption(id string) model.RedemptionOption {
	for _, opt := range s.rules.Catalog {
		if opt.ID == id {
			return opt
		}
	}
	return model.RedemptionOption{ID: id, Name: id}
}

func storedArtifact(red *model.Redemption, opt model.RedemptionOption) model.RewardArtifact {
	return model.RewardArtifact{
		Kind:         red.RewardKind,
		Code:         red.RewardCode,
		Value:        opt.Value,
		FreeShipping: red.RewardKind == model.RewardFreeShipping,
	}
}

// Redemptions lists a customer's most recent redemptions.
func (s *LoyaltyService) Redemptions(ctx context.Context, userID string, limit int) ([]model.Redemption, error) {
	if err := s.requireAccount(ctx, userID); err != nil {
		return nil, err
	}
	list, err := s.redemptions.ListByUser(ctx, userID, clampLimit(limit, 20, 100))
	if err != nil {
		return nil, fmt.Errorf("list redemptions: %w", err)
	}
	return list, nil
}
