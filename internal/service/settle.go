package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wholelotofnature/loyalty-engine/internal/metrics"
	"github.com/wholelotofnature/loyalty-engine/internal/model"
)

const reasonNotConfirmed = "not confirmed in time"

// SettlePending finishes redemptions that have been pending for longer than the settle
// window. A redemption whose reward was issued is confirmed with that reward; any other
// is released and its reservation returned to the customer. One redemption failing to
// settle does not stop the sweep.
func (s *LoyaltyService) SettlePending(ctx context.Context, now time.Time) (*model.SweepResult, error) {
	result := &model.SweepResult{}
	cutoff := now.Add(-s.opts.SettleAfter)

	after := ""
	for {
		stale, err := s.redemptions.ListStalePending(ctx, cutoff, after, s.opts.BatchSize)
		if err != nil {
			return result, fmt.Errorf("list stale redemptions: %w", err)
		}
		for i := range stale {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			red := &stale[i]
			confirmed, err := s.settle(ctx, red)
			if err != nil {
				log.Error().
					Err(err).
					Str("user_id", red.UserID).
					Str("redemption_id", red.ID).
					Msg("failed to settle pending redemption")
				continue
			}
			result.Accounts++
			if confirmed {
				result.Entries++
				result.Points += red.PointsCost
			}
		}
		if len(stale) < s.opts.BatchSize {
			break
		}
		after = stale[len(stale)-1].ID
	}

	log.Info().
		Int("redemptions", result.Accounts).
		Int("confirmed", result.Entries).
		Int64("points", result.Points).
		Msg("pending redemption sweep finished")
	return result, nil
}

// settle confirms or releases one stale redemption and reports whether it was confirmed.
func (s *LoyaltyService) settle(ctx context.Context, red *model.Redemption) (bool, error) {
	if red.RewardCode == "" {
		if err := s.release(ctx, red, reasonNotConfirmed); err != nil {
			return false, err
		}
		log.Info().
			Str("user_id", red.UserID).
			Str("redemption_id", red.ID).
			Int64("points", red.PointsCost).
			Msg("stale redemption released")
		return false, nil
	}

	opt := s.catalogOption(red.OptionID)
	if _, err := s.confirm(ctx, red, opt, storedArtifact(red, opt)); err != nil {
		return false, err
	}
	metrics.Redemptions.WithLabelValues(metrics.OutcomeConfirmed).Inc()
	metrics.PointsRedeemed.Add(float64(red.PointsCost))
	return true, nil
}
