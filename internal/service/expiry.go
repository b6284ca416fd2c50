package service

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"github.com/wholelotofnature/loyalty-engine/internal/loyalty"
	"github.com/wholelotofnature/loyalty-engine/internal/metrics"
	"github.com/wholelotofnature/loyalty-engine/internal/model"
	"github.com/wholelotofnature/loyalty-engine/internal/notify"
)

const reasonExpiry = "Points expired"

// expireLocked appends one expiry entry per lot of the locked account that is due at now.
// Points held by pending redemptions are never expired.
func (s *LoyaltyService) expireLocked(ctx context.Context, tx pgx.Tx, acct *model.Account, now time.Time) (int, int64, error) {
	if s.opts.ExpiryDays <= 0 {
		return 0, 0, nil
	}

	entries, err := s.ledger.ListByUser(ctx, tx, acct.UserID)
	if err != nil {
		return 0, 0, fmt.Errorf("list ledger: %w", err)
	}

	var count int
	var total int64
	for _, debit := range loyalty.Replay(entries).Expire(now, acct.PointsReserved) {
		source := debit.LotID
		entry := model.Transaction{
			Type:      model.TxExpiry,
			Points:    -debit.Points,
			Reason:    reasonExpiry,
			SourceID:  &source,
			CreatedAt: now,
		}
		if err := s.appendEntry(ctx, tx, acct, &entry); err != nil {
			return count, total, err
		}
		count++
		total += debit.Points
	}
	return count, total, nil
}

// ExpireUser expires the due lots of one customer.
func (s *LoyaltyService) ExpireUser(ctx context.Context, userID string, now time.Time) (*model.SweepResult, error) {
	var acct *model.Account
	var count int
	var total int64
	err := s.retry(ctx, func() error {
		return s.withTx(ctx, func(tx pgx.Tx) error {
			var err error
			acct, err = s.lockAccount(ctx, tx, userID)
			if err != nil {
				return err
			}
			count, total, err = s.expireLocked(ctx, tx, acct, now)
			return err
		})
	})
	if err != nil {
		return nil, err
	}

	result := &model.SweepResult{Entries: count, Points: total}
	if count > 0 {
		result.Accounts = 1
		s.afterExpiry(ctx, acct, count, total)
	}
	return result, nil
}

// ExpireDue runs the expiry sweep over every account holding lots due at now.
func (s *LoyaltyService) ExpireDue(ctx context.Context, now time.Time) (*model.SweepResult, error) {
	result := &model.SweepResult{}
	if s.opts.ExpiryDays <= 0 {
		return result, nil
	}

	after := ""
	for {
		ids, err := s.ledger.UsersWithDueLots(ctx, now, after, s.opts.BatchSize)
		if err != nil {
			return result, fmt.Errorf("find due lots: %w", err)
		}
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			res, err := s.ExpireUser(ctx, id, now)
			if err != nil {
				return result, fmt.Errorf("expire %s: %w", id, err)
			}
			result.Accounts += res.Accounts
			result.Entries += res.Entries
			result.Points += res.Points
		}
		if len(ids) < s.opts.BatchSize {
			break
		}
		after = ids[len(ids)-1]
	}

	log.Info().
		Int("accounts", result.Accounts).
		Int("entries", result.Entries).
		Int64("points", result.Points).
		Msg("expiry sweep finished")
	return result, nil
}

func (s *LoyaltyService) afterExpiry(ctx context.Context, acct *model.Account, count int, total int64) {
	metrics.PointsExpired.Add(float64(total))
	log.Info().
		Str("user_id", acct.UserID).
		Str("type", string(model.TxExpiry)).
		Int("lots", count).
		Int64("points", -total).
		Int64("balance", acct.PointsBalance).
		Str("tier", string(acct.CurrentTier)).
		Msg("points expired")
	s.publish(ctx, notify.EventPointsExpired, acct, -total)
}
