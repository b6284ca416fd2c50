package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wholelotofnature/loyalty-engine/internal/model"
)

// validateEntry enforces the sign rules of each entry type.
func validateEntry(e *model.Transaction) error {
	if strings.TrimSpace(e.Reason) == "" {
		return validationError("reason is required")
	}

	switch e.Type {
	case model.TxEarn:
		if e.Points <= 0 {
			return validationError("earn points must be positive, got %d", e.Points)
		}
	case model.TxRedeem, model.TxExpiry:
		if e.Points >= 0 {
			return validationError("%s points must be negative, got %d", e.Type, e.Points)
		}
	case model.TxAdjustment:
		if e.Points == 0 {
			return validationError("adjustment points must not be zero")
		}
	case model.TxTierUpgrade, model.TxTierDowngrade:
		if e.Points != 0 {
			return validationError("%s entries carry no points, got %d", e.Type, e.Points)
		}
		if e.Tier == nil || e.Tier.Rank() < 0 {
			return validationError("%s entries must name a valid tier", e.Type)
		}
	default:
		return validationError("unknown transaction type %q", e.Type)
	}
	return nil
}

// appendEntry validates entry, applies it to the locked account and writes it to the ledger,
// all inside tx. acct is updated in place to mirror the row.
func (s *LoyaltyService) appendEntry(ctx context.Context, tx pgx.Tx, acct *model.Account, entry *model.Transaction) error {
	if err := validateEntry(entry); err != nil {
		return err
	}

	entry.ID = uuid.NewString()
	entry.UserID = acct.UserID
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}

	if entry.Points != 0 {
		if entry.Points < 0 && acct.Available()+entry.Points < 0 {
			return &InsufficientPointsError{Available: acct.Available(), Required: -entry.Points}
		}

		activity := entry.Type != model.TxExpiry
		applied, err := s.accounts.ApplyDelta(ctx, tx, acct.UserID, entry.Points, activity, entry.CreatedAt)
		if err != nil {
			return fmt.Errorf("apply %s to account: %w", entry.Type, err)
		}
		if !applied {
			// the row lock should make this unreachable
			return fmt.Errorf("%w: balance changed under lock", ErrConcurrencyConflict)
		}

		acct.PointsBalance += entry.Points
		if entry.Points > 0 {
			acct.PointsLifetime += entry.Points
		}
		if activity {
			acct.LastActivityAt = entry.CreatedAt
		}
		acct.UpdatedAt = entry.CreatedAt
	}

	if err := s.ledger.Insert(ctx, tx, entry); err != nil {
		return fmt.Errorf("insert %s entry: %w", entry.Type, err)
	}
	return nil
}
