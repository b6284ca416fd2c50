package service

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is returned when an operation is called with malformed input
	ErrValidation = errors.New("invalid request")

	// ErrAccountNotFound is returned when a user has no loyalty account
	ErrAccountNotFound = errors.New("account not found")

	// ErrOptionNotFound is returned when a redemption option is unknown or unavailable
	ErrOptionNotFound = errors.New("redemption option not found")

	// ErrInsufficientPoints is returned when a debit exceeds the spendable balance
	ErrInsufficientPoints = errors.New("insufficient points")

	// ErrBelowMinimum is returned when a redemption costs less than the redemption floor
	ErrBelowMinimum = errors.New("below minimum points to redeem")

	// ErrConcurrencyConflict is returned when a write lost a race and retries were exhausted
	ErrConcurrencyConflict = errors.New("concurrent modification")

	// ErrExternalService is returned when the reward issuer failed or timed out
	ErrExternalService = errors.New("reward service unavailable")

	// ErrDuplicateOrder is returned when points were already awarded for an order
	ErrDuplicateOrder = errors.New("points already awarded for this order")

	// ErrBonusAlreadyAwarded is returned when a once-per-account bonus was already credited
	ErrBonusAlreadyAwarded = errors.New("bonus already awarded")

	// ErrRedemptionInProgress is returned when the same idempotency key is still being processed
	ErrRedemptionInProgress = errors.New("redemption already in progress")
)

// InsufficientPointsError reports how far short a debit fell.
type InsufficientPointsError struct {
	Available int64
	Required  int64
}

func (e *InsufficientPointsError) Error() string {
	return fmt.Sprintf("insufficient points: available %d, required %d", e.Available, e.Required)
}

// Unwrap lets errors.Is match ErrInsufficientPoints.
func (e *InsufficientPointsError) Unwrap() error {
	return ErrInsufficientPoints
}

// Shortfall returns how many more points are needed.
func (e *InsufficientPointsError) Shortfall() int64 {
	return max(e.Required-e.Available, 0)
}

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
