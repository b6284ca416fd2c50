package model

import "encoding/json"

// PurchaseRequest is the DTO for crediting points for a completed order.
type PurchaseRequest struct {
	UserID      string      `json:"user_id" validate:"required,notblank,max=255"`
	OrderID     string      `json:"order_id" validate:"required,notblank,max=255"`
	AmountSpent json.Number `json:"amount_spent" validate:"required,decimalgt0"`
}

// ActivityRequest is the DTO for bonus activities.
type ActivityRequest struct {
	UserID   string `json:"user_id" validate:"required,notblank,max=255"`
	Activity string `json:"activity" validate:"required,oneof=referral review birthday social-share first-purchase"`
	OrderID  string `json:"order_id" validate:"max=255"`
}

// RedeemRequest is the DTO for exchanging points for a catalog option.
type RedeemRequest struct {
	UserID             string `json:"user_id" validate:"required,notblank,max=255"`
	RedemptionOptionID string `json:"redemption_option_id" validate:"required,notblank,max=255"`
	IdempotencyKey     string `json:"idempotency_key" validate:"required,notblank,max=128"`
}

// AdjustmentRequest is the DTO for a manual admin correction.
type AdjustmentRequest struct {
	UserID string `json:"user_id" validate:"required,notblank,max=255"`
	Points *int64 `json:"points" validate:"required,ne=0"`
	Reason string `json:"reason" validate:"required,notblank,max=500"`
}
