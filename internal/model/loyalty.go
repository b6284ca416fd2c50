package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Tier is a named loyalty level.
type Tier string

const (
	TierBronze   Tier = "bronze"
	TierSilver   Tier = "silver"
	TierGold     Tier = "gold"
	TierPlatinum Tier = "platinum"
)

// Rank orders tiers from bronze (0) to platinum (3). Unknown tiers rank -1.
func (t Tier) Rank() int {
	switch t {
	case TierBronze:
		return 0
	case TierSilver:
		return 1
	case TierGold:
		return 2
	case TierPlatinum:
		return 3
	}
	return -1
}

// TransactionType classifies a ledger entry.
type TransactionType string

const (
	TxEarn          TransactionType = "earn"
	TxRedeem        TransactionType = "redeem"
	TxAdjustment    TransactionType = "adjustment"
	TxTierUpgrade   TransactionType = "tier-upgrade"
	TxTierDowngrade TransactionType = "tier-downgrade"
	TxExpiry        TransactionType = "expiry"
)

// IsTierMarker reports whether entries of this type record a tier change rather than a balance change.
func (t TransactionType) IsTierMarker() bool {
	return t == TxTierUpgrade || t == TxTierDowngrade
}

// Account is the cached per-customer loyalty state. It is rebuildable from the ledger.
type Account struct {
	UserID         string    `json:"user_id"`
	PointsBalance  int64     `json:"points_balance"`
	PointsLifetime int64     `json:"points_lifetime"`
	PointsReserved int64     `json:"points_reserved"`
	CurrentTier    Tier      `json:"current_tier"`
	TierStartDate  time.Time `json:"tier_start_date"`
	LastActivityAt time.Time `json:"last_activity_at"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"-"`
}

// Available returns the points that can be spent right now: the balance minus
// points held by redemptions that have not been confirmed yet.
func (a *Account) Available() int64 {
	return a.PointsBalance - a.PointsReserved
}

// Transaction is one immutable ledger entry.
type Transaction struct {
	ID        string          `json:"id"`
	Seq       int64           `json:"-"`
	UserID    string          `json:"user_id"`
	Type      TransactionType `json:"type"`
	Points    int64           `json:"points"`
	Reason    string          `json:"reason"`
	OrderID   *string         `json:"order_id,omitempty"`
	Tier      *Tier           `json:"tier,omitempty"`
	SourceID  *string         `json:"source_id,omitempty"` // lot consumed by an expiry entry
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// TierBenefits is the static configuration of one tier band.
// MaxPoints is inclusive; nil means the band is unbounded.
type TierBenefits struct {
	Tier                       Tier            `json:"tier" yaml:"tier"`
	MinPoints                  int64           `json:"min_points" yaml:"min_points"`
	MaxPoints                  *int64          `json:"max_points" yaml:"max_points"`
	DiscountPercentage         decimal.Decimal `json:"discount_percentage" yaml:"discount_percentage"`
	FreeShippingAbove          decimal.Decimal `json:"free_shipping_above" yaml:"free_shipping_above"`
	PointsMultiplier           decimal.Decimal `json:"points_multiplier" yaml:"points_multiplier"`
	ExclusivePerks             []string        `json:"exclusive_perks" yaml:"exclusive_perks"`
	Badges                     []string        `json:"badges" yaml:"badges"`
	BirthdayDiscountPercentage *int            `json:"birthday_discount_percentage,omitempty" yaml:"birthday_discount_percentage,omitempty"`
}

// Contains reports whether lifetime points fall inside this band.
func (b TierBenefits) Contains(points int64) bool {
	return points >= b.MinPoints && (b.MaxPoints == nil || points <= *b.MaxPoints)
}

// RedemptionCategory groups catalog options by the kind of reward they produce.
type RedemptionCategory string

const (
	CategoryDiscount   RedemptionCategory = "discount"
	CategoryProduct    RedemptionCategory = "product"
	CategoryShipping   RedemptionCategory = "shipping"
	CategoryExperience RedemptionCategory = "experience"
)

// RedemptionOption is one entry of the static reward catalog. Value is in rupees.
type RedemptionOption struct {
	ID          string             `json:"id" yaml:"id"`
	Name        string             `json:"name" yaml:"name"`
	Description string             `json:"description" yaml:"description"`
	PointsCost  int64              `json:"points_cost" yaml:"points_cost"`
	Value       decimal.Decimal    `json:"value" yaml:"value"`
	Category    RedemptionCategory `json:"category" yaml:"category"`
	Available   bool               `json:"available" yaml:"available"`
}

// RedemptionStatus tracks a redemption through reserve, confirm and release.
type RedemptionStatus string

const (
	RedemptionPending   RedemptionStatus = "pending"
	RedemptionConfirmed RedemptionStatus = "confirmed"
	RedemptionReleased  RedemptionStatus = "released"
)

// Redemption records one attempt to exchange points for a reward, keyed by the
// client idempotency key.
type Redemption struct {
	ID             string           `json:"id"`
	UserID         string           `json:"user_id"`
	OptionID       string           `json:"redemption_option_id"`
	PointsCost     int64            `json:"points_cost"`
	IdempotencyKey string           `json:"idempotency_key"`
	Status         RedemptionStatus `json:"status"`
	RewardKind     string           `json:"reward_kind,omitempty"`
	RewardCode     string           `json:"reward_code,omitempty"`
	TransactionID  *string          `json:"transaction_id,omitempty"`
	FailureReason  string           `json:"failure_reason,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// Reward artifact kinds.
const (
	RewardCoupon       = "coupon"
	RewardFreeShipping = "free-shipping"
	RewardFulfillment  = "fulfillment"
)

// RewardArtifact is the usable thing a redemption produces.
type RewardArtifact struct {
	Kind         string          `json:"kind"`
	Code         string          `json:"code"`
	Value        decimal.Decimal `json:"value"`
	FreeShipping bool            `json:"free_shipping"`
	ExternalID   string          `json:"external_id,omitempty"`
}

// RedemptionResult is returned by a successful (or replayed) redemption.
type RedemptionResult struct {
	Redemption      Redemption      `json:"redemption"`
	Reward          RewardArtifact  `json:"reward"`
	RemainingPoints int64           `json:"remaining_points"`
	RedemptionValue decimal.Decimal `json:"redemption_value"`
	Replayed        bool            `json:"replayed"`
}

// EarnResult summarises the account after points were credited.
type EarnResult struct {
	Transactions []Transaction `json:"transactions"`
	PointsEarned int64         `json:"points_earned"`
	Balance      int64         `json:"points_balance"`
	Lifetime     int64         `json:"points_lifetime"`
	Tier         Tier          `json:"current_tier"`
	Upgraded     bool          `json:"tier_upgraded"`

	BirthdayDiscountPercentage *int `json:"birthday_discount_percentage,omitempty"`
}

// LoyaltyStatus is the read model consumed by the storefront UI.
type LoyaltyStatus struct {
	Account              Account            `json:"account"`
	AvailablePoints      int64              `json:"available_points"`
	CurrentTierBenefits  TierBenefits       `json:"current_tier_benefits"`
	NextTierBenefits     *TierBenefits      `json:"next_tier_benefits,omitempty"`
	PointsToNextTier     int64              `json:"points_to_next_tier"`
	TierProgress         int                `json:"tier_progress"`
	RecentTransactions   []Transaction      `json:"recent_transactions"`
	AvailableRedemptions []RedemptionOption `json:"available_redemptions"`
}

// LedgerSummary is the balance, lifetime and tier derived from replaying the ledger.
type LedgerSummary struct {
	UserID         string    `json:"user_id"`
	Balance        int64     `json:"points_balance"`
	Lifetime       int64     `json:"points_lifetime"`
	Tier           Tier      `json:"current_tier"`
	TierStartDate  time.Time `json:"tier_start_date"`
	LastActivityAt time.Time `json:"last_activity_at"`
	Entries        int       `json:"entries"`
}

// Reconciliation compares the cached account row with the ledger.
type Reconciliation struct {
	Cached     LedgerSummary `json:"cached"`
	Calculated LedgerSummary `json:"calculated"`
	Consistent bool          `json:"consistent"`
}

// ProgramStats aggregates program-wide numbers for the admin dashboard.
type ProgramStats struct {
	TotalAccounts       int64          `json:"total_accounts"`
	TotalPointsIssued   int64          `json:"total_points_issued"`
	TotalPointsRedeemed int64          `json:"total_points_redeemed"`
	TotalPointsExpired  int64          `json:"total_points_expired"`
	TotalRedemptions    int64          `json:"total_redemptions"`
	AccountsByTier      map[Tier]int64 `json:"accounts_by_tier"`
}

// SweepResult reports what a batch job touched.
type SweepResult struct {
	Accounts int   `json:"accounts"`
	Entries  int   `json:"entries"`
	Points   int64 `json:"points"`
}
