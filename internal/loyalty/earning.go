package loyalty

import (
	"github.com/shopspring/decimal"

	"github.com/wholelotofnature/loyalty-engine/internal/model"
)

// Activity is a non-purchase action that earns a fixed bonus.
type Activity string

const (
	ActivityReferral    Activity = "referral"
	ActivityReview      Activity = "review"
	ActivityBirthday    Activity = "birthday"
	ActivitySocialShare Activity = "social-share"
	// ActivityFirstPurchase is awarded at most once per account, on request of the storefront.
	ActivityFirstPurchase Activity = "first-purchase"
)

// Ledger reasons for earn entries.
const (
	ReasonPurchase      = "Purchase"
	ReasonFirstPurchase = "First purchase bonus"
	ReasonReferral      = "Referral bonus"
	ReasonReview        = "Review bonus"
	ReasonBirthday      = "Birthday bonus"
	ReasonSocialShare   = "Social share bonus"
)

// PurchasePoints converts an order total into points for a customer in tier:
// floor(amount × points per rupee × tier multiplier), computed exactly.
func (r Rules) PurchasePoints(amount decimal.Decimal, tier model.Tier) int64 {
	if !amount.IsPositive() {
		return 0
	}
	multiplier := decimal.NewFromInt(1)
	if band, ok := r.Benefits(tier); ok {
		multiplier = band.PointsMultiplier
	}
	return amount.Mul(r.Earning.PurchasePointsPerRupee).Mul(multiplier).Floor().IntPart()
}

// ActivityPoints returns the bonus and ledger reason for an activity.
func (r Rules) ActivityPoints(activity Activity) (int64, string, bool) {
	switch activity {
	case ActivityReferral:
		return r.Earning.ReferralBonus, ReasonReferral, true
	case ActivityReview:
		return r.Earning.ReviewBonus, ReasonReview, true
	case ActivityBirthday:
		return r.Earning.BirthdayBonus, ReasonBirthday, true
	case ActivitySocialShare:
		return r.Earning.SocialShareBonus, ReasonSocialShare, true
	case ActivityFirstPurchase:
		return r.Earning.FirstPurchaseBonus, ReasonFirstPurchase, true
	}
	return 0, "", false
}
