// Package loyalty holds the static program rules (tier bands, earning rates,
// redemption catalog) and the pure ledger fold used to derive balances.
package loyalty

import (
	"errors"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/wholelotofnature/loyalty-engine/internal/model"
)

// ErrInvalidRules is returned when a rules file describes an inconsistent program.
var ErrInvalidRules = errors.New("invalid loyalty rules")

// EarningRules are the fixed point awards.
type EarningRules struct {
	PurchasePointsPerRupee decimal.Decimal `yaml:"purchase_points_per_rupee"`
	ReferralBonus          int64           `yaml:"referral_bonus"`
	ReviewBonus            int64           `yaml:"review_bonus"`
	FirstPurchaseBonus     int64           `yaml:"first_purchase_bonus"`
	BirthdayBonus          int64           `yaml:"birthday_bonus"`
	SocialShareBonus       int64           `yaml:"social_share_bonus"`
}

// RedemptionRules bound what can be redeemed.
type RedemptionRules struct {
	MinPointsToRedeem      int64 `yaml:"min_points_to_redeem"`
	PointsPerRupeeDiscount int64 `yaml:"points_per_rupee_discount"`
}

// Rules is the whole static configuration of the program.
type Rules struct {
	Tiers      []model.TierBenefits     `yaml:"tiers"`
	Catalog    []model.RedemptionOption `yaml:"catalog"`
	Earning    EarningRules             `yaml:"earning"`
	Redemption RedemptionRules          `yaml:"redemption"`
}

func int64Ptr(v int64) *int64 { return &v }
func intPtr(v int) *int       { return &v }

// DefaultRules returns the storefront's built-in program.
func DefaultRules() Rules {
	return Rules{
		Tiers: []model.TierBenefits{
			{
				Tier:               model.TierBronze,
				MinPoints:          0,
				MaxPoints:          int64Ptr(499),
				DiscountPercentage: decimal.Zero,
				FreeShippingAbove:  decimal.NewFromInt(150),
				PointsMultiplier:   decimal.NewFromInt(1),
				ExclusivePerks:     []string{"Access to sales", "Email updates"},
				Badges:             []string{"Bronze Member"},
			},
			{
				Tier:               model.TierSilver,
				MinPoints:          500,
				MaxPoints:          int64Ptr(1999),
				DiscountPercentage: decimal.NewFromInt(5),
				FreeShippingAbove:  decimal.NewFromInt(100),
				PointsMultiplier:   decimal.RequireFromString("1.25"),
				ExclusivePerks:     []string{"5% discount on all purchases", "Free shipping above ₹100", "Early sale access"},
				Badges:             []string{"Silver Member", "Trusted Buyer"},
			},
			{
				Tier:               model.TierGold,
				MinPoints:          2000,
				MaxPoints:          int64Ptr(4999),
				DiscountPercentage: decimal.NewFromInt(10),
				FreeShippingAbove:  decimal.NewFromInt(50),
				PointsMultiplier:   decimal.RequireFromString("1.5"),
				ExclusivePerks: []string{
					"10% discount on all purchases",
					"Free shipping above ₹50",
					"Early access to new products",
					"Priority customer support",
					"Birthday gift",
				},
				Badges: []string{"Gold Member", "VIP"},
			},
			{
				Tier:               model.TierPlatinum,
				MinPoints:          5000,
				DiscountPercentage: decimal.NewFromInt(15),
				FreeShippingAbove:  decimal.Zero,
				PointsMultiplier:   decimal.NewFromInt(2),
				ExclusivePerks: []string{
					"15% discount on all purchases",
					"Free shipping on all orders",
					"VIP customer support",
					"Exclusive products access",
					"Birthday gift + bonus points",
					"Quarterly rewards",
					"Personal shopping assistant",
				},
				Badges:                     []string{"Platinum Member", "VIP Elite", "Exclusive"},
				BirthdayDiscountPercentage: intPtr(20),
			},
		},
		Catalog: []model.RedemptionOption{
			{ID: "discount-100", Name: "₹10 Off", Description: "Get ₹10 discount on your next purchase", PointsCost: 500, Value: decimal.NewFromInt(10), Category: model.CategoryDiscount, Available: true},
			{ID: "discount-250", Name: "₹25 Off", Description: "Get ₹25 discount on your next purchase", PointsCost: 1250, Value: decimal.NewFromInt(25), Category: model.CategoryDiscount, Available: true},
			{ID: "discount-500", Name: "₹50 Off", Description: "Get ₹50 discount on your next purchase", PointsCost: 2500, Value: decimal.NewFromInt(50), Category: model.CategoryDiscount, Available: true},
			{ID: "shipping-free", Name: "Free Shipping", Description: "Free shipping on your next order", PointsCost: 300, Value: decimal.Zero, Category: model.CategoryShipping, Available: true},
			{ID: "exclusive-seed-pack", Name: "Exclusive Seed Pack", Description: "Get exclusive seed pack worth ₹299", PointsCost: 3000, Value: decimal.NewFromInt(299), Category: model.CategoryProduct, Available: true},
			{ID: "premium-guide", Name: "Premium Growing Guide", Description: "Digital premium growing guide (PDF)", PointsCost: 500, Value: decimal.NewFromInt(99), Category: model.CategoryExperience, Available: true},
		},
		Earning: EarningRules{
			PurchasePointsPerRupee: decimal.NewFromInt(1),
			ReferralBonus:          100,
			ReviewBonus:            25,
			FirstPurchaseBonus:     50,
			BirthdayBonus:          100,
			SocialShareBonus:       10,
		},
		Redemption: RedemptionRules{
			MinPointsToRedeem:      50,
			PointsPerRupeeDiscount: 50,
		},
	}
}

// LoadRules returns DefaultRules overridden by the YAML file at path.
// Sections missing from the file keep their defaults. An empty path returns the defaults.
func LoadRules(path string) (Rules, error) {
	rules := DefaultRules()
	if path == "" {
		return rules, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("read rules file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return Rules{}, fmt.Errorf("parse rules file %s: %w", path, err)
	}
	if err := rules.Validate(); err != nil {
		return Rules{}, err
	}
	return rules, nil
}

// Validate checks that tier bands are contiguous and ordered, and that the catalog is consistent
// with the discount conversion rate.
func (r Rules) Validate() error {
	if len(r.Tiers) == 0 {
		return fmt.Errorf("%w: no tiers configured", ErrInvalidRules)
	}
	if r.Tiers[0].MinPoints != 0 {
		return fmt.Errorf("%w: lowest tier must start at 0 points", ErrInvalidRules)
	}

	for i, band := range r.Tiers {
		if band.Tier.Rank() != i {
			return fmt.Errorf("%w: tier %q out of order", ErrInvalidRules, band.Tier)
		}
		if !band.PointsMultiplier.IsPositive() {
			return fmt.Errorf("%w: tier %s multiplier must be positive", ErrInvalidRules, band.Tier)
		}
		last := i == len(r.Tiers)-1
		if last {
			if band.MaxPoints != nil {
				return fmt.Errorf("%w: highest tier must be unbounded", ErrInvalidRules)
			}
			continue
		}
		if band.MaxPoints == nil || *band.MaxPoints < band.MinPoints {
			return fmt.Errorf("%w: tier %s has an invalid upper bound", ErrInvalidRules, band.Tier)
		}
		if r.Tiers[i+1].MinPoints != *band.MaxPoints+1 {
			return fmt.Errorf("%w: gap or overlap between %s and %s", ErrInvalidRules, band.Tier, r.Tiers[i+1].Tier)
		}
	}

	if r.Redemption.MinPointsToRedeem < 0 || r.Redemption.PointsPerRupeeDiscount <= 0 {
		return fmt.Errorf("%w: redemption rules must be positive", ErrInvalidRules)
	}

	seen := make(map[string]struct{}, len(r.Catalog))
	rate := decimal.NewFromInt(r.Redemption.PointsPerRupeeDiscount)
	for _, opt := range r.Catalog {
		if opt.ID == "" {
			return fmt.Errorf("%w: catalog option without id", ErrInvalidRules)
		}
		if _, dup := seen[opt.ID]; dup {
			return fmt.Errorf("%w: duplicate catalog option %s", ErrInvalidRules, opt.ID)
		}
		seen[opt.ID] = struct{}{}

		if opt.PointsCost <= 0 {
			return fmt.Errorf("%w: option %s must cost points", ErrInvalidRules, opt.ID)
		}
		if opt.Category == model.CategoryDiscount && !opt.Value.Mul(rate).Equal(decimal.NewFromInt(opt.PointsCost)) {
			return fmt.Errorf("%w: option %s cost does not match its discount value", ErrInvalidRules, opt.ID)
		}
	}

	return nil
}
