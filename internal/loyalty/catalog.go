package loyalty

import (
	"github.com/shopspring/decimal"

	"github.com/wholelotofnature/loyalty-engine/internal/model"
)

// Option looks up an available catalog option.
func (r Rules) Option(id string) (model.RedemptionOption, bool) {
	for _, opt := range r.Catalog {
		if opt.ID == id && opt.Available {
			return opt, true
		}
	}
	return model.RedemptionOption{}, false
}

// Affordable returns the available options costing at most points.
func (r Rules) Affordable(points int64) []model.RedemptionOption {
	opts := []model.RedemptionOption{}
	for _, opt := range r.Catalog {
		if opt.Available && opt.PointsCost <= points {
			opts = append(opts, opt)
		}
	}
	return opts
}

// DiscountValue converts points to the rupee discount they are worth, rounded down to whole rupees.
func (r Rules) DiscountValue(points int64) decimal.Decimal {
	if points <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(points / r.Redemption.PointsPerRupeeDiscount)
}
