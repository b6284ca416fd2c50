package loyalty

import (
	"math"

	"github.com/wholelotofnature/loyalty-engine/internal/model"
)

// TierFor returns the band that contains the given lifetime points.
func (r Rules) TierFor(lifetime int64) model.Tier {
	tier := r.Tiers[0].Tier
	for _, band := range r.Tiers {
		if band.Contains(lifetime) {
			return band.Tier
		}
		if lifetime >= band.MinPoints {
			tier = band.Tier
		}
	}
	return tier
}

// Benefits returns the configuration of tier.
func (r Rules) Benefits(tier model.Tier) (model.TierBenefits, bool) {
	for _, band := range r.Tiers {
		if band.Tier == tier {
			return band, true
		}
	}
	return model.TierBenefits{}, false
}

// Next returns the band above tier, or nil for the top tier.
func (r Rules) Next(tier model.Tier) *model.TierBenefits {
	for i, band := range r.Tiers {
		if band.Tier == tier && i+1 < len(r.Tiers) {
			next := r.Tiers[i+1]
			return &next
		}
	}
	return nil
}

// Previous returns the band below tier, or nil for the lowest tier.
func (r Rules) Previous(tier model.Tier) *model.TierBenefits {
	for i, band := range r.Tiers {
		if band.Tier == tier && i > 0 {
			prev := r.Tiers[i-1]
			return &prev
		}
	}
	return nil
}

// PointsToNext returns how many more lifetime points are needed to reach the tier above.
// It is 0 at the top tier.
func (r Rules) PointsToNext(lifetime int64, tier model.Tier) int64 {
	next := r.Next(tier)
	if next == nil {
		return 0
	}
	return max(next.MinPoints-lifetime, 0)
}

// Progress returns the percentage (0-100) of the way from the start of tier to the next one.
func (r Rules) Progress(lifetime int64, tier model.Tier) int {
	next := r.Next(tier)
	if next == nil {
		return 100
	}
	current, ok := r.Benefits(tier)
	if !ok {
		return 0
	}

	span := next.MinPoints - current.MinPoints
	if span <= 0 {
		return 100
	}
	pct := int(math.Round(float64(lifetime-current.MinPoints) / float64(span) * 100))
	return min(max(pct, 0), 100)
}
