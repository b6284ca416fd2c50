package loyalty

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wholelotofnature/loyalty-engine/internal/model"
)

func TestTierFor_Boundaries(t *testing.T) {
	rules := DefaultRules()

	testCases := []struct {
		lifetime int64
		want     model.Tier
	}{
		{0, model.TierBronze},
		{499, model.TierBronze},
		{500, model.TierSilver},
		{1999, model.TierSilver},
		{2000, model.TierGold},
		{4999, model.TierGold},
		{5000, model.TierPlatinum},
		{1_000_000, model.TierPlatinum},
	}

	for _, tc := range testCases {
		assert.Equal(t, tc.want, rules.TierFor(tc.lifetime), "lifetime %d", tc.lifetime)
	}
}

func TestTierFor_BandsPartitionPoints(t *testing.T) {
	rules := DefaultRules()
	for p := int64(0); p <= 6000; p++ {
		matches := 0
		for _, band := range rules.Tiers {
			if band.Contains(p) {
				matches++
			}
		}
		require.Equal(t, 1, matches, "points %d", p)
	}
}

func TestBenefits(t *testing.T) {
	rules := DefaultRules()

	gold, ok := rules.Benefits(model.TierGold)
	require.True(t, ok)
	assert.True(t, decimal.NewFromInt(10).Equal(gold.DiscountPercentage))
	assert.True(t, decimal.RequireFromString("1.5").Equal(gold.PointsMultiplier))

	platinum, ok := rules.Benefits(model.TierPlatinum)
	require.True(t, ok)
	assert.Nil(t, platinum.MaxPoints)
	require.NotNil(t, platinum.BirthdayDiscountPercentage)
	assert.Equal(t, 20, *platinum.BirthdayDiscountPercentage)

	_, ok = rules.Benefits("diamond")
	assert.False(t, ok)
}

func TestNextAndPrevious(t *testing.T) {
	rules := DefaultRules()

	require.NotNil(t, rules.Next(model.TierBronze))
	assert.Equal(t, model.TierSilver, rules.Next(model.TierBronze).Tier)
	assert.Nil(t, rules.Next(model.TierPlatinum))

	require.NotNil(t, rules.Previous(model.TierGold))
	assert.Equal(t, model.TierSilver, rules.Previous(model.TierGold).Tier)
	assert.Nil(t, rules.Previous(model.TierBronze))
}

func TestPointsToNext(t *testing.T) {
	rules := DefaultRules()

	assert.Equal(t, int64(500), rules.PointsToNext(0, model.TierBronze))
	assert.Equal(t, int64(1), rules.PointsToNext(1999, model.TierSilver))
	assert.Equal(t, int64(0), rules.PointsToNext(9000, model.TierPlatinum))
	// downgraded account whose lifetime already passed the next threshold
	assert.Equal(t, int64(0), rules.PointsToNext(2500, model.TierSilver))
}

func TestProgress(t *testing.T) {
	rules := DefaultRules()

	assert.Equal(t, 0, rules.Progress(0, model.TierBronze))
	assert.Equal(t, 50, rules.Progress(250, model.TierBronze))
	assert.Equal(t, 100, rules.Progress(499+1, model.TierBronze))
	assert.Equal(t, 33, rules.Progress(1000, model.TierSilver))
	assert.Equal(t, 100, rules.Progress(5000, model.TierPlatinum))
	assert.Equal(t, 100, rules.Progress(3000, model.TierSilver), "capped at 100")
}
