package planner_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/lpkeeper/internal/domain"
	"github.com/alanyoungcy/lpkeeper/internal/planner"
)

func TestBuild_ChainWithCurveAugment(t *testing.T) {
	plan, err := planner.Build(planner.PlanRequest{
		Pool:         "pool-1",
		ActiveBin:    1000,
		Layout:       domain.LayoutChain,
		LegWidth:     69,
		Capital:      dec("100"),
		CurveAugment: true,
	})
	require.NoError(t, err)

	require.Len(t, plan.Legs, 2)
	assert.Equal(t, int64(1000), plan.ReferenceBin)
	assert.True(t, plan.RequireContiguous)

	assert.Equal(t, domain.BinRange{Lower: 932, Upper: 1000}, plan.Legs[0].Range())
	assert.Equal(t, domain.BinRange{Lower: 863, Upper: 931}, plan.Legs[1].Range())
	assert.True(t, plan.Legs[0].AllocatedAmount.Equal(dec("20")))
	assert.True(t, plan.Legs[1].AllocatedAmount.Equal(dec("60")))
	for _, leg := range plan.Legs {
		assert.Equal(t, domain.TokenY, leg.Side)
		assert.Equal(t, domain.ModeSpot, leg.Mode)
		assert.Equal(t, domain.LegStatusPending, leg.Status)
		assert.Empty(t, leg.Address)
	}

	require.Len(t, plan.Augments, 1)
	assert.Equal(t, 1, plan.Augments[0].LegIndex)
	assert.Equal(t, domain.ModeCurve, plan.Augments[0].Mode)
	assert.True(t, plan.Augments[0].Amount.Equal(dec("20")))
}

func TestBuild_DefaultsToEvenChain(t *testing.T) {
	plan, err := planner.Build(planner.PlanRequest{Pool: "p", ActiveBin: 50, LegWidth: 5, Capital: dec("10")})
	require.NoError(t, err)
	assert.Equal(t, domain.LayoutChain, plan.Layout)
	require.Len(t, plan.Legs, 2)
	assert.True(t, plan.Legs[0].AllocatedAmount.Equal(dec("5")))
	assert.Empty(t, plan.Augments)
}

func TestBuild_SingleSided(t *testing.T) {
	plan, err := planner.Build(planner.PlanRequest{
		Pool: "p", ActiveBin: 10, Layout: domain.LayoutUpperOnly, LegWidth: 4, Capital: dec("8"),
	})
	require.NoError(t, err)
	require.Len(t, plan.Legs, 1)
	assert.Equal(t, domain.TokenX, plan.Legs[0].Side)
	assert.Equal(t, domain.BinRange{Lower: 10, Upper: 13}, plan.Legs[0].Range())
	assert.False(t, plan.RequireContiguous)
}

func TestBuild_RejectsMismatchedSplit(t *testing.T) {
	_, err := planner.Build(planner.PlanRequest{
		Pool: "p", ActiveBin: 10, LegWidth: 4, Capital: dec("8"),
		Split: planner.CurveAugmentedSplit,
	})
	var ae *domain.AllocationError
	require.ErrorAs(t, err, &ae)
}

func TestBuild_RejectsInvalidInput(t *testing.T) {
	_, err := planner.Build(planner.PlanRequest{ActiveBin: 10, LegWidth: 4, Capital: dec("8")})
	assert.ErrorIs(t, err, domain.ErrInvalidParams)

	_, err = planner.Build(planner.PlanRequest{Pool: "p", ActiveBin: 10, LegWidth: 4, Capital: dec("0")})
	assert.ErrorIs(t, err, domain.ErrInvalidParams)

	_, err = planner.Build(planner.PlanRequest{Pool: "p", ActiveBin: 10, LegWidth: 0, Capital: dec("1")})
	var rce *domain.RangeComputationError
	assert.ErrorAs(t, err, &rce)
}

func TestPlanValidate_RejectsOverlapAndGap(t *testing.T) {
	overlap := domain.MultiLegPlan{
		PoolAddress: "p",
		Legs: []domain.PositionLeg{
			{Index: 0, LowerBinID: 10, UpperBinID: 20},
			{Index: 1, LowerBinID: 20, UpperBinID: 30},
		},
	}
	var pe *domain.PlanError
	require.ErrorAs(t, overlap.Validate(), &pe)

	gap := domain.MultiLegPlan{
		PoolAddress:       "p",
		RequireContiguous: true,
		Legs: []domain.PositionLeg{
			{Index: 0, LowerBinID: 10, UpperBinID: 20},
			{Index: 1, LowerBinID: 22, UpperBinID: 30},
		},
	}
	require.ErrorAs(t, gap.Validate(), &pe)

	gap.RequireContiguous = false
	assert.NoError(t, gap.Validate())
}
