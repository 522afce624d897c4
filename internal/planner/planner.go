package planner

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/lpkeeper/internal/domain"
)

// PlanRequest carries everything needed to build a plan at one active bin.
type PlanRequest struct {
	Pool         string
	ActiveBin    int64
	Layout       domain.Layout
	LegWidth     int64
	Capital      decimal.Decimal
	Split        SplitPolicy // nil selects the layout default
	CurveAugment bool
}

// Build computes ranges and allocations for req and returns a validated plan.
//
// Without CurveAugment the split has one share per leg. With it, the split
// has one extra trailing share that funds a curve-mode deposit on the last
// leg once the primary legs exist.
func Build(req PlanRequest) (domain.MultiLegPlan, error) {
	if req.Pool == "" {
		return domain.MultiLegPlan{}, fmt.Errorf("planner: pool is required: %w", domain.ErrInvalidParams)
	}
	if !req.Capital.IsPositive() {
		return domain.MultiLegPlan{}, fmt.Errorf("planner: capital must be positive, got %s: %w", req.Capital, domain.ErrInvalidParams)
	}

	if req.Layout == "" {
		req.Layout = domain.LayoutChain
	}
	ranges, side, err := layoutRanges(req)
	if err != nil {
		return domain.MultiLegPlan{}, err
	}

	slots := len(ranges)
	if req.CurveAugment {
		slots++
	}
	split := req.Split
	if split == nil {
		split = defaultSplit(slots)
	}
	if len(split) != slots {
		return domain.MultiLegPlan{}, &domain.AllocationError{
			Reason: fmt.Sprintf("layout %s needs %d shares, policy has %d", req.Layout, slots, len(split)),
		}
	}
	amounts, err := Allocate(req.Capital, split)
	if err != nil {
		return domain.MultiLegPlan{}, err
	}

	plan := domain.MultiLegPlan{
		PoolAddress:       req.Pool,
		ReferenceBin:      req.ActiveBin,
		Layout:            req.Layout,
		TotalCapital:      req.Capital,
		RequireContiguous: len(ranges) > 1,
	}
	for i, r := range ranges {
		plan.Legs = append(plan.Legs, domain.PositionLeg{
			Index:           i,
			PoolAddress:     req.Pool,
			LowerBinID:      r.Lower,
			UpperBinID:      r.Upper,
			AllocatedAmount: amounts[i],
			Side:            side,
			Mode:            domain.ModeSpot,
			Status:          domain.LegStatusPending,
		})
	}
	if req.CurveAugment {
		plan.Augments = append(plan.Augments, domain.AugmentSpec{
			LegIndex: len(ranges) - 1,
			Amount:   amounts[len(amounts)-1],
			Mode:     domain.ModeCurve,
		})
	}

	if err := plan.Validate(); err != nil {
		return domain.MultiLegPlan{}, err
	}
	return plan, nil
}

func layoutRanges(req PlanRequest) ([]domain.BinRange, domain.TokenSide, error) {
	switch req.Layout {
	case domain.LayoutChain:
		r, err := ChainRanges(req.ActiveBin, req.LegWidth)
		return r, domain.TokenY, err
	case domain.LayoutUpperOnly:
		r, err := UpperOnlyRange(req.ActiveBin, req.LegWidth)
		if err != nil {
			return nil, "", err
		}
		return []domain.BinRange{r}, domain.TokenX, nil
	case domain.LayoutLowerOnly:
		r, err := LowerOnlyRange(req.ActiveBin, req.LegWidth)
		if err != nil {
			return nil, "", err
		}
		return []domain.BinRange{r}, domain.TokenY, nil
	default:
		return nil, "", fmt.Errorf("planner: unknown layout %q: %w", req.Layout, domain.ErrInvalidParams)
	}
}

func defaultSplit(slots int) SplitPolicy {
	if slots == 3 {
		return CurveAugmentedSplit
	}
	return EvenSplit(slots)
}
