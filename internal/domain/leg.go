package domain

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// LegStatus tracks a leg through a single orchestration attempt.
type LegStatus string

const (
	LegStatusPending LegStatus = "pending"
	LegStatusCreated LegStatus = "created"
	LegStatusFailed  LegStatus = "failed"
	LegStatusClosed  LegStatus = "closed"
)

// TokenSide names the pool token a leg is denominated in.
type TokenSide string

const (
	TokenX TokenSide = "x"
	TokenY TokenSide = "y"
)

// DistributionMode is the liquidity shape deposited across a leg's bins.
type DistributionMode string

const (
	ModeSpot   DistributionMode = "spot"
	ModeCurve  DistributionMode = "curve"
	ModeBidAsk DistributionMode = "bid_ask"
)

// Layout selects how a plan places its legs relative to the active bin.
type Layout string

const (
	LayoutChain     Layout = "chain"      // two adjacent legs at and below the active bin
	LayoutUpperOnly Layout = "upper_only" // one leg starting at the active bin
	LayoutLowerOnly Layout = "lower_only" // one leg ending at the active bin
)

// BinRange is an inclusive span of bin indices.
type BinRange struct {
	Lower int64
	Upper int64
}

// Width returns the number of bins in the range.
func (r BinRange) Width() int64 { return r.Upper - r.Lower + 1 }

func (r BinRange) String() string { return fmt.Sprintf("[%d,%d]", r.Lower, r.Upper) }

// PositionLeg is one sub-position of a multi-leg plan.
type PositionLeg struct {
	Index           int
	Address         string // empty until the create transaction lands
	PoolAddress     string
	LowerBinID      int64
	UpperBinID      int64
	AllocatedAmount decimal.Decimal
	Side            TokenSide
	Mode            DistributionMode
	Status          LegStatus
}

// Range returns the leg's bin range.
func (l PositionLeg) Range() BinRange {
	return BinRange{Lower: l.LowerBinID, Upper: l.UpperBinID}
}

// AugmentSpec is a secondary deposit applied to an already-created leg, such
// as a curve-shaped addendum on top of a spot leg.
type AugmentSpec struct {
	LegIndex int
	Amount   decimal.Decimal
	Mode     DistributionMode
}

// MultiLegPlan is the placement plan for one orchestration attempt.
type MultiLegPlan struct {
	PoolAddress       string
	ReferenceBin      int64
	Layout            Layout
	Legs              []PositionLeg
	Augments          []AugmentSpec
	TotalCapital      decimal.Decimal
	RequireContiguous bool
}

// Validate rejects plans whose legs overlap, or leave gaps when the plan
// requires full coverage.
func (p MultiLegPlan) Validate() error {
	if p.PoolAddress == "" {
		return &PlanError{Pool: p.PoolAddress, Reason: "pool address is empty"}
	}
	if len(p.Legs) == 0 {
		return &PlanError{Pool: p.PoolAddress, Reason: "plan has no legs"}
	}

	ranges := make([]BinRange, 0, len(p.Legs))
	for _, leg := range p.Legs {
		if leg.LowerBinID > leg.UpperBinID {
			return &PlanError{Pool: p.PoolAddress, Reason: fmt.Sprintf("leg %d has inverted range %s", leg.Index, leg.Range())}
		}
		if leg.AllocatedAmount.IsNegative() {
			return &PlanError{Pool: p.PoolAddress, Reason: fmt.Sprintf("leg %d has negative allocation", leg.Index)}
		}
		ranges = append(ranges, leg.Range())
	}
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Lower < ranges[j].Lower })

	for i := 1; i < len(ranges); i++ {
		prev, cur := ranges[i-1], ranges[i]
		if cur.Lower <= prev.Upper {
			return &PlanError{Pool: p.PoolAddress, Reason: fmt.Sprintf("ranges %s and %s overlap", prev, cur)}
		}
		if p.RequireContiguous && cur.Lower != prev.Upper+1 {
			return &PlanError{Pool: p.PoolAddress, Reason: fmt.Sprintf("gap between %s and %s", prev, cur)}
		}
	}

	for _, a := range p.Augments {
		if a.LegIndex < 0 || a.LegIndex >= len(p.Legs) {
			return &PlanError{Pool: p.PoolAddress, Reason: fmt.Sprintf("augment references unknown leg %d", a.LegIndex)}
		}
	}
	return nil
}

// LegOutcome is the joined result of submitting one leg.
type LegOutcome struct {
	Index     int
	Success   bool
	Address   string
	Signature string
	GasUsed   uint64
	Attempts  int
	Err       error
}

// AugmentOutcome is the typed result of a best-effort augmenting operation.
type AugmentOutcome struct {
	LegIndex  int
	Address   string
	Mode      DistributionMode
	Amount    decimal.Decimal
	Success   bool
	Signature string
	GasUsed   uint64
	Err       error
}
