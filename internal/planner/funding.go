package planner

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/lpkeeper/internal/domain"
)

// splitTolerance is how far a policy's shares may drift from 1.0.
var splitTolerance = decimal.New(1, -9)

// SplitPolicy is a fixed list of shares, one per funded slot, summing to 1.
type SplitPolicy []decimal.Decimal

// CurveAugmentedSplit funds leg 1, leg 2 (spot) and the curve addendum on leg 2.
var CurveAugmentedSplit = SplitPolicy{
	decimal.RequireFromString("0.2"),
	decimal.RequireFromString("0.6"),
	decimal.RequireFromString("0.2"),
}

// SplitFromFloats builds a SplitPolicy from float shares, as read from config.
func SplitFromFloats(shares []float64) SplitPolicy {
	out := make(SplitPolicy, 0, len(shares))
	for _, s := range shares {
		out = append(out, decimal.NewFromFloat(s))
	}
	return out
}

// EvenSplit divides capital equally across n slots. The last share absorbs
// the remainder so the shares sum to exactly 1.
func EvenSplit(n int) SplitPolicy {
	if n <= 0 {
		return nil
	}
	share := decimal.NewFromInt(1).DivRound(decimal.NewFromInt(int64(n)), 18)
	out := make(SplitPolicy, n)
	sum := decimal.Zero
	for i := 0; i < n-1; i++ {
		out[i] = share
		sum = sum.Add(share)
	}
	out[n-1] = decimal.NewFromInt(1).Sub(sum)
	return out
}

// Validate checks that every share is non-negative and that they sum to 1
// within tolerance.
func (p SplitPolicy) Validate() error {
	if len(p) == 0 {
		return &domain.AllocationError{Reason: "split policy is empty"}
	}
	sum := decimal.Zero
	for i, s := range p {
		if s.IsNegative() {
			return &domain.AllocationError{Reason: fmt.Sprintf("share %d is negative (%s)", i, s)}
		}
		sum = sum.Add(s)
	}
	if sum.Sub(decimal.NewFromInt(1)).Abs().GreaterThan(splitTolerance) {
		return &domain.AllocationError{Reason: fmt.Sprintf("shares sum to %s, want 1", sum)}
	}
	return nil
}

// Allocate splits total across the policy's slots. Amounts are plain
// products; truncation residue is not redistributed.
func Allocate(total decimal.Decimal, policy SplitPolicy) ([]decimal.Decimal, error) {
	if total.IsNegative() {
		return nil, &domain.AllocationError{Reason: fmt.Sprintf("total capital %s is negative", total)}
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	out := make([]decimal.Decimal, len(policy))
	for i, share := range policy {
		out[i] = total.Mul(share)
	}
	return out, nil
}
