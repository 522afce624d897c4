// Package planner computes multi-leg placement plans: bin ranges around the
// active bin and the funding split across legs.
package planner

import (
	"fmt"

	"github.com/alanyoungcy/lpkeeper/internal/domain"
)

// ChainRanges returns the two-leg chained layout for activeBin, upper leg
// first. Both bounds are inclusive:
//
//	leg 1 (upper): [activeBin-legWidth+1, activeBin]
//	leg 2 (lower): [activeBin-2*legWidth+1, activeBin-legWidth]
//
// The result is checked against the layout postcondition before it is
// returned.
func ChainRanges(activeBin, legWidth int64) ([]domain.BinRange, error) {
	if legWidth <= 0 {
		return nil, &domain.RangeComputationError{ActiveBin: activeBin, LegWidth: legWidth, Reason: "leg width must be positive"}
	}
	upper := domain.BinRange{Lower: activeBin - legWidth + 1, Upper: activeBin}
	lower := domain.BinRange{Lower: activeBin - 2*legWidth + 1, Upper: activeBin - legWidth}
	ranges := []domain.BinRange{upper, lower}

	if err := checkChain(activeBin, legWidth, ranges); err != nil {
		return nil, err
	}
	return ranges, nil
}

// UpperOnlyRange returns a single leg that starts at the active bin.
func UpperOnlyRange(activeBin, legWidth int64) (domain.BinRange, error) {
	if legWidth <= 0 {
		return domain.BinRange{}, &domain.RangeComputationError{ActiveBin: activeBin, LegWidth: legWidth, Reason: "leg width must be positive"}
	}
	r := domain.BinRange{Lower: activeBin, Upper: activeBin + legWidth - 1}
	if err := checkSingle(activeBin, legWidth, r); err != nil {
		return domain.BinRange{}, err
	}
	return r, nil
}

// LowerOnlyRange returns a single leg that ends at the active bin.
func LowerOnlyRange(activeBin, legWidth int64) (domain.BinRange, error) {
	if legWidth <= 0 {
		return domain.BinRange{}, &domain.RangeComputationError{ActiveBin: activeBin, LegWidth: legWidth, Reason: "leg width must be positive"}
	}
	r := domain.BinRange{Lower: activeBin - legWidth + 1, Upper: activeBin}
	if err := checkSingle(activeBin, legWidth, r); err != nil {
		return domain.BinRange{}, err
	}
	return r, nil
}

func checkChain(activeBin, legWidth int64, ranges []domain.BinRange) error {
	fail := func(format string, args ...any) error {
		return &domain.RangeComputationError{ActiveBin: activeBin, LegWidth: legWidth, Reason: fmt.Sprintf(format, args...)}
	}
	if len(ranges) != 2 {
		return fail("expected 2 ranges, got %d", len(ranges))
	}
	upper, lower := ranges[0], ranges[1]
	for i, r := range ranges {
		if r.Width() != legWidth {
			return fail("leg %d %s spans %d bins", i+1, r, r.Width())
		}
	}
	if upper.Upper != activeBin {
		return fail("upper leg %s does not end at the active bin", upper)
	}
	if lower.Upper >= upper.Lower {
		return fail("legs %s and %s overlap", upper, lower)
	}
	if gap := upper.Lower - lower.Upper - 1; gap != 0 {
		return fail("legs %s and %s leave a gap of %d bins", upper, lower, gap)
	}
	if span := upper.Upper - lower.Lower + 1; span != 2*legWidth {
		return fail("total span %d, want %d", span, 2*legWidth)
	}
	return nil
}

func checkSingle(activeBin, legWidth int64, r domain.BinRange) error {
	if r.Width() != legWidth {
		return &domain.RangeComputationError{ActiveBin: activeBin, LegWidth: legWidth, Reason: fmt.Sprintf("range %s spans %d bins", r, r.Width())}
	}
	if activeBin < r.Lower || activeBin > r.Upper {
		return &domain.RangeComputationError{ActiveBin: activeBin, LegWidth: legWidth, Reason: fmt.Sprintf("range %s excludes the active bin", r)}
	}
	return nil
}
