// Package valuation turns raw token amounts into a single quote-token value.
package valuation

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/lpkeeper/internal/domain"
)

// Static values amounts at fixed per-token prices. Live price feeds are not
// part of the keeper; configure prices that are good enough for thresholds.
type Static struct {
	PriceX decimal.Decimal
	PriceY decimal.Decimal
}

// NewStatic returns a Static valuer.
func NewStatic(priceX, priceY decimal.Decimal) *Static {
	return &Static{PriceX: priceX, PriceY: priceY}
}

func (s *Static) Value(_ context.Context, _ string, amounts domain.RawAmounts) (decimal.Decimal, error) {
	return amounts.X.Mul(s.PriceX).Add(amounts.Y.Mul(s.PriceY)), nil
}

var _ domain.Valuer = (*Static)(nil)
