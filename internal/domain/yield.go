package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// RawAmounts are token amounts in the pool's two tokens.
type RawAmounts struct {
	X decimal.Decimal `json:"x"`
	Y decimal.Decimal `json:"y"`
}

// Add returns the element-wise sum.
func (r RawAmounts) Add(o RawAmounts) RawAmounts {
	return RawAmounts{X: r.X.Add(o.X), Y: r.Y.Add(o.Y)}
}

// IsZero reports whether both amounts are zero.
func (r RawAmounts) IsZero() bool { return r.X.IsZero() && r.Y.IsZero() }

// ExtractionEntry is one withdrawal recorded in the yield ledger.
type ExtractionEntry struct {
	At              time.Time       `json:"at"`
	RawAmounts      RawAmounts      `json:"raw_amounts"`
	NormalizedValue decimal.Decimal `json:"normalized_value"`
	TxReference     string          `json:"tx_reference"`
	FeePaid         decimal.Decimal `json:"fee_paid"`
}

// YieldRecord is the append-only extraction history for one pool and
// position set.
type YieldRecord struct {
	Key               string            `json:"key"`
	PoolAddress       string            `json:"pool_address"`
	PositionAddresses []string          `json:"position_addresses"`
	TotalExtracted    decimal.Decimal   `json:"total_extracted"`
	History           []ExtractionEntry `json:"history"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// RealTotal combines live pending yield with what was already extracted.
type RealTotal struct {
	Pending         decimal.Decimal
	Extracted       decimal.Decimal
	Total           decimal.Decimal
	ExtractionCount int
}

// Valuer converts raw token amounts into a single normalized value.
type Valuer interface {
	Value(ctx context.Context, pool string, amounts RawAmounts) (decimal.Decimal, error)
}
