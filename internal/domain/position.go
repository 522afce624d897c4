package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// PositionStatus tracks whether a position is open or closed.
type PositionStatus string

const (
	PositionStatusOpen   PositionStatus = "open"
	PositionStatusClosed PositionStatus = "closed"
)

// PositionState is the locally tracked state of a created position.
type PositionState struct {
	Address     string
	PoolAddress string
	LowerBinID  int64
	UpperBinID  int64
	Side        TokenSide
	Mode        DistributionMode
	Deposited   decimal.Decimal
	Signature   string
	Status      PositionStatus
	OpenedAt    time.Time
	ClosedAt    *time.Time
}

// BatchInfo is the per-address result of a batched on-chain read.
type BatchInfo struct {
	Address string
	Success bool
	Info    *OnChainInfo
	Err     error
}

// PositionStore tracks created positions and serves cache-backed chain reads
// for them.
type PositionStore interface {
	AddToCache(ctx context.Context, state PositionState) error
	RemoveState(ctx context.Context, address string) error
	GetBatchOnChainInfo(ctx context.Context, addresses []string) []BatchInfo
	Tracked(pool string) []PositionState
}

// PositionRepository persists position states durably.
type PositionRepository interface {
	Upsert(ctx context.Context, state PositionState) error
	Delete(ctx context.Context, address string) error
	ListOpen(ctx context.Context) ([]PositionState, error)
}
