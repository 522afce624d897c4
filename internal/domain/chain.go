package domain

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// TxKind enumerates the transactions the keeper submits.
type TxKind string

const (
	TxCreatePosition TxKind = "create_position"
	TxAddLiquidity   TxKind = "add_liquidity"
	TxClosePosition  TxKind = "close_position"
	TxClaimFees      TxKind = "claim_fees"
)

// TxDescriptor is a chain-agnostic description of one transaction. The chain
// client turns it into protocol calldata.
type TxDescriptor struct {
	Kind      TxKind
	Pool      string
	Position  string   // target position for add/close
	Positions []string // claim targets
	LowerBin  int64
	UpperBin  int64
	Amount    decimal.Decimal
	Side      TokenSide
	Mode      DistributionMode
}

// TxResult is what the chain reported for a submitted transaction.
type TxResult struct {
	Success        bool
	Signature      string
	GasUsed        uint64
	FeePaid        decimal.Decimal
	CreatedAddress string
	Error          string
}

// Err returns nil for a successful result and the chain's failure otherwise.
func (r TxResult) Err() error {
	if r.Success {
		return nil
	}
	if r.Error != "" {
		return errors.New(r.Error)
	}
	return errors.New("transaction not successful")
}

// Signer is an opaque transaction signer handed through to the chain client.
type Signer interface {
	Address() string
}

// AccountKind tags the variant held by an AccountResult.
type AccountKind int

const (
	AccountFound AccountKind = iota
	AccountNotFound
	AccountError
)

func (k AccountKind) String() string {
	switch k {
	case AccountFound:
		return "found"
	case AccountNotFound:
		return "not_found"
	case AccountError:
		return "error"
	default:
		return "unknown"
	}
}

// OnChainInfo is the parsed state of one position account.
type OnChainInfo struct {
	Address     string
	PoolAddress string
	Owner       string
	LowerBinID  int64
	UpperBinID  int64
	Liquidity   decimal.Decimal
	FeeX        decimal.Decimal
	FeeY        decimal.Decimal
	ReadAt      time.Time
}

// AccountResult is a position account read: exactly one of Found, NotFound or
// Error.
type AccountResult struct {
	Kind AccountKind
	Info OnChainInfo
	Err  error
}

// Found builds a successful AccountResult.
func Found(info OnChainInfo) AccountResult { return AccountResult{Kind: AccountFound, Info: info} }

// NotFound builds an AccountResult for a missing account.
func NotFound() AccountResult { return AccountResult{Kind: AccountNotFound} }

// AccountErr builds a failed AccountResult.
func AccountErr(err error) AccountResult { return AccountResult{Kind: AccountError, Err: err} }

// ChainClient is the narrow surface the keeper needs from a blockchain.
type ChainClient interface {
	SubmitTransaction(ctx context.Context, tx TxDescriptor, signers []Signer) (TxResult, error)
	ReadAccount(ctx context.Context, address string) AccountResult
	GetActiveIndex(ctx context.Context, pool string) (int64, error)
}

// TxStatusReader is implemented by chain clients that can confirm whether a
// previously submitted transaction landed.
type TxStatusReader interface {
	TransactionLanded(ctx context.Context, txRef string) (bool, error)
}
