package evm

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/lpkeeper/internal/domain"
)

// Contract ABIs
var (
	managerABI abi.ABI
	poolABI    abi.ABI
)

func init() {
	var err error

	managerABI, err = abi.JSON(strings.NewReader(`[
		{
			"name": "createPosition",
			"type": "function",
			"inputs": [
				{"name": "pool", "type": "address"},
				{"name": "lowerBin", "type": "int64"},
				{"name": "upperBin", "type": "int64"},
				{"name": "amount", "type": "uint256"},
				{"name": "side", "type": "uint8"},
				{"name": "mode", "type": "uint8"}
			],
			"outputs": [{"name": "position", "type": "address"}]
		},
		{
			"name": "addLiquidity",
			"type": "function",
			"inputs": [
				{"name": "position", "type": "address"},
				{"name": "amount", "type": "uint256"},
				{"name": "side", "type": "uint8"},
				{"name": "mode", "type": "uint8"}
			],
			"outputs": []
		},
		{
			"name": "closePosition",
			"type": "function",
			"inputs": [{"name": "position", "type": "address"}],
			"outputs": []
		},
		{
			"name": "claimFees",
			"type": "function",
			"inputs": [{"name": "positions", "type": "address[]"}],
			"outputs": []
		},
		{
			"name": "getPosition",
			"type": "function",
			"stateMutability": "view",
			"inputs": [{"name": "position", "type": "address"}],
			"outputs": [
				{"name": "exists", "type": "bool"},
				{"name": "pool", "type": "address"},
				{"name": "owner", "type": "address"},
				{"name": "lowerBin", "type": "int64"},
				{"name": "upperBin", "type": "int64"},
				{"name": "liquidity", "type": "uint256"},
				{"name": "feeX", "type": "uint256"},
				{"name": "feeY", "type": "uint256"}
			]
		},
		{
			"name": "PositionCreated",
			"type": "event",
			"inputs": [
				{"name": "position", "type": "address", "indexed": true},
				{"name": "pool", "type": "address", "indexed": true},
				{"name": "lowerBin", "type": "int64", "indexed": false},
				{"name": "upperBin", "type": "int64", "indexed": false}
			]
		}
	]`))
	if err != nil {
		panic("position manager abi parse: " + err.Error())
	}

	poolABI, err = abi.JSON(strings.NewReader(`[
		{
			"name": "getActiveId",
			"type": "function",
			"stateMutability": "view",
			"inputs": [],
			"outputs": [{"name": "activeId", "type": "uint24"}]
		}
	]`))
	if err != nil {
		panic("pool abi parse: " + err.Error())
	}
}

// Decimals is the base-unit precision of the pool's two tokens.
type Decimals struct {
	X int32
	Y int32
}

func (d Decimals) of(side domain.TokenSide) int32 {
	if side == domain.TokenY {
		return d.Y
	}
	return d.X
}

func sideCode(s domain.TokenSide) (uint8, error) {
	switch s {
	case domain.TokenX, "":
		return 0, nil
	case domain.TokenY:
		return 1, nil
	default:
		return 0, fmt.Errorf("unknown token side %q", s)
	}
}

func modeCode(m domain.DistributionMode) (uint8, error) {
	switch m {
	case domain.ModeSpot, "":
		return 0, nil
	case domain.ModeCurve:
		return 1, nil
	case domain.ModeBidAsk:
		return 2, nil
	default:
		return 0, fmt.Errorf("unknown distribution mode %q", m)
	}
}

// ToBaseUnits converts a token amount to its integer on-chain representation,
// truncating below the token's precision.
func ToBaseUnits(amount decimal.Decimal, decimals int32) (*big.Int, error) {
	if amount.IsNegative() {
		return nil, fmt.Errorf("negative amount %s", amount)
	}
	return amount.Shift(decimals).BigInt(), nil
}

// FromBaseUnits converts an on-chain integer amount to token units.
func FromBaseUnits(v *big.Int, decimals int32) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -decimals)
}

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%s %q is not a hex address", field, s)
	}
	return common.HexToAddress(s), nil
}

// PackCall encodes tx as calldata for the position manager. Malformed
// descriptors are fatal: resubmitting them cannot help.
func PackCall(tx domain.TxDescriptor, dec Decimals) ([]byte, error) {
	data, err := packCall(tx, dec)
	if err != nil {
		return nil, domain.Fatal(fmt.Errorf("evm: pack %s: %w: %w", tx.Kind, domain.ErrInvalidParams, err))
	}
	return data, nil
}

func packCall(tx domain.TxDescriptor, dec Decimals) ([]byte, error) {
	switch tx.Kind {
	case domain.TxCreatePosition:
		pool, err := parseAddress("pool", tx.Pool)
		if err != nil {
			return nil, err
		}
		amount, side, mode, err := amountArgs(tx, dec)
		if err != nil {
			return nil, err
		}
		return managerABI.Pack("createPosition", pool, tx.LowerBin, tx.UpperBin, amount, side, mode)

	case domain.TxAddLiquidity:
		pos, err := parseAddress("position", tx.Position)
		if err != nil {
			return nil, err
		}
		amount, side, mode, err := amountArgs(tx, dec)
		if err != nil {
			return nil, err
		}
		return managerABI.Pack("addLiquidity", pos, amount, side, mode)

	case domain.TxClosePosition:
		pos, err := parseAddress("position", tx.Position)
		if err != nil {
			return nil, err
		}
		return managerABI.Pack("closePosition", pos)

	case domain.TxClaimFees:
		if len(tx.Positions) == 0 {
			return nil, fmt.Errorf("no positions to claim")
		}
		addrs := make([]common.Address, 0, len(tx.Positions))
		for _, p := range tx.Positions {
			a, err := parseAddress("position", p)
			if err != nil {
				return nil, err
			}
			addrs = append(addrs, a)
		}
		return managerABI.Pack("claimFees", addrs)

	default:
		return nil, fmt.Errorf("unsupported transaction kind %q", tx.Kind)
	}
}

func amountArgs(tx domain.TxDescriptor, dec Decimals) (*big.Int, uint8, uint8, error) {
	amount, err := ToBaseUnits(tx.Amount, dec.of(tx.Side))
	if err != nil {
		return nil, 0, 0, err
	}
	side, err := sideCode(tx.Side)
	if err != nil {
		return nil, 0, 0, err
	}
	mode, err := modeCode(tx.Mode)
	if err != nil {
		return nil, 0, 0, err
	}
	return amount, side, mode, nil
}

// CreatedPosition finds the PositionCreated event in a receipt's logs and
// returns the new position's address.
func CreatedPosition(logs []*types.Log, manager common.Address) (string, bool) {
	id := managerABI.Events["PositionCreated"].ID
	for _, l := range logs {
		if l == nil || l.Address != manager || len(l.Topics) < 2 || l.Topics[0] != id {
			continue
		}
		return common.BytesToAddress(l.Topics[1].Bytes()).Hex(), true
	}
	return "", false
}

// UnpackPosition decodes a getPosition return value. A position the manager
// does not know about decodes as NotFound.
func UnpackPosition(address string, data []byte, dec Decimals) (domain.AccountResult, error) {
	vals, err := managerABI.Unpack("getPosition", data)
	if err != nil {
		return domain.AccountResult{}, fmt.Errorf("unpack getPosition: %w", err)
	}
	if len(vals) != 8 {
		return domain.AccountResult{}, fmt.Errorf("unpack getPosition: got %d values", len(vals))
	}

	exists, ok := vals[0].(bool)
	if !ok {
		return domain.AccountResult{}, fmt.Errorf("unpack getPosition: exists is %T", vals[0])
	}
	if !exists {
		return domain.NotFound(), nil
	}

	pool, ok1 := vals[1].(common.Address)
	owner, ok2 := vals[2].(common.Address)
	lower, ok3 := vals[3].(int64)
	upper, ok4 := vals[4].(int64)
	liq, ok5 := vals[5].(*big.Int)
	feeX, ok6 := vals[6].(*big.Int)
	feeY, ok7 := vals[7].(*big.Int)
	if !(ok1 && ok2 && ok3 && ok4 && ok5 && ok6 && ok7) {
		return domain.AccountResult{}, fmt.Errorf("unpack getPosition: unexpected field types")
	}

	return domain.Found(domain.OnChainInfo{
		Address:     address,
		PoolAddress: pool.Hex(),
		Owner:       owner.Hex(),
		LowerBinID:  lower,
		UpperBinID:  upper,
		Liquidity:   decimal.NewFromBigInt(liq, 0),
		FeeX:        FromBaseUnits(feeX, dec.X),
		FeeY:        FromBaseUnits(feeY, dec.Y),
	}), nil
}

// UnpackActiveID decodes a getActiveId return value.
func UnpackActiveID(data []byte) (int64, error) {
	vals, err := poolABI.Unpack("getActiveId", data)
	if err != nil {
		return 0, fmt.Errorf("unpack getActiveId: %w", err)
	}
	if len(vals) != 1 {
		return 0, fmt.Errorf("unpack getActiveId: got %d values", len(vals))
	}
	id, ok := abi.ConvertType(vals[0], new(big.Int)).(*big.Int)
	if !ok || !id.IsInt64() {
		return 0, fmt.Errorf("unpack getActiveId: bad value %v", vals[0])
	}
	return id.Int64(), nil
}
