// Package evm is the keeper's ChainClient for EVM chains: a position manager
// contract that creates, tops up, closes and claims fees from bin-range
// positions of a liquidity-book style pool.
package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/alanyoungcy/lpkeeper/internal/domain"
)

const (
	defaultGasLimit       = uint64(600_000)
	defaultReceiptTimeout = 90 * time.Second
	defaultReceiptPoll    = 2 * time.Second
	nativeDecimals        = 18
)

// Backend is the subset of *ethclient.Client the keeper calls.
type Backend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// TxSigner is a domain.Signer that can sign EVM transactions.
type TxSigner interface {
	domain.Signer
	SignTx(tx *types.Transaction) (*types.Transaction, error)
}

// Config configures a Client.
type Config struct {
	RPCURL            string
	PositionManager   string
	Decimals          Decimals
	GasLimit          uint64 // fallback when estimation fails
	RequestsPerSecond float64
	Burst             int
	ReceiptTimeout    time.Duration
	ReceiptPoll       time.Duration
}

// UnconfirmedError is returned when a transaction was broadcast but its
// receipt never showed up. Its outcome is unknown, so it is never retried.
type UnconfirmedError struct {
	TxHash string
	Err    error
}

func (e *UnconfirmedError) Error() string {
	return fmt.Sprintf("evm: transaction %s unconfirmed: %v", e.TxHash, e.Err)
}

func (e *UnconfirmedError) Unwrap() error { return e.Err }

func (e *UnconfirmedError) Fatal() bool { return true }

// TxRef returns the broadcast transaction hash.
func (e *UnconfirmedError) TxRef() string { return e.TxHash }

// Client implements domain.ChainClient and domain.TxStatusReader.
type Client struct {
	backend  Backend
	closer   func()
	manager  common.Address
	dec      Decimals
	gasLimit uint64
	limiter  *rate.Limiter
	timeout  time.Duration
	poll     time.Duration
	logger   *slog.Logger

	// sendMu serialises nonce allocation and broadcast so concurrent legs
	// from one signer never share a nonce.
	sendMu sync.Mutex
}

var (
	_ domain.ChainClient    = (*Client)(nil)
	_ domain.TxStatusReader = (*Client)(nil)
)

// Dial connects to cfg.RPCURL.
func Dial(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	ec, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("evm: dial rpc: %w", err)
	}
	c, err := NewWithBackend(ec, cfg, logger)
	if err != nil {
		ec.Close()
		return nil, err
	}
	c.closer = ec.Close
	return c, nil
}

// NewWithBackend builds a Client on an existing backend.
func NewWithBackend(backend Backend, cfg Config, logger *slog.Logger) (*Client, error) {
	manager, err := parseAddress("position manager", cfg.PositionManager)
	if err != nil {
		return nil, fmt.Errorf("evm: %w", err)
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	c := &Client{
		backend:  backend,
		manager:  manager,
		dec:      cfg.Decimals,
		gasLimit: cfg.GasLimit,
		limiter:  rate.NewLimiter(limit, burst),
		timeout:  cfg.ReceiptTimeout,
		poll:     cfg.ReceiptPoll,
		logger:   logger.With(slog.String("component", "evm")),
	}
	if c.gasLimit == 0 {
		c.gasLimit = defaultGasLimit
	}
	if c.timeout <= 0 {
		c.timeout = defaultReceiptTimeout
	}
	if c.poll <= 0 {
		c.poll = defaultReceiptPoll
	}
	return c, nil
}

// Close releases the RPC connection when the client owns it.
func (c *Client) Close() {
	if c.closer != nil {
		c.closer()
	}
}

func (c *Client) wait(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("evm: rate limiter: %w", err)
	}
	return nil
}

// transient tags RPC failures so the retry policies pick them up.
func transient(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("evm: %s: %w", op, err)
	}
	return fmt.Errorf("evm: %s: %w: %w", op, domain.ErrTransient, err)
}

// SubmitTransaction signs tx with the first signer, broadcasts it and waits
// for the receipt. A reverted transaction is reported through the result, not
// the error.
func (c *Client) SubmitTransaction(ctx context.Context, tx domain.TxDescriptor, signers []domain.Signer) (domain.TxResult, error) {
	signer, err := firstTxSigner(signers)
	if err != nil {
		return domain.TxResult{}, err
	}
	data, err := PackCall(tx, c.dec)
	if err != nil {
		return domain.TxResult{}, err
	}
	from := common.HexToAddress(signer.Address())

	signed, gasPrice, err := c.send(ctx, from, signer, data)
	if err != nil {
		return domain.TxResult{}, err
	}
	hash := signed.Hash()
	c.logger.Info("transaction sent",
		slog.String("kind", string(tx.Kind)),
		slog.String("tx", hash.Hex()),
		slog.Uint64("nonce", signed.Nonce()),
	)

	receipt, err := c.waitReceipt(ctx, hash)
	if err != nil {
		return domain.TxResult{Signature: hash.Hex()}, &UnconfirmedError{TxHash: hash.Hex(), Err: err}
	}

	res := domain.TxResult{
		Signature: hash.Hex(),
		GasUsed:   receipt.GasUsed,
		FeePaid:   feePaid(receipt, gasPrice),
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		res.Error = "transaction reverted on-chain"
		c.logger.Warn("transaction reverted", slog.String("kind", string(tx.Kind)), slog.String("tx", hash.Hex()))
		return res, nil
	}
	res.Success = true

	if tx.Kind == domain.TxCreatePosition {
		addr, ok := CreatedPosition(receipt.Logs, c.manager)
		if !ok {
			res.Error = "PositionCreated event missing from receipt"
		}
		res.CreatedAddress = addr
	}
	return res, nil
}

func firstTxSigner(signers []domain.Signer) (TxSigner, error) {
	if len(signers) == 0 {
		return nil, domain.Fatal(errors.New("evm: no signer supplied"))
	}
	s, ok := signers[0].(TxSigner)
	if !ok {
		return nil, domain.Fatal(fmt.Errorf("evm: signer %T cannot sign EVM transactions", signers[0]))
	}
	return s, nil
}

func (c *Client) send(ctx context.Context, from common.Address, signer TxSigner, data []byte) (*types.Transaction, *big.Int, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if err := c.wait(ctx); err != nil {
		return nil, nil, err
	}
	nonce, err := c.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, nil, transient("nonce", err)
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, nil, transient("gas price", err)
	}

	to := c.manager
	gas, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, GasPrice: gasPrice, Data: data})
	if err != nil {
		c.logger.Warn("gas estimate failed, using default", slog.String("err", err.Error()), slog.Uint64("limit", c.gasLimit))
		gas = c.gasLimit
	} else {
		gas = gas * 12 / 10
	}

	unsigned := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    big.NewInt(0),
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := signer.SignTx(unsigned)
	if err != nil {
		return nil, nil, domain.Fatal(fmt.Errorf("evm: sign: %w", err))
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return nil, nil, transient("send", err)
	}
	return signed, gasPrice, nil
}

func (c *Client) waitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	for {
		if err := c.wait(ctx); err != nil {
			return nil, err
		}
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			c.logger.Debug("receipt poll failed", slog.String("tx", hash.Hex()), slog.String("err", err.Error()))
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func feePaid(r *types.Receipt, fallback *big.Int) decimal.Decimal {
	price := r.EffectiveGasPrice
	if price == nil {
		price = fallback
	}
	if price == nil {
		return decimal.Zero
	}
	wei := new(big.Int).Mul(new(big.Int).SetUint64(r.GasUsed), price)
	return FromBaseUnits(wei, nativeDecimals)
}

// ReadAccount reads one position from the manager contract.
func (c *Client) ReadAccount(ctx context.Context, address string) domain.AccountResult {
	pos, err := parseAddress("position", address)
	if err != nil {
		return domain.AccountErr(domain.Fatal(fmt.Errorf("evm: read %s: %w", address, err)))
	}
	data, err := managerABI.Pack("getPosition", pos)
	if err != nil {
		return domain.AccountErr(fmt.Errorf("evm: pack getPosition: %w", err))
	}
	out, err := c.call(ctx, c.manager, data)
	if err != nil {
		return domain.AccountErr(transient("read "+address, err))
	}
	res, err := UnpackPosition(pos.Hex(), out, c.dec)
	if err != nil {
		return domain.AccountErr(fmt.Errorf("evm: read %s: %w", address, err))
	}
	if res.Kind == domain.AccountFound {
		res.Info.ReadAt = time.Now().UTC()
	}
	return res
}

// GetActiveIndex returns the pool's active bin.
func (c *Client) GetActiveIndex(ctx context.Context, pool string) (int64, error) {
	addr, err := parseAddress("pool", pool)
	if err != nil {
		return 0, domain.Fatal(fmt.Errorf("evm: active bin: %w: %w", domain.ErrInvalidParams, err))
	}
	data, err := poolABI.Pack("getActiveId")
	if err != nil {
		return 0, fmt.Errorf("evm: pack getActiveId: %w", err)
	}
	out, err := c.call(ctx, addr, data)
	if err != nil {
		return 0, transient("active bin", err)
	}
	id, err := UnpackActiveID(out)
	if err != nil {
		return 0, fmt.Errorf("evm: active bin: %w", err)
	}
	return id, nil
}

func (c *Client) call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	return c.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
}

// TransactionLanded reports whether txRef was mined successfully. An unknown
// hash is not an error.
func (c *Client) TransactionLanded(ctx context.Context, txRef string) (bool, error) {
	if err := c.wait(ctx); err != nil {
		return false, err
	}
	receipt, err := c.backend.TransactionReceipt(ctx, common.HexToHash(txRef))
	if errors.Is(err, ethereum.NotFound) {
		return false, nil
	}
	if err != nil {
		return false, transient("receipt "+txRef, err)
	}
	return receipt.Status == types.ReceiptStatusSuccessful, nil
}
