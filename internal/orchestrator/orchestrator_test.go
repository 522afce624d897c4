package orchestrator_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/lpkeeper/internal/cache"
	"github.com/alanyoungcy/lpkeeper/internal/clock"
	"github.com/alanyoungcy/lpkeeper/internal/domain"
	"github.com/alanyoungcy/lpkeeper/internal/orchestrator"
	"github.com/alanyoungcy/lpkeeper/internal/recovery"
	"github.com/alanyoungcy/lpkeeper/internal/retry"
)

type mockChain struct {
	mu          sync.Mutex
	activeBin   int64
	activeReads int
	submits     []domain.TxDescriptor
	submit      func(tx domain.TxDescriptor, activeReads int) (domain.TxResult, error)
}

func (m *mockChain) SubmitTransaction(_ context.Context, tx domain.TxDescriptor, _ []domain.Signer) (domain.TxResult, error) {
	m.mu.Lock()
	m.submits = append(m.submits, tx)
	reads := m.activeReads
	m.mu.Unlock()
	return m.submit(tx, reads)
}

func (m *mockChain) ReadAccount(context.Context, string) domain.AccountResult { return domain.NotFound() }

func (m *mockChain) GetActiveIndex(context.Context, string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeReads++
	return m.activeBin, nil
}

func (m *mockChain) submitted(kind domain.TxKind) []domain.TxDescriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.TxDescriptor
	for _, tx := range m.submits {
		if tx.Kind == kind {
			out = append(out, tx)
		}
	}
	return out
}

type mockStore struct {
	mu      sync.Mutex
	states  map[string]domain.PositionState
	removed []string
}

func newMockStore() *mockStore {
	return &mockStore{states: make(map[string]domain.PositionState)}
}

func (m *mockStore) AddToCache(_ context.Context, st domain.PositionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[st.Address] = st
	return nil
}

func (m *mockStore) RemoveState(_ context.Context, addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, addr)
	m.removed = append(m.removed, addr)
	return nil
}

func (m *mockStore) GetBatchOnChainInfo(context.Context, []string) []domain.BatchInfo { return nil }

func (m *mockStore) Tracked(pool string) []domain.PositionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.PositionState
	for _, st := range m.states {
		if st.PoolAddress == pool {
			out = append(out, st)
		}
	}
	return out
}

type mockSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (m *mockSink) Emit(_ context.Context, ev domain.Event) {
	m.mu.Lock()
	m.events = append(m.events, ev)
	m.mu.Unlock()
}

func (m *mockSink) count(kind domain.EventKind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ev := range m.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

type harness struct {
	chain *mockChain
	store *mockStore
	sink  *mockSink
	clk   *clock.Manual
	orch  *orchestrator.Orchestrator
}

func newHarness(submit func(tx domain.TxDescriptor, activeReads int) (domain.TxResult, error)) *harness {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	engine := retry.NewEngine(clk, logger)
	h := &harness{
		chain: &mockChain{activeBin: 1000, submit: submit},
		store: newMockStore(),
		sink:  &mockSink{},
		clk:   clk,
	}
	rec := recovery.NewReconciler(h.chain, h.store, engine, nil, logger,
		recovery.WithEventSink(h.sink), recovery.WithClock(clk))
	h.orch = orchestrator.New(h.chain, h.store, rec, cache.New[int64](clk), engine, nil, logger,
		orchestrator.WithEventSink(h.sink), orchestrator.WithClock(clk))
	return h
}

func (h *harness) sleepsOf(d time.Duration) int {
	n := 0
	for _, s := range h.clk.Sleeps() {
		if s == d {
			n++
		}
	}
	return n
}

func referenceParams() orchestrator.Params {
	return orchestrator.Params{
		Pool:         "pool-1",
		Layout:       domain.LayoutChain,
		LegWidth:     69,
		Capital:      decimal.NewFromInt(100),
		CurveAugment: true,
	}
}

func okCreate(tx domain.TxDescriptor, reads int) (domain.TxResult, error) {
	switch tx.Kind {
	case domain.TxCreatePosition:
		return domain.TxResult{
			Success:        true,
			Signature:      fmt.Sprintf("sig-%d-%d", reads, tx.LowerBin),
			GasUsed:        100,
			CreatedAddress: fmt.Sprintf("pos-%d-%d", reads, tx.LowerBin),
		}, nil
	default:
		return domain.TxResult{Success: true, Signature: "sig-" + string(tx.Kind) + "-" + tx.Position, GasUsed: 10}, nil
	}
}

func TestCreateMultiLegPosition_BothLegsFailRetryably(t *testing.T) {
	h := newHarness(func(tx domain.TxDescriptor, _ int) (domain.TxResult, error) {
		if tx.LowerBin == 932 {
			return domain.TxResult{}, errors.New("rpc timeout")
		}
		return domain.TxResult{}, errors.New("503 service unavailable")
	})

	res, err := h.orch.CreateMultiLegPosition(context.Background(), referenceParams())
	require.Nil(t, res)

	var ce *orchestrator.CreateError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 3, ce.Attempts)
	assert.False(t, ce.RecoveryOccurred)
	assert.Contains(t, err.Error(), "leg 0 [932,1000]")
	assert.Contains(t, err.Error(), "rpc timeout")
	assert.Contains(t, err.Error(), "leg 1 [863,931]")
	assert.Contains(t, err.Error(), "503 service unavailable")

	var lf *domain.LegsFailedError
	require.ErrorAs(t, err, &lf)
	assert.Len(t, lf.Failures, 2)

	assert.Empty(t, h.chain.submitted(domain.TxClosePosition))
	assert.Empty(t, h.chain.submitted(domain.TxAddLiquidity))
	assert.Equal(t, 2, h.sleepsOf(15*time.Second))
	assert.Equal(t, 3, h.chain.activeReads)

	creates := h.chain.submitted(domain.TxCreatePosition)
	amounts := map[int64]string{}
	for _, tx := range creates {
		amounts[tx.LowerBin] = tx.Amount.String()
	}
	assert.Equal(t, map[int64]string{932: "20", 863: "60"}, amounts)
}

func TestCreateMultiLegPosition_Success(t *testing.T) {
	h := newHarness(okCreate)

	res, err := h.orch.CreateMultiLegPosition(context.Background(), referenceParams())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, []string{"pos-1-932", "pos-1-863"}, res.Addresses)
	assert.Equal(t, []string{"sig-1-932", "sig-1-863"}, res.Signatures)
	assert.Equal(t, uint64(210), res.TotalGas)

	require.Len(t, res.Augments, 1)
	aug := res.Augments[0]
	assert.True(t, aug.Success)
	assert.Equal(t, "pos-1-863", aug.Address)
	assert.Equal(t, domain.ModeCurve, aug.Mode)
	assert.True(t, aug.Amount.Equal(decimal.NewFromInt(20)))

	adds := h.chain.submitted(domain.TxAddLiquidity)
	require.Len(t, adds, 1)
	assert.Equal(t, "pos-1-863", adds[0].Position)

	assert.Len(t, h.store.Tracked("pool-1"), 2)
	assert.Equal(t, 2, h.sink.count(domain.EventLegCreated))
	assert.Empty(t, h.chain.submitted(domain.TxClosePosition))
}

func TestCreateMultiLegPosition_AugmentFailureIsNotFatal(t *testing.T) {
	h := newHarness(func(tx domain.TxDescriptor, reads int) (domain.TxResult, error) {
		if tx.Kind == domain.TxAddLiquidity {
			return domain.TxResult{Success: false, Error: "invalid bin array"}, nil
		}
		return okCreate(tx, reads)
	})

	res, err := h.orch.CreateMultiLegPosition(context.Background(), referenceParams())
	require.NoError(t, err)
	require.Len(t, res.Augments, 1)
	assert.False(t, res.Augments[0].Success)
	require.Error(t, res.Augments[0].Err)
	assert.Contains(t, res.Augments[0].Err.Error(), "invalid bin array")
	assert.Equal(t, uint64(200), res.TotalGas)
}

func TestCreateMultiLegPosition_RecoversPartialThenSucceeds(t *testing.T) {
	h := newHarness(func(tx domain.TxDescriptor, reads int) (domain.TxResult, error) {
		if tx.Kind == domain.TxCreatePosition && tx.LowerBin == 863 && reads == 1 {
			return domain.TxResult{}, errors.New("exceeded bin slippage tolerance")
		}
		return okCreate(tx, reads)
	})

	res, err := h.orch.CreateMultiLegPosition(context.Background(), referenceParams())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, []string{"pos-2-932", "pos-2-863"}, res.Addresses)

	closes := h.chain.submitted(domain.TxClosePosition)
	require.Len(t, closes, 1)
	assert.Equal(t, "pos-1-932", closes[0].Position)
	assert.Equal(t, []string{"pos-1-932"}, h.store.removed)
	assert.Equal(t, 1, h.sink.count(domain.EventLegClosed))
	assert.Equal(t, 1, h.sleepsOf(15*time.Second))
}

func TestCreateMultiLegPosition_RejectsInvalidParams(t *testing.T) {
	h := newHarness(okCreate)
	p := referenceParams()
	p.LegWidth = 0

	_, err := h.orch.CreateMultiLegPosition(context.Background(), p)

	var ce *orchestrator.CreateError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 1, ce.Attempts)
	assert.ErrorIs(t, err, domain.ErrInvalidParams)
	assert.Empty(t, h.chain.submits)
	assert.Empty(t, h.clk.Sleeps())
}

func TestCreateError_MentionsRecovery(t *testing.T) {
	err := &orchestrator.CreateError{Attempts: 3, RecoveryOccurred: true, Last: errors.New("boom")}
	assert.Contains(t, err.Error(), "already closed")
	assert.Contains(t, err.Error(), "boom")
}

func TestCreateMultiLegPosition_PartialFailureRecoveredOnEveryAttempt(t *testing.T) {
	h := newHarness(func(tx domain.TxDescriptor, reads int) (domain.TxResult, error) {
		if tx.Kind == domain.TxCreatePosition && tx.LowerBin == 863 {
			return domain.TxResult{}, errors.New("exceeded bin slippage tolerance")
		}
		return okCreate(tx, reads)
	})

	res, err := h.orch.CreateMultiLegPosition(context.Background(), referenceParams())
	require.Nil(t, res)

	var ce *orchestrator.CreateError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 3, ce.Attempts)
	assert.True(t, ce.RecoveryOccurred)
	assert.Contains(t, err.Error(), "partially created legs were already closed")

	var pf *domain.PartialFailureError
	require.ErrorAs(t, err, &pf)
	assert.Equal(t, []string{"pos-3-932"}, pf.Closed)

	closes := h.chain.submitted(domain.TxClosePosition)
	require.Len(t, closes, 3)
	for i, tx := range closes {
		assert.Equal(t, fmt.Sprintf("pos-%d-932", i+1), tx.Position)
	}
	assert.Equal(t, []string{"pos-1-932", "pos-2-932", "pos-3-932"}, h.store.removed)
	assert.Empty(t, h.store.Tracked("pool-1"))
	assert.Equal(t, 3, h.sink.count(domain.EventLegClosed))
	assert.Zero(t, h.sink.count(domain.EventLegCreated))
	assert.Equal(t, 2, h.sleepsOf(15*time.Second))
}

func TestCreateMultiLegPosition_LandedCreateWithoutAddressStops(t *testing.T) {
	h := newHarness(func(tx domain.TxDescriptor, reads int) (domain.TxResult, error) {
		if tx.Kind == domain.TxCreatePosition && tx.LowerBin == 863 {
			return domain.TxResult{Success: true, Signature: "sig-landed", GasUsed: 100}, nil
		}
		return okCreate(tx, reads)
	})

	res, err := h.orch.CreateMultiLegPosition(context.Background(), referenceParams())
	require.Nil(t, res)

	creates := 0
	for _, tx := range h.chain.submitted(domain.TxCreatePosition) {
		if tx.LowerBin == 863 {
			creates++
		}
	}
	assert.Equal(t, 1, creates, "a landed create must never be resubmitted")
	assert.Equal(t, 1, h.chain.activeReads)
	assert.Empty(t, h.clk.Sleeps())

	var ce *orchestrator.CreateError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 1, ce.Attempts)
	assert.True(t, domain.IsFatal(err))
	assert.Contains(t, err.Error(), "manual cleanup required")
	assert.NotContains(t, err.Error(), "already closed")
	assert.Contains(t, err.Error(), "sig-landed")

	var re *domain.RecoveryError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, []string{"sig-landed"}, re.Untracked)
	assert.Equal(t, []string{"pos-1-932"}, re.Closed)
	assert.Empty(t, re.Failed)

	var ut *domain.UntrackedTxError
	require.ErrorAs(t, err, &ut)
	assert.Equal(t, "sig-landed", ut.Signature)

	closes := h.chain.submitted(domain.TxClosePosition)
	require.Len(t, closes, 1)
	assert.Equal(t, "pos-1-932", closes[0].Position)
}

func TestCreateError_IncompleteRecoveryIsNotReportedAsClean(t *testing.T) {
	err := &orchestrator.CreateError{
		Attempts:         2,
		RecoveryOccurred: true,
		Last:             &domain.RecoveryError{Closed: []string{"a"}, Failed: "b", Err: errors.New("boom")},
	}
	assert.Contains(t, err.Error(), "recovery incomplete")
	assert.NotContains(t, err.Error(), "already closed")
}

func TestClosePositions_ClosesTrackedAndJoinsFailures(t *testing.T) {
	h := newHarness(func(tx domain.TxDescriptor, reads int) (domain.TxResult, error) {
		if tx.Kind == domain.TxClosePosition && tx.Position == "pos-bad" {
			return domain.TxResult{}, errors.New("not owner")
		}
		return okCreate(tx, reads)
	})
	ctx := context.Background()
	require.NoError(t, h.store.AddToCache(ctx, domain.PositionState{Address: "pos-good", PoolAddress: "pool-1"}))
	require.NoError(t, h.store.AddToCache(ctx, domain.PositionState{Address: "pos-bad", PoolAddress: "pool-1"}))

	res, err := h.orch.ClosePositions(ctx, "pool-1", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "close pos-bad")
	assert.Equal(t, []string{"pos-good"}, res.Closed)
	assert.Equal(t, []string{"pos-good"}, h.store.removed)
	assert.Equal(t, 1, h.sink.count(domain.EventLegClosed))
}

func TestClosePositions_NothingTracked(t *testing.T) {
	h := newHarness(okCreate)
	res, err := h.orch.ClosePositions(context.Background(), "pool-1", nil)
	require.NoError(t, err)
	assert.Empty(t, res.Closed)
	assert.Empty(t, h.chain.submits)
}
