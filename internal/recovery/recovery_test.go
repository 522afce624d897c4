package recovery_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/lpkeeper/internal/clock"
	"github.com/alanyoungcy/lpkeeper/internal/domain"
	"github.com/alanyoungcy/lpkeeper/internal/recovery"
	"github.com/alanyoungcy/lpkeeper/internal/retry"
)

type mockChain struct {
	mu      sync.Mutex
	submits []domain.TxDescriptor
	submit  func(tx domain.TxDescriptor) (domain.TxResult, error)
}

func (m *mockChain) SubmitTransaction(_ context.Context, tx domain.TxDescriptor, _ []domain.Signer) (domain.TxResult, error) {
	m.mu.Lock()
	m.submits = append(m.submits, tx)
	m.mu.Unlock()
	if m.submit != nil {
		return m.submit(tx)
	}
	return domain.TxResult{Success: true, Signature: "sig-" + tx.Position}, nil
}

func (m *mockChain) ReadAccount(context.Context, string) domain.AccountResult { return domain.NotFound() }

func (m *mockChain) GetActiveIndex(context.Context, string) (int64, error) { return 0, nil }

type mockStore struct {
	removed   []string
	removeErr error
}

func (m *mockStore) AddToCache(context.Context, domain.PositionState) error { return nil }

func (m *mockStore) RemoveState(_ context.Context, addr string) error {
	if m.removeErr != nil {
		return m.removeErr
	}
	m.removed = append(m.removed, addr)
	return nil
}

func (m *mockStore) GetBatchOnChainInfo(context.Context, []string) []domain.BatchInfo { return nil }

func (m *mockStore) Tracked(string) []domain.PositionState { return nil }

type mockSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (m *mockSink) Emit(_ context.Context, ev domain.Event) {
	m.mu.Lock()
	m.events = append(m.events, ev)
	m.mu.Unlock()
}

func twoLegPlan() *domain.MultiLegPlan {
	return &domain.MultiLegPlan{
		PoolAddress:  "pool-1",
		ReferenceBin: 1000,
		Layout:       domain.LayoutChain,
		Legs: []domain.PositionLeg{
			{Index: 0, PoolAddress: "pool-1", LowerBinID: 932, UpperBinID: 1000, AllocatedAmount: decimal.NewFromInt(50), Status: domain.LegStatusPending},
			{Index: 1, PoolAddress: "pool-1", LowerBinID: 863, UpperBinID: 931, AllocatedAmount: decimal.NewFromInt(50), Status: domain.LegStatusPending},
		},
		RequireContiguous: true,
	}
}

func newReconciler(chain *mockChain, store *mockStore, sink *mockSink) *recovery.Reconciler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	engine := retry.NewEngine(clk, logger)
	return recovery.NewReconciler(chain, store, engine, nil, logger,
		recovery.WithEventSink(sink),
		recovery.WithClock(clk),
	)
}

func TestReconcile_AllSucceeded(t *testing.T) {
	chain, store, sink := &mockChain{}, &mockStore{}, &mockSink{}
	plan := twoLegPlan()

	err := newReconciler(chain, store, sink).Reconcile(context.Background(), plan, []domain.LegOutcome{
		{Index: 0, Success: true, Address: "pos-a"},
		{Index: 1, Success: true, Address: "pos-b"},
	})
	require.NoError(t, err)
	assert.Empty(t, chain.submits)
	assert.Equal(t, domain.LegStatusCreated, plan.Legs[0].Status)
	assert.Equal(t, "pos-b", plan.Legs[1].Address)
}

func TestReconcile_MixedClosesAndPurgesSucceededLeg(t *testing.T) {
	chain, store, sink := &mockChain{}, &mockStore{}, &mockSink{}
	plan := twoLegPlan()
	legErr := errors.New("exceeded bin slippage tolerance")

	err := newReconciler(chain, store, sink).Reconcile(context.Background(), plan, []domain.LegOutcome{
		{Index: 0, Success: true, Address: "pos-a"},
		{Index: 1, Success: false, Err: legErr},
	})

	var pf *domain.PartialFailureError
	require.ErrorAs(t, err, &pf)
	assert.Contains(t, err.Error(), "partial failure, already recovered")
	assert.Equal(t, []string{"pos-a"}, pf.Closed)
	assert.ErrorIs(t, err, legErr)
	assert.False(t, domain.IsFatal(err))

	require.Len(t, chain.submits, 1)
	assert.Equal(t, domain.TxClosePosition, chain.submits[0].Kind)
	assert.Equal(t, "pos-a", chain.submits[0].Position)
	assert.Equal(t, []string{"pos-a"}, store.removed)

	require.Len(t, sink.events, 1)
	assert.Equal(t, domain.EventLegClosed, sink.events[0].Kind)
	assert.Equal(t, "sig-pos-a", sink.events[0].TxReference)

	assert.Equal(t, domain.LegStatusClosed, plan.Legs[0].Status)
	assert.Equal(t, domain.LegStatusFailed, plan.Legs[1].Status)
}

func TestReconcile_AllFailedMakesNoCloseCalls(t *testing.T) {
	chain, store, sink := &mockChain{}, &mockStore{}, &mockSink{}

	err := newReconciler(chain, store, sink).Reconcile(context.Background(), twoLegPlan(), []domain.LegOutcome{
		{Index: 1, Success: false, Err: errors.New("rpc timeout")},
		{Index: 0, Success: false, Err: errors.New("blockhash not found")},
	})

	var lf *domain.LegsFailedError
	require.ErrorAs(t, err, &lf)
	require.Len(t, lf.Failures, 2)
	assert.Equal(t, 0, lf.Failures[0].Index)
	assert.Contains(t, err.Error(), "rpc timeout")
	assert.Contains(t, err.Error(), "blockhash not found")
	assert.Empty(t, chain.submits)
	assert.Empty(t, store.removed)
	assert.Empty(t, sink.events)
}

func TestReconcile_CloseFailureIsFatal(t *testing.T) {
	chain := &mockChain{submit: func(domain.TxDescriptor) (domain.TxResult, error) {
		return domain.TxResult{}, errors.New("account is frozen")
	}}
	store, sink := &mockStore{}, &mockSink{}

	err := newReconciler(chain, store, sink).Reconcile(context.Background(), twoLegPlan(), []domain.LegOutcome{
		{Index: 0, Success: true, Address: "pos-a"},
		{Index: 1, Success: false, Err: errors.New("slippage")},
	})

	var re *domain.RecoveryError
	require.ErrorAs(t, err, &re)
	assert.True(t, domain.IsFatal(err))
	assert.Equal(t, "pos-a", re.Failed)
	assert.Equal(t, []string{"pos-a"}, re.Attempted)
	assert.Empty(t, re.Closed)
	assert.Empty(t, store.removed)
}

func TestReconcile_CloseRetriedOnTransientError(t *testing.T) {
	calls := 0
	chain := &mockChain{submit: func(tx domain.TxDescriptor) (domain.TxResult, error) {
		calls++
		if calls == 1 {
			return domain.TxResult{}, domain.ErrTransient
		}
		return domain.TxResult{Success: true, Signature: "sig"}, nil
	}}
	store, sink := &mockStore{}, &mockSink{}

	err := newReconciler(chain, store, sink).Reconcile(context.Background(), twoLegPlan(), []domain.LegOutcome{
		{Index: 0, Success: false, Err: errors.New("slippage")},
		{Index: 1, Success: true, Address: "pos-b"},
	})

	var pf *domain.PartialFailureError
	require.ErrorAs(t, err, &pf)
	assert.Equal(t, 2, calls)
	assert.Equal(t, []string{"pos-b"}, store.removed)
}

func TestReconcile_PurgeFailureIsFatal(t *testing.T) {
	chain, sink := &mockChain{}, &mockSink{}
	store := &mockStore{removeErr: errors.New("disk full")}

	err := newReconciler(chain, store, sink).Reconcile(context.Background(), twoLegPlan(), []domain.LegOutcome{
		{Index: 0, Success: true, Address: "pos-a"},
		{Index: 1, Success: false, Err: errors.New("slippage")},
	})

	var re *domain.RecoveryError
	require.ErrorAs(t, err, &re)
	assert.Contains(t, err.Error(), "purge pos-a")
	assert.Empty(t, sink.events)
}

func TestReconcile_LandedUntrackedLegIsFatal(t *testing.T) {
	chain, store, sink := &mockChain{}, &mockStore{}, &mockSink{}
	plan := twoLegPlan()

	err := newReconciler(chain, store, sink).Reconcile(context.Background(), plan, []domain.LegOutcome{
		{Index: 0, Success: false, Err: errors.New("rpc timeout")},
		{Index: 1, Success: false, Signature: "0xlanded", Err: &domain.UntrackedTxError{Signature: "0xlanded", Reason: "no address"}},
	})

	var re *domain.RecoveryError
	require.ErrorAs(t, err, &re)
	assert.True(t, domain.IsFatal(err))
	assert.Equal(t, []string{"0xlanded"}, re.Untracked)
	assert.Contains(t, err.Error(), "0xlanded")

	var lf *domain.LegsFailedError
	assert.False(t, errors.As(err, &lf))
	assert.Empty(t, chain.submits)
}

func TestReconcile_ClosesTrackedLegsBeforeReportingUntracked(t *testing.T) {
	chain, store, sink := &mockChain{}, &mockStore{}, &mockSink{}
	plan := twoLegPlan()

	err := newReconciler(chain, store, sink).Reconcile(context.Background(), plan, []domain.LegOutcome{
		{Index: 0, Success: true, Address: "pos-a"},
		{Index: 1, Success: false, Signature: "0xlanded", Err: &domain.UntrackedTxError{Signature: "0xlanded", Reason: "no address"}},
	})

	var re *domain.RecoveryError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, []string{"pos-a"}, re.Closed)
	assert.Equal(t, []string{"0xlanded"}, re.Untracked)
	assert.Equal(t, []string{"pos-a"}, store.removed)
	assert.Equal(t, domain.LegStatusClosed, plan.Legs[0].Status)
}
