package extraction_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/lpkeeper/internal/clock"
	"github.com/alanyoungcy/lpkeeper/internal/domain"
	"github.com/alanyoungcy/lpkeeper/internal/extraction"
	"github.com/alanyoungcy/lpkeeper/internal/store/memory"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func newClock() *clock.Manual {
	return clock.NewManual(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
}

func persisted(t *testing.T, store *memory.Store, key string) extraction.State {
	t.Helper()
	data, err := store.Load(context.Background(), extraction.StateKeyPrefix+key)
	require.NoError(t, err)
	var s extraction.State
	require.NoError(t, json.Unmarshal(data, &s))
	return s
}

type mockTxStatus struct {
	landed bool
	err    error
	asked  []string
}

func (m *mockTxStatus) TransactionLanded(_ context.Context, ref string) (bool, error) {
	m.asked = append(m.asked, ref)
	return m.landed, m.err
}

func TestStateMachine_BeginFinish(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	sm := extraction.NewStateMachine("pool-1", store, newClock(), time.Hour, discard)

	ticket, err := sm.Begin(ctx)
	require.NoError(t, err)
	assert.True(t, sm.Extracting())
	assert.Equal(t, extraction.StatusExtracting, persisted(t, store, "pool-1").Status)

	_, err = sm.Begin(ctx)
	require.ErrorIs(t, err, domain.ErrExtractionInProgress)

	require.NoError(t, sm.Finish(ctx, ticket, "tx-1", nil))
	snap := sm.Snapshot()
	assert.Equal(t, extraction.StatusIdle, snap.Status)
	assert.Equal(t, "tx-1", snap.LastTxReference)
	require.NotNil(t, snap.LastExtractionAt)

	saved := persisted(t, store, "pool-1")
	assert.Equal(t, extraction.StatusIdle, saved.Status)
	assert.Equal(t, "tx-1", saved.LastTxReference)

	require.ErrorIs(t, sm.Finish(ctx, ticket, "tx-1", nil), extraction.ErrStaleTicket)
}

func TestStateMachine_FailedFinishKeepsLastExtraction(t *testing.T) {
	ctx := context.Background()
	sm := extraction.NewStateMachine("pool-1", memory.New(), newClock(), time.Hour, discard)

	ticket, err := sm.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, sm.Finish(ctx, ticket, "", errors.New("claim failed")))

	snap := sm.Snapshot()
	assert.Equal(t, extraction.StatusIdle, snap.Status)
	assert.Nil(t, snap.LastExtractionAt)
	assert.Empty(t, snap.LastTxReference)
}

func TestStateMachine_ReleaseIfOrphaned(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	store := memory.New()
	sm := extraction.NewStateMachine("pool-1", store, clk, 10*time.Minute, discard)

	ticket, err := sm.Begin(ctx)
	require.NoError(t, err)

	clk.Advance(9 * time.Minute)
	assert.False(t, sm.ReleaseIfOrphaned(ctx))
	assert.True(t, sm.Extracting())

	clk.Advance(time.Minute)
	assert.True(t, sm.ReleaseIfOrphaned(ctx))
	assert.False(t, sm.Extracting())
	assert.Equal(t, extraction.StatusIdle, persisted(t, store, "pool-1").Status)

	require.ErrorIs(t, sm.Finish(ctx, ticket, "late", nil), extraction.ErrStaleTicket)
}

func TestStateMachine_ReconcileAfterCrash(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	crashed := extraction.NewStateMachine("pool-1", store, newClock(), time.Hour, discard)
	ticket, err := crashed.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, crashed.Submitted(ctx, ticket, extraction.Claim{TxReference: "tx-9"}))

	status := &mockTxStatus{landed: true}
	restarted := extraction.NewStateMachine("pool-1", store, newClock(), time.Hour, discard)
	report, err := restarted.Reconcile(ctx, status)
	require.NoError(t, err)

	assert.True(t, report.WasExtracting)
	assert.Equal(t, ticket.ID, report.Owner)
	assert.Equal(t, "tx-9", report.TxReference)
	assert.True(t, report.Verified)
	assert.True(t, report.Landed)
	assert.Equal(t, []string{"tx-9"}, status.asked)

	snap := restarted.Snapshot()
	assert.Equal(t, extraction.StatusIdle, snap.Status)
	assert.Equal(t, "tx-9", snap.LastTxReference)
	assert.Equal(t, extraction.StatusIdle, persisted(t, store, "pool-1").Status)

	_, err = restarted.Begin(ctx)
	require.NoError(t, err)
}

func TestStateMachine_ReconcileWithoutTxReference(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	crashed := extraction.NewStateMachine("pool-1", store, newClock(), time.Hour, discard)
	_, err := crashed.Begin(ctx)
	require.NoError(t, err)

	status := &mockTxStatus{}
	restarted := extraction.NewStateMachine("pool-1", store, newClock(), time.Hour, discard)
	report, err := restarted.Reconcile(ctx, status)
	require.NoError(t, err)
	assert.True(t, report.WasExtracting)
	assert.False(t, report.Verified)
	assert.Empty(t, status.asked)
	assert.False(t, restarted.Extracting())
}

func TestStateMachine_ReconcileFreshStart(t *testing.T) {
	sm := extraction.NewStateMachine("pool-1", memory.New(), newClock(), time.Hour, discard)
	report, err := sm.Reconcile(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, report.WasExtracting)
	assert.Equal(t, extraction.StatusIdle, sm.Snapshot().Status)
}

func TestStateMachine_ReconcileKeepsUnverifiedClaim(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	crashed := extraction.NewStateMachine("pool-1", store, newClock(), time.Hour, discard)
	ticket, err := crashed.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, crashed.Submitted(ctx, ticket, extraction.Claim{TxReference: "tx-9"}))

	restarted := extraction.NewStateMachine("pool-1", store, newClock(), time.Hour, discard)
	report, err := restarted.Reconcile(ctx, &mockTxStatus{err: errors.New("rpc down")})
	require.NoError(t, err)
	assert.True(t, report.Unresolved)
	assert.False(t, report.Verified)
	assert.Error(t, report.VerifyErr)

	assert.True(t, restarted.Extracting())
	saved := persisted(t, store, "pool-1")
	assert.Equal(t, extraction.StatusExtracting, saved.Status)
	assert.Equal(t, "tx-9", saved.InFlightTx)

	_, err = restarted.Begin(ctx)
	require.ErrorIs(t, err, domain.ErrExtractionInProgress)
}

func TestStateMachine_ReconcileWithoutStatusReaderWaitsForStaleWindow(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	crashed := extraction.NewStateMachine("pool-1", store, newClock(), time.Hour, discard)
	ticket, err := crashed.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, crashed.Submitted(ctx, ticket, extraction.Claim{TxReference: "tx-9"}))

	clk := newClock()
	restarted := extraction.NewStateMachine("pool-1", store, clk, time.Hour, discard)
	report, err := restarted.Reconcile(ctx, nil)
	require.NoError(t, err)
	assert.True(t, report.Unresolved)
	assert.True(t, restarted.Extracting())

	clk.Advance(time.Hour)
	report, err = restarted.Reconcile(ctx, nil)
	require.NoError(t, err)
	assert.False(t, report.Unresolved)
	assert.False(t, report.Landed)
	assert.False(t, restarted.Extracting())
	assert.Empty(t, persisted(t, store, "pool-1").InFlightTx)
}

func TestStateMachine_SettleFailureKeepsClaimInFlight(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	sm := extraction.NewStateMachine("pool-1", store, newClock(), time.Hour, discard)
	ticket, err := sm.Begin(ctx)
	require.NoError(t, err)
	claim := extraction.Claim{TxReference: "tx-9", Positions: []string{"pos-a"}}
	require.NoError(t, sm.Park(ctx, ticket, claim))
	assert.True(t, sm.Parked())

	status := &mockTxStatus{landed: true}
	_, err = sm.ReconcileWith(ctx, status, func(context.Context, extraction.Claim) error {
		return errors.New("ledger unavailable")
	})
	require.Error(t, err)
	assert.True(t, sm.Extracting())
	assert.Equal(t, "tx-9", persisted(t, store, "pool-1").InFlightTx)

	var settled []extraction.Claim
	report, err := sm.ReconcileWith(ctx, status, func(_ context.Context, c extraction.Claim) error {
		settled = append(settled, c)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, report.Landed)
	require.Len(t, settled, 1)
	assert.Equal(t, []string{"pos-a"}, settled[0].Positions)
	assert.False(t, sm.Extracting())
	assert.Equal(t, "tx-9", sm.Snapshot().LastTxReference)
}
