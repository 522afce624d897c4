package positions_test

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

	"github.com/alanyoungcy/lpkeeper/internal/cache"
	"github.com/alanyoungcy/lpkeeper/internal/clock"
	"github.com/alanyoungcy/lpkeeper/internal/domain"
	"github.com/alanyoungcy/lpkeeper/internal/positions"
)

type mockChain struct {
	mu    sync.Mutex
	reads map[string]int
	fail  map[string]bool
}

func (m *mockChain) SubmitTransaction(context.Context, domain.TxDescriptor, []domain.Signer) (domain.TxResult, error) {
	return domain.TxResult{}, nil
}

func (m *mockChain) ReadAccount(_ context.Context, addr string) domain.AccountResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads[addr]++
	switch {
	case m.fail[addr]:
		return domain.AccountErr(errors.New("rpc timeout"))
	case addr == "missing":
		return domain.NotFound()
	}
	return domain.Found(domain.OnChainInfo{Address: addr, FeeX: decimal.NewFromInt(1), FeeY: decimal.NewFromInt(2)})
}

func (m *mockChain) GetActiveIndex(context.Context, string) (int64, error) { return 0, nil }

type mockRepo struct {
	upserts []string
	deletes []string
	open    []domain.PositionState
	err     error
}

func (m *mockRepo) Upsert(_ context.Context, st domain.PositionState) error {
	m.upserts = append(m.upserts, st.Address)
	return m.err
}

func (m *mockRepo) Delete(_ context.Context, addr string) error {
	m.deletes = append(m.deletes, addr)
	return m.err
}

func (m *mockRepo) ListOpen(context.Context) ([]domain.PositionState, error) { return m.open, m.err }

func newStore(chain *mockChain, clk domain.Clock, opts ...positions.Option) *positions.Store {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return positions.New(chain, cache.New[domain.AccountResult](clk), time.Minute, logger, opts...)
}

func TestGetBatchOnChainInfo_CachesAndReportsPerAddress(t *testing.T) {
	chain := &mockChain{reads: map[string]int{}, fail: map[string]bool{"flaky": true}}
	clk := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s := newStore(chain, clk)
	ctx := context.Background()
	addrs := []string{"pos-a", "missing", "flaky"}

	out := s.GetBatchOnChainInfo(ctx, addrs)
	require.Len(t, out, 3)
	assert.True(t, out[0].Success)
	assert.Equal(t, "pos-a", out[0].Info.Address)
	assert.ErrorIs(t, out[1].Err, domain.ErrNotFound)
	assert.False(t, out[2].Success)
	assert.Contains(t, out[2].Err.Error(), "rpc timeout")

	s.GetBatchOnChainInfo(ctx, addrs)
	assert.Equal(t, 1, chain.reads["pos-a"])
	assert.Equal(t, 1, chain.reads["missing"])
	assert.Equal(t, 2, chain.reads["flaky"])

	clk.Advance(time.Minute)
	s.GetBatchOnChainInfo(ctx, addrs[:1])
	assert.Equal(t, 2, chain.reads["pos-a"])
}

func TestAddAndRemoveState(t *testing.T) {
	chain := &mockChain{reads: map[string]int{}}
	repo := &mockRepo{}
	s := newStore(chain, nil, positions.WithRepository(repo))
	ctx := context.Background()

	require.NoError(t, s.AddToCache(ctx, domain.PositionState{Address: "b", PoolAddress: "pool"}))
	require.NoError(t, s.AddToCache(ctx, domain.PositionState{Address: "a", PoolAddress: "pool"}))
	require.NoError(t, s.AddToCache(ctx, domain.PositionState{Address: "c", PoolAddress: "other"}))

	tracked := s.Tracked("pool")
	require.Len(t, tracked, 2)
	assert.Equal(t, "a", tracked[0].Address)

	s.GetBatchOnChainInfo(ctx, []string{"a"})
	require.NoError(t, s.RemoveState(ctx, "a"))
	require.NoError(t, s.RemoveState(ctx, "never-tracked"))
	assert.Len(t, s.Tracked("pool"), 1)

	s.GetBatchOnChainInfo(ctx, []string{"a"})
	assert.Equal(t, 2, chain.reads["a"])
	assert.Equal(t, []string{"b", "a", "c"}, repo.upserts)
	assert.Equal(t, []string{"a", "never-tracked"}, repo.deletes)
}

func TestAddToCache_KeepsStateWhenRepositoryFails(t *testing.T) {
	repo := &mockRepo{err: errors.New("connection refused")}
	s := newStore(&mockChain{reads: map[string]int{}}, nil, positions.WithRepository(repo))

	err := s.AddToCache(context.Background(), domain.PositionState{Address: "a", PoolAddress: "pool"})
	require.Error(t, err)
	assert.Len(t, s.Tracked("pool"), 1)
}

func TestLoad_FromRepository(t *testing.T) {
	repo := &mockRepo{open: []domain.PositionState{{Address: "x", PoolAddress: "pool"}}}
	s := newStore(&mockChain{reads: map[string]int{}}, nil, positions.WithRepository(repo))

	require.NoError(t, s.Load(context.Background()))
	assert.Len(t, s.Tracked("pool"), 1)
}
