// Package positions tracks the positions this keeper created and serves
// cache-backed on-chain reads for them.
package positions

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/lpkeeper/internal/cache"
	"github.com/alanyoungcy/lpkeeper/internal/domain"
)

// Store implements domain.PositionStore. States live in memory and are
// mirrored to an optional durable repository.
type Store struct {
	chain    domain.ChainClient
	repo     domain.PositionRepository
	accounts *cache.Cache[domain.AccountResult]
	ttl      time.Duration
	limit    int
	logger   *slog.Logger

	mu     sync.RWMutex
	states map[string]domain.PositionState
}

// Option customises a Store.
type Option func(*Store)

// WithRepository mirrors every state change to repo.
func WithRepository(repo domain.PositionRepository) Option {
	return func(s *Store) { s.repo = repo }
}

// WithReadConcurrency bounds parallel account reads in a batch.
func WithReadConcurrency(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.limit = n
		}
	}
}

// New creates a Store reading accounts through chain, cached in accounts for
// ttl.
func New(chain domain.ChainClient, accounts *cache.Cache[domain.AccountResult], ttl time.Duration, logger *slog.Logger, opts ...Option) *Store {
	s := &Store{
		chain:    chain,
		accounts: accounts,
		ttl:      ttl,
		limit:    8,
		logger:   logger.With(slog.String("component", "positions")),
		states:   make(map[string]domain.PositionState),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Load replaces the in-memory states with the repository's open positions.
// It is a no-op without a repository.
func (s *Store) Load(ctx context.Context) error {
	if s.repo == nil {
		return nil
	}
	open, err := s.repo.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("positions: load: %w", err)
	}
	s.mu.Lock()
	s.states = make(map[string]domain.PositionState, len(open))
	for _, st := range open {
		s.states[st.Address] = st
	}
	s.mu.Unlock()
	s.logger.InfoContext(ctx, "loaded tracked positions", slog.Int("count", len(open)))
	return nil
}

// AddToCache tracks state. The state is kept in memory even if the
// repository write fails; the error is returned so the caller can log it.
func (s *Store) AddToCache(ctx context.Context, state domain.PositionState) error {
	if state.Address == "" {
		return fmt.Errorf("positions: add: %w: empty address", domain.ErrInvalidParams)
	}
	s.mu.Lock()
	s.states[state.Address] = state
	s.mu.Unlock()
	s.accounts.Invalidate(cache.OnChainKey(state.Address))

	if s.repo != nil {
		if err := s.repo.Upsert(ctx, state); err != nil {
			return fmt.Errorf("positions: persist %s: %w", state.Address, err)
		}
	}
	return nil
}

// RemoveState forgets address and drops its cached account. Removing an
// untracked address is not an error.
func (s *Store) RemoveState(ctx context.Context, address string) error {
	s.mu.Lock()
	delete(s.states, address)
	s.mu.Unlock()
	s.accounts.Invalidate(cache.OnChainKey(address))

	if s.repo != nil {
		if err := s.repo.Delete(ctx, address); err != nil {
			return fmt.Errorf("positions: delete %s: %w", address, err)
		}
	}
	return nil
}

// Tracked returns the states for pool ordered by address.
func (s *Store) Tracked(pool string) []domain.PositionState {
	s.mu.RLock()
	out := make([]domain.PositionState, 0, len(s.states))
	for _, st := range s.states {
		if pool == "" || st.PoolAddress == pool {
			out = append(out, st)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// GetBatchOnChainInfo reads every address through the account cache with
// bounded concurrency. Results keep the order of addresses. Read errors are
// reported per address and never cached.
func (s *Store) GetBatchOnChainInfo(ctx context.Context, addresses []string) []domain.BatchInfo {
	out := make([]domain.BatchInfo, len(addresses))

	var g errgroup.Group
	g.SetLimit(s.limit)
	for i, addr := range addresses {
		g.Go(func() error {
			out[i] = s.read(ctx, addr)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (s *Store) read(ctx context.Context, addr string) domain.BatchInfo {
	res, err := s.accounts.GetOrFetch(ctx, cache.OnChainKey(addr), s.ttl, func(ctx context.Context) (domain.AccountResult, error) {
		r := s.chain.ReadAccount(ctx, addr)
		if r.Kind == domain.AccountError {
			return r, r.Err
		}
		return r, nil
	})
	if err != nil {
		s.logger.WarnContext(ctx, "account read failed", slog.String("position", addr), slog.String("error", err.Error()))
		return domain.BatchInfo{Address: addr, Err: err}
	}
	switch res.Kind {
	case domain.AccountFound:
		info := res.Info
		return domain.BatchInfo{Address: addr, Success: true, Info: &info}
	default:
		return domain.BatchInfo{Address: addr, Err: fmt.Errorf("position %s: %w", addr, domain.ErrNotFound)}
	}
}

var _ domain.PositionStore = (*Store)(nil)
