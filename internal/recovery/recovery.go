// Package recovery repairs multi-leg attempts where only some legs landed.
// Committed legs are closed and forgotten so the whole plan can be retried
// from a clean slate.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/alanyoungcy/lpkeeper/internal/clock"
	"github.com/alanyoungcy/lpkeeper/internal/domain"
	"github.com/alanyoungcy/lpkeeper/internal/retry"
)

// Reconciler inspects joined leg outcomes and undoes partial commits.
type Reconciler struct {
	chain   domain.ChainClient
	store   domain.PositionStore
	engine  *retry.Engine
	policy  retry.Policy
	signers []domain.Signer
	sink    domain.EventSink
	clock   domain.Clock
	logger  *slog.Logger
}

// Option customises a Reconciler.
type Option func(*Reconciler)

// WithPolicy overrides the close policy (default retry.ClosePosition).
func WithPolicy(p retry.Policy) Option {
	return func(r *Reconciler) { r.policy = p }
}

// WithEventSink sets where leg_closed events go.
func WithEventSink(s domain.EventSink) Option {
	return func(r *Reconciler) {
		if s != nil {
			r.sink = s
		}
	}
}

// WithClock sets the clock used to stamp events.
func WithClock(c domain.Clock) Option {
	return func(r *Reconciler) {
		if c != nil {
			r.clock = c
		}
	}
}

// NewReconciler creates a Reconciler that closes legs through chain, signed
// by signers, and purges them from store.
func NewReconciler(
	chain domain.ChainClient,
	store domain.PositionStore,
	engine *retry.Engine,
	signers []domain.Signer,
	logger *slog.Logger,
	opts ...Option,
) *Reconciler {
	r := &Reconciler{
		chain:   chain,
		store:   store,
		engine:  engine,
		policy:  retry.ClosePosition(),
		signers: signers,
		sink:    domain.NopSink{},
		clock:   clock.System{},
		logger:  logger.With(slog.String("component", "recovery")),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Reconcile classifies outcomes against plan and returns:
//
//   - nil when every leg succeeded;
//   - *domain.LegsFailedError when every leg failed (nothing to undo);
//   - *domain.PartialFailureError after closing and purging every
//     successful leg of a mixed result;
//   - a fatal *domain.RecoveryError when a close or purge failed, or when a
//     failed leg carries the signature of a transaction that landed anyway.
//     Tracked legs are still closed first.
//
// Leg statuses in plan are updated in place.
func (r *Reconciler) Reconcile(ctx context.Context, plan *domain.MultiLegPlan, outcomes []domain.LegOutcome) error {
	if len(outcomes) != len(plan.Legs) {
		return domain.Fatal(fmt.Errorf("recovery: %d outcomes for %d legs", len(outcomes), len(plan.Legs)))
	}

	sorted := make([]domain.LegOutcome, len(outcomes))
	copy(sorted, outcomes)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	var (
		succeeded []domain.LegOutcome
		failures  []*domain.LegError
		untracked []string
		lost      []error
	)
	for _, o := range sorted {
		leg := &plan.Legs[o.Index]
		if o.Success {
			leg.Status = domain.LegStatusCreated
			leg.Address = o.Address
			succeeded = append(succeeded, o)
			continue
		}
		leg.Status = domain.LegStatusFailed
		err := o.Err
		if err == nil {
			err = errors.New("leg failed without error")
		}
		legErr := &domain.LegError{
			Index:    o.Index,
			LowerBin: leg.LowerBinID,
			UpperBin: leg.UpperBinID,
			Err:      err,
		}
		failures = append(failures, legErr)
		if o.Signature != "" {
			untracked = append(untracked, o.Signature)
			lost = append(lost, legErr)
		}
	}

	switch {
	case len(failures) == 0:
		return nil
	case len(succeeded) == 0 && len(untracked) == 0:
		r.logger.WarnContext(ctx, "all legs failed, nothing to recover",
			slog.String("pool", plan.PoolAddress),
			slog.Int("legs", len(failures)),
		)
		return &domain.LegsFailedError{Failures: failures}
	}

	r.logger.WarnContext(ctx, "partial success, closing committed legs",
		slog.String("pool", plan.PoolAddress),
		slog.Int("succeeded", len(succeeded)),
		slog.Int("failed", len(failures)),
	)

	var closed, attempted []string
	for _, o := range succeeded {
		attempted = append(attempted, o.Address)
		if err := r.closeLeg(ctx, plan, o); err != nil {
			r.logger.ErrorContext(ctx, "recovery aborted, manual intervention required",
				slog.String("pool", plan.PoolAddress),
				slog.String("position", o.Address),
				slog.String("error", err.Error()),
			)
			return &domain.RecoveryError{
				Closed:    closed,
				Attempted: attempted,
				Failed:    o.Address,
				Untracked: untracked,
				Err:       errors.Join(append([]error{err}, lost...)...),
			}
		}
		plan.Legs[o.Index].Status = domain.LegStatusClosed
		closed = append(closed, o.Address)
	}

	if len(untracked) > 0 {
		r.logger.ErrorContext(ctx, "recovery aborted, landed legs are not tracked, manual intervention required",
			slog.String("pool", plan.PoolAddress),
			slog.Any("untracked_tx", untracked),
			slog.Any("closed", closed),
		)
		return &domain.RecoveryError{
			Closed:    closed,
			Attempted: attempted,
			Untracked: untracked,
			Err:       errors.Join(lost...),
		}
	}

	r.logger.InfoContext(ctx, "partial success recovered",
		slog.String("pool", plan.PoolAddress),
		slog.Any("closed", closed),
	)
	return &domain.PartialFailureError{Closed: closed, Failures: failures}
}

func (r *Reconciler) closeLeg(ctx context.Context, plan *domain.MultiLegPlan, o domain.LegOutcome) error {
	tx := domain.TxDescriptor{
		Kind:     domain.TxClosePosition,
		Pool:     plan.PoolAddress,
		Position: o.Address,
	}
	res, err := retry.Do(ctx, r.engine, r.policy, func(ctx context.Context, _ int) (domain.TxResult, error) {
		return r.chain.SubmitTransaction(ctx, tx, r.signers)
	}, domain.TxResult.Err)
	if err != nil {
		return fmt.Errorf("close %s: %w", o.Address, err)
	}

	if err := r.store.RemoveState(ctx, o.Address); err != nil {
		return fmt.Errorf("purge %s: %w", o.Address, err)
	}

	r.sink.Emit(ctx, domain.Event{
		Kind:        domain.EventLegClosed,
		Pool:        plan.PoolAddress,
		Position:    o.Address,
		TxReference: res.Signature,
		Detail:      map[string]string{"reason": "partial_failure_recovery"},
		At:          r.clock.Now(),
	})
	return nil
}
