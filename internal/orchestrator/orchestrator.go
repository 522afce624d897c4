// Package orchestrator drives the lifecycle of multi-leg liquidity positions:
// planning at the live active bin, concurrent leg creation, partial-success
// recovery, best-effort augmentation and teardown.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/lpkeeper/internal/cache"
	"github.com/alanyoungcy/lpkeeper/internal/clock"
	"github.com/alanyoungcy/lpkeeper/internal/domain"
	"github.com/alanyoungcy/lpkeeper/internal/planner"
	"github.com/alanyoungcy/lpkeeper/internal/retry"
)

// Reconciler repairs partially committed plans.
type Reconciler interface {
	Reconcile(ctx context.Context, plan *domain.MultiLegPlan, outcomes []domain.LegOutcome) error
}

// Params describes one multi-leg position request.
type Params struct {
	Pool         string
	Layout       domain.Layout
	LegWidth     int64
	Capital      decimal.Decimal
	Split        planner.SplitPolicy
	CurveAugment bool
}

// Validate checks the request before any chain interaction. Failures are
// fatal: retrying cannot fix a malformed request.
func (p Params) Validate() error {
	switch {
	case p.Pool == "":
		return domain.Fatal(fmt.Errorf("%w: pool is required", domain.ErrInvalidParams))
	case p.LegWidth <= 0:
		return domain.Fatal(fmt.Errorf("%w: leg width must be positive, got %d", domain.ErrInvalidParams, p.LegWidth))
	case !p.Capital.IsPositive():
		return domain.Fatal(fmt.Errorf("%w: capital must be positive, got %s", domain.ErrInvalidParams, p.Capital))
	}
	if p.Split != nil {
		if err := p.Split.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// MultiLegResult is returned when every leg of a plan was created.
type MultiLegResult struct {
	Plan       domain.MultiLegPlan
	Addresses  []string
	Signatures []string
	TotalGas   uint64
	Attempts   int
	Augments   []domain.AugmentOutcome
}

// CreateError is returned when CreateMultiLegPosition gave up.
type CreateError struct {
	Attempts         int
	RecoveryOccurred bool
	Last             error
}

func (e *CreateError) Error() string {
	var re *domain.RecoveryError
	if errors.As(e.Last, &re) {
		return fmt.Sprintf("create multi-leg position failed after %d attempts (recovery incomplete, manual cleanup required): %v", e.Attempts, e.Last)
	}
	if e.RecoveryOccurred {
		return fmt.Sprintf("create multi-leg position failed after %d attempts (partially created legs were already closed): %v", e.Attempts, e.Last)
	}
	return fmt.Sprintf("create multi-leg position failed after %d attempts: %v", e.Attempts, e.Last)
}

func (e *CreateError) Unwrap() error { return e.Last }

// Orchestrator creates and retires multi-leg positions.
type Orchestrator struct {
	chain      domain.ChainClient
	store      domain.PositionStore
	reconciler Reconciler
	bins       *cache.Cache[int64]
	binTTL     time.Duration
	engine     *retry.Engine
	signers    []domain.Signer
	sink       domain.EventSink
	clock      domain.Clock
	logger     *slog.Logger

	multiLegPolicy retry.Policy
	createPolicy   retry.Policy
	addPolicy      retry.Policy
	closePolicy    retry.Policy
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithPolicies overrides the retry policies. Zero-valued policies keep the
// defaults.
func WithPolicies(multiLeg, create, add, closePos retry.Policy) Option {
	return func(o *Orchestrator) {
		if multiLeg.Name != "" {
			o.multiLegPolicy = multiLeg
		}
		if create.Name != "" {
			o.createPolicy = create
		}
		if add.Name != "" {
			o.addPolicy = add
		}
		if closePos.Name != "" {
			o.closePolicy = closePos
		}
	}
}

// WithEventSink sets the lifecycle event sink.
func WithEventSink(s domain.EventSink) Option {
	return func(o *Orchestrator) {
		if s != nil {
			o.sink = s
		}
	}
}

// WithClock sets the clock used for event and state timestamps.
func WithClock(c domain.Clock) Option {
	return func(o *Orchestrator) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithActiveBinTTL sets how long an active bin read is reused.
func WithActiveBinTTL(d time.Duration) Option {
	return func(o *Orchestrator) { o.binTTL = d }
}

// New creates an Orchestrator.
func New(
	chain domain.ChainClient,
	store domain.PositionStore,
	reconciler Reconciler,
	bins *cache.Cache[int64],
	engine *retry.Engine,
	signers []domain.Signer,
	logger *slog.Logger,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		chain:          chain,
		store:          store,
		reconciler:     reconciler,
		bins:           bins,
		binTTL:         5 * time.Second,
		engine:         engine,
		signers:        signers,
		sink:           domain.NopSink{},
		clock:          clock.System{},
		logger:         logger.With(slog.String("component", "orchestrator")),
		multiLegPolicy: retry.MultiLeg(),
		createPolicy:   retry.CreatePosition(),
		addPolicy:      retry.AddLiquidity(),
		closePolicy:    retry.ClosePosition(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// CreateMultiLegPosition plans and creates every leg for p under the
// multi-leg retry policy. Each attempt starts from a fresh active bin read.
// A mixed outcome is repaired before the attempt fails, so a retry always
// starts from a clean slate.
func (o *Orchestrator) CreateMultiLegPosition(ctx context.Context, p Params) (*MultiLegResult, error) {
	log := o.logger.With(slog.String("pool", p.Pool))
	recovered := false

	res, err := retry.Do(ctx, o.engine, o.multiLegPolicy, func(ctx context.Context, attempt int) (*MultiLegResult, error) {
		r, err := o.attempt(ctx, p, attempt)
		var pf *domain.PartialFailureError
		var re *domain.RecoveryError
		if errors.As(err, &pf) || (errors.As(err, &re) && len(re.Closed) > 0) {
			recovered = true
		}
		return r, err
	}, nil)
	if err != nil {
		attempts := retry.Attempts(err)
		log.ErrorContext(ctx, "multi-leg creation failed",
			slog.Int("attempts", attempts),
			slog.Bool("recovery_occurred", recovered),
			slog.String("error", err.Error()),
		)
		return nil, &CreateError{Attempts: attempts, RecoveryOccurred: recovered, Last: err}
	}

	log.InfoContext(ctx, "multi-leg position created",
		slog.Int("attempts", res.Attempts),
		slog.Any("addresses", res.Addresses),
		slog.Uint64("gas", res.TotalGas),
	)
	return res, nil
}

func (o *Orchestrator) attempt(ctx context.Context, p Params, attempt int) (*MultiLegResult, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	o.bins.Invalidate(cache.ActiveBinKey(p.Pool))
	activeBin, err := o.bins.GetOrFetch(ctx, cache.ActiveBinKey(p.Pool), o.binTTL, func(ctx context.Context) (int64, error) {
		return o.chain.GetActiveIndex(ctx, p.Pool)
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: read active bin: %w", err)
	}

	plan, err := planner.Build(planner.PlanRequest{
		Pool:         p.Pool,
		ActiveBin:    activeBin,
		Layout:       p.Layout,
		LegWidth:     p.LegWidth,
		Capital:      p.Capital,
		Split:        p.Split,
		CurveAugment: p.CurveAugment,
	})
	if err != nil {
		return nil, err
	}

	o.logger.InfoContext(ctx, "submitting plan",
		slog.String("pool", p.Pool),
		slog.Int("attempt", attempt),
		slog.Int64("active_bin", activeBin),
		slog.Int("legs", len(plan.Legs)),
	)

	outcomes := o.createLegs(ctx, plan)
	if err := o.reconciler.Reconcile(ctx, &plan, outcomes); err != nil {
		return nil, err
	}

	res := &MultiLegResult{Plan: plan, Attempts: attempt}
	for _, out := range outcomes {
		res.Addresses = append(res.Addresses, out.Address)
		res.Signatures = append(res.Signatures, out.Signature)
		res.TotalGas += out.GasUsed
		o.sink.Emit(ctx, domain.Event{
			Kind:        domain.EventLegCreated,
			Pool:        plan.PoolAddress,
			Position:    out.Address,
			TxReference: out.Signature,
			Detail: map[string]string{
				"range":     plan.Legs[out.Index].Range().String(),
				"allocated": plan.Legs[out.Index].AllocatedAmount.String(),
			},
			At: o.clock.Now(),
		})
	}

	res.Augments = o.applyAugments(ctx, plan)
	for _, a := range res.Augments {
		if a.Success {
			res.TotalGas += a.GasUsed
		}
	}
	return res, nil
}

// createLegs submits every leg concurrently and joins all outcomes. Leg
// goroutines never return an error so that the group waits for all of them.
func (o *Orchestrator) createLegs(ctx context.Context, plan domain.MultiLegPlan) []domain.LegOutcome {
	outcomes := make([]domain.LegOutcome, len(plan.Legs))

	var g errgroup.Group
	for i, leg := range plan.Legs {
		g.Go(func() error {
			outcomes[i] = o.createLeg(ctx, leg)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (o *Orchestrator) createLeg(ctx context.Context, leg domain.PositionLeg) domain.LegOutcome {
	tx := domain.TxDescriptor{
		Kind:     domain.TxCreatePosition,
		Pool:     leg.PoolAddress,
		LowerBin: leg.LowerBinID,
		UpperBin: leg.UpperBinID,
		Amount:   leg.AllocatedAmount,
		Side:     leg.Side,
		Mode:     leg.Mode,
	}
	attempts := 0
	res, err := retry.Do(ctx, o.engine, o.createPolicy, func(ctx context.Context, attempt int) (domain.TxResult, error) {
		attempts = attempt
		return o.chain.SubmitTransaction(ctx, tx, o.signers)
	}, validateCreated)
	if err != nil {
		out := domain.LegOutcome{Index: leg.Index, Attempts: attempts, Err: err}
		if ref := domain.TxReference(err); ref != "" {
			// Broadcast and possibly committed: recovery must not treat this
			// leg as cleanly failed.
			out.Signature = ref
			o.logger.ErrorContext(ctx, "leg create landed without a tracked position",
				slog.Int("leg", leg.Index),
				slog.String("range", leg.Range().String()),
				slog.String("signature", ref),
				slog.String("error", err.Error()),
			)
		}
		return out
	}

	state := domain.PositionState{
		Address:     res.CreatedAddress,
		PoolAddress: leg.PoolAddress,
		LowerBinID:  leg.LowerBinID,
		UpperBinID:  leg.UpperBinID,
		Side:        leg.Side,
		Mode:        leg.Mode,
		Deposited:   leg.AllocatedAmount,
		Signature:   res.Signature,
		Status:      domain.PositionStatusOpen,
		OpenedAt:    o.clock.Now(),
	}
	if err := o.store.AddToCache(ctx, state); err != nil {
		// The position exists on chain either way; recovery still sees it.
		o.logger.ErrorContext(ctx, "failed to record position state",
			slog.String("position", res.CreatedAddress),
			slog.String("error", err.Error()),
		)
	}

	return domain.LegOutcome{
		Index:     leg.Index,
		Success:   true,
		Address:   res.CreatedAddress,
		Signature: res.Signature,
		GasUsed:   res.GasUsed,
		Attempts:  attempts,
	}
}

// validateCreated rejects a create that did not land, which is retryable,
// and a landed create without an address, which is not: the position exists
// but nothing can track or close it.
func validateCreated(res domain.TxResult) error {
	if err := res.Err(); err != nil {
		return err
	}
	if res.CreatedAddress == "" {
		return &domain.UntrackedTxError{Signature: res.Signature, Reason: "create succeeded without a position address"}
	}
	return nil
}

// applyAugments runs the plan's secondary deposits. Failures are reported as
// outcomes and never fail the primary result.
func (o *Orchestrator) applyAugments(ctx context.Context, plan domain.MultiLegPlan) []domain.AugmentOutcome {
	if len(plan.Augments) == 0 {
		return nil
	}
	out := make([]domain.AugmentOutcome, 0, len(plan.Augments))
	for _, a := range plan.Augments {
		leg := plan.Legs[a.LegIndex]
		outcome := domain.AugmentOutcome{
			LegIndex: a.LegIndex,
			Address:  leg.Address,
			Mode:     a.Mode,
			Amount:   a.Amount,
		}
		tx := domain.TxDescriptor{
			Kind:     domain.TxAddLiquidity,
			Pool:     plan.PoolAddress,
			Position: leg.Address,
			LowerBin: leg.LowerBinID,
			UpperBin: leg.UpperBinID,
			Amount:   a.Amount,
			Side:     leg.Side,
			Mode:     a.Mode,
		}
		res, err := retry.Do(ctx, o.engine, o.addPolicy, func(ctx context.Context, _ int) (domain.TxResult, error) {
			return o.chain.SubmitTransaction(ctx, tx, o.signers)
		}, domain.TxResult.Err)
		if err != nil {
			outcome.Err = err
			o.logger.WarnContext(ctx, "augment failed, position kept without it",
				slog.String("position", leg.Address),
				slog.String("mode", string(a.Mode)),
				slog.String("amount", a.Amount.String()),
				slog.String("error", err.Error()),
			)
		} else {
			outcome.Success = true
			outcome.Signature = res.Signature
			outcome.GasUsed = res.GasUsed
			o.logger.InfoContext(ctx, "augment applied",
				slog.String("position", leg.Address),
				slog.String("mode", string(a.Mode)),
				slog.String("signature", res.Signature),
			)
		}
		out = append(out, outcome)
	}
	return out
}
