package extraction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/lpkeeper/internal/cache"
	"github.com/alanyoungcy/lpkeeper/internal/clock"
	"github.com/alanyoungcy/lpkeeper/internal/domain"
	"github.com/alanyoungcy/lpkeeper/internal/retry"
)

var (
	// ErrNothingTracked is returned when the pool has no tracked positions.
	ErrNothingTracked = errors.New("no tracked positions")
	// ErrClaimUnresolved is returned when a claim was broadcast but its
	// outcome is unknown. The extraction stays parked until settled.
	ErrClaimUnresolved = errors.New("claim outcome unknown")
)

// Invalidator drops cached entries by key.
type Invalidator interface {
	Invalidate(keys ...string)
}

// ExtractionResult describes one completed extraction.
type ExtractionResult struct {
	Pool        string
	Positions   []string
	Skipped     bool // nothing was pending
	TxReference string
	Raw         domain.RawAmounts
	Normalized  decimal.Decimal
	FeePaid     decimal.Decimal
	Record      domain.YieldRecord
}

// Extractor withdraws pending yield for one pool.
type Extractor struct {
	pool    string
	sm      *StateMachine
	store   domain.PositionStore
	ledger  YieldLedger
	valuer  domain.Valuer
	chain   domain.ChainClient
	status  domain.TxStatusReader
	engine  *retry.Engine
	policy  retry.Policy
	signers []domain.Signer
	cache   Invalidator
	locks   domain.LockManager
	lockTTL time.Duration
	sink    domain.EventSink
	clock   domain.Clock
	logger  *slog.Logger
}

// ExtractorOption customises an Extractor.
type ExtractorOption func(*Extractor)

// WithLockManager guards each extraction with a cross-process lock.
func WithLockManager(lm domain.LockManager, ttl time.Duration) ExtractorOption {
	return func(e *Extractor) {
		e.locks = lm
		e.lockTTL = ttl
	}
}

// WithExtractorEventSink sets the lifecycle event sink.
func WithExtractorEventSink(s domain.EventSink) ExtractorOption {
	return func(e *Extractor) {
		if s != nil {
			e.sink = s
		}
	}
}

// WithExtractionPolicy overrides the retry policy for the claim transaction.
func WithExtractionPolicy(p retry.Policy) ExtractorOption {
	return func(e *Extractor) { e.policy = p }
}

// WithTxStatus sets how unconfirmed claims are checked. By default the chain
// client is used when it implements domain.TxStatusReader.
func WithTxStatus(r domain.TxStatusReader) ExtractorOption {
	return func(e *Extractor) { e.status = r }
}

// WithExtractorClock sets the clock used for event timestamps.
func WithExtractorClock(c domain.Clock) ExtractorOption {
	return func(e *Extractor) {
		if c != nil {
			e.clock = c
		}
	}
}

// NewExtractor creates an Extractor sharing sm with the pool's Reporter.
func NewExtractor(
	pool string,
	sm *StateMachine,
	store domain.PositionStore,
	ledger YieldLedger,
	valuer domain.Valuer,
	chain domain.ChainClient,
	engine *retry.Engine,
	signers []domain.Signer,
	accounts Invalidator,
	logger *slog.Logger,
	opts ...ExtractorOption,
) *Extractor {
	e := &Extractor{
		pool:    pool,
		sm:      sm,
		store:   store,
		ledger:  ledger,
		valuer:  valuer,
		chain:   chain,
		engine:  engine,
		policy:  retry.Extraction(),
		signers: signers,
		cache:   accounts,
		sink:    domain.NopSink{},
		clock:   clock.System{},
		logger:  logger.With(slog.String("component", "extractor"), slog.String("pool", pool)),
	}
	if r, ok := chain.(domain.TxStatusReader); ok {
		e.status = r
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Extract claims all pending yield of the pool's tracked positions and
// records it in the ledger. The state machine is EXTRACTING for the whole
// call and returns to IDLE, except when the claim was broadcast without a
// confirmation: then it stays parked on the claim and ErrClaimUnresolved is
// returned. A ledger failure after the claim landed is returned together
// with the result.
func (e *Extractor) Extract(ctx context.Context) (*ExtractionResult, error) {
	addrs := trackedAddresses(e.store, e.pool)
	if len(addrs) == 0 {
		return nil, fmt.Errorf("extraction: %s: %w", e.pool, ErrNothingTracked)
	}

	if e.locks != nil {
		unlock, err := e.locks.Acquire(ctx, "extraction:"+e.sm.Key(), e.lockTTL)
		if err != nil {
			return nil, fmt.Errorf("extraction: lock %s: %w", e.sm.Key(), err)
		}
		defer unlock()
	}

	ticket, err := e.sm.Begin(ctx)
	if err != nil {
		return nil, err
	}
	e.emit(ctx, domain.EventExtractionStarted, "", map[string]string{"ticket": ticket.ID})

	res, runErr := e.run(ctx, ticket, addrs)

	txRef := ""
	if res != nil {
		txRef = res.TxReference
	}
	if errors.Is(runErr, ErrClaimUnresolved) {
		e.emit(ctx, domain.EventExtractionFinished, txRef, map[string]string{
			"ticket": ticket.ID,
			"error":  runErr.Error(),
			"parked": "true",
		})
		return res, runErr
	}
	// A claim that landed counts as an extraction even if the ledger failed.
	landedErr := runErr
	if txRef != "" {
		landedErr = nil
	}
	if err := e.sm.Finish(ctx, ticket, txRef, landedErr); err != nil {
		e.logger.ErrorContext(ctx, "failed to finish extraction state", slog.String("error", err.Error()))
	}

	detail := map[string]string{"ticket": ticket.ID}
	switch {
	case runErr != nil:
		detail["error"] = runErr.Error()
	case res.Skipped:
		detail["skipped"] = "nothing pending"
	default:
		detail["normalized"] = res.Normalized.String()
	}
	e.emit(ctx, domain.EventExtractionFinished, txRef, detail)
	return res, runErr
}

func (e *Extractor) run(ctx context.Context, ticket Ticket, addrs []string) (*ExtractionResult, error) {
	// Pending must come from the chain, not from a read taken before the claim.
	e.invalidate(addrs)
	raw, err := e.pending(ctx, addrs)
	if err != nil {
		return nil, err
	}
	result := &ExtractionResult{Pool: e.pool, Positions: addrs, Raw: raw}
	if raw.IsZero() {
		result.Skipped = true
		e.logger.InfoContext(ctx, "nothing pending, skipping claim")
		return result, nil
	}

	normalized, err := e.valuer.Value(ctx, e.pool, raw)
	if err != nil {
		return nil, fmt.Errorf("extraction: value pending: %w", err)
	}
	result.Normalized = normalized

	tx := domain.TxDescriptor{Kind: domain.TxClaimFees, Pool: e.pool, Positions: addrs}
	out, err := retry.Do(ctx, e.engine, e.policy, func(ctx context.Context, _ int) (domain.TxResult, error) {
		return e.chain.SubmitTransaction(ctx, tx, e.signers)
	}, domain.TxResult.Err)
	if err != nil {
		if ref := domain.TxReference(err); ref != "" {
			return e.unconfirmed(ctx, ticket, result, ref, err)
		}
		return nil, fmt.Errorf("extraction: claim: %w", err)
	}

	claim := Claim{TxReference: out.Signature, Positions: addrs, Raw: raw, Normalized: normalized}
	if err := e.sm.Submitted(ctx, ticket, claim); err != nil {
		e.logger.WarnContext(ctx, "failed to persist in-flight tx", slog.String("tx", out.Signature), slog.String("error", err.Error()))
	}
	return e.record(ctx, result, out.Signature, out.FeePaid)
}

// unconfirmed handles a claim that was broadcast but never confirmed. A claim
// the chain already shows as landed is recorded now; any other is parked
// with everything the ledger needs, for Resolve to settle.
func (e *Extractor) unconfirmed(ctx context.Context, ticket Ticket, result *ExtractionResult, ref string, cause error) (*ExtractionResult, error) {
	if e.status != nil {
		landed, err := e.status.TransactionLanded(ctx, ref)
		if err == nil && landed {
			e.logger.WarnContext(ctx, "claim landed after its receipt wait failed", slog.String("tx", ref))
			return e.record(ctx, result, ref, decimal.Zero)
		}
	}

	claim := Claim{TxReference: ref, Positions: result.Positions, Raw: result.Raw, Normalized: result.Normalized}
	if err := e.sm.Park(ctx, ticket, claim); err != nil {
		e.logger.ErrorContext(ctx, "failed to persist parked claim", slog.String("tx", ref), slog.String("error", err.Error()))
	}
	result.TxReference = ref
	return result, fmt.Errorf("extraction: claim %s: %w: %w", ref, ErrClaimUnresolved, cause)
}

func (e *Extractor) record(ctx context.Context, result *ExtractionResult, txRef string, feePaid decimal.Decimal) (*ExtractionResult, error) {
	result.TxReference = txRef
	result.FeePaid = feePaid

	rec, err := e.ledger.Record(ctx, e.pool, result.Positions, result.Raw, result.Normalized, txRef, feePaid)
	e.invalidate(result.Positions)
	if err != nil {
		return result, fmt.Errorf("extraction: claim %s landed but was not recorded: %w", txRef, err)
	}
	result.Record = rec

	e.logger.InfoContext(ctx, "yield extracted",
		slog.String("tx", txRef),
		slog.String("normalized", result.Normalized.String()),
		slog.String("total_extracted", rec.TotalExtracted.String()),
	)
	return result, nil
}

// Resolve settles an extraction left EXTRACTING by a crashed process or
// parked on an unconfirmed claim. A claim that landed is recorded in the
// ledger before the state returns to IDLE.
func (e *Extractor) Resolve(ctx context.Context) (ReconcileReport, error) {
	if e.locks != nil {
		unlock, err := e.locks.Acquire(ctx, "extraction:"+e.sm.Key(), e.lockTTL)
		if err != nil {
			return ReconcileReport{Key: e.sm.Key()}, fmt.Errorf("extraction: lock %s: %w", e.sm.Key(), err)
		}
		defer unlock()
	}

	rep, err := e.sm.ReconcileWith(ctx, e.status, func(ctx context.Context, c Claim) error {
		rec, err := e.ledger.Record(ctx, e.pool, c.Positions, c.Raw, c.Normalized, c.TxReference, decimal.Zero)
		e.invalidate(c.Positions)
		if err != nil {
			return err
		}
		e.logger.InfoContext(ctx, "unconfirmed claim landed, recorded",
			slog.String("tx", c.TxReference),
			slog.String("total_extracted", rec.TotalExtracted.String()),
		)
		return nil
	})
	if err != nil {
		return rep, err
	}
	if rep.WasExtracting && !rep.Unresolved {
		detail := map[string]string{"resolved": "true", "landed": fmt.Sprint(rep.Landed)}
		e.emit(ctx, domain.EventExtractionFinished, rep.TxReference, detail)
	}
	return rep, nil
}

// SettleParked runs Resolve when an extraction of this process is parked on
// an unconfirmed claim. It reports whether it tried.
func (e *Extractor) SettleParked(ctx context.Context) (bool, error) {
	if !e.sm.Parked() {
		return false, nil
	}
	rep, err := e.Resolve(ctx)
	if err != nil {
		return true, err
	}
	if rep.Unresolved {
		return true, fmt.Errorf("extraction: claim %s: %w", rep.TxReference, ErrClaimUnresolved)
	}
	return true, nil
}

func (e *Extractor) pending(ctx context.Context, addrs []string) (domain.RawAmounts, error) {
	raw := domain.RawAmounts{X: decimal.Zero, Y: decimal.Zero}
	var errs []error
	for _, bi := range e.store.GetBatchOnChainInfo(ctx, addrs) {
		if !bi.Success || bi.Info == nil {
			errs = append(errs, fmt.Errorf("%s: %w", bi.Address, bi.Err))
			continue
		}
		raw = raw.Add(domain.RawAmounts{X: bi.Info.FeeX, Y: bi.Info.FeeY})
	}
	if len(errs) > 0 {
		return raw, fmt.Errorf("extraction: read pending: %w", errors.Join(errs...))
	}
	return raw, nil
}

func (e *Extractor) invalidate(addrs []string) {
	if e.cache == nil {
		return
	}
	keys := make([]string, len(addrs))
	for i, a := range addrs {
		keys[i] = cache.OnChainKey(a)
	}
	e.cache.Invalidate(keys...)
}

func (e *Extractor) emit(ctx context.Context, kind domain.EventKind, txRef string, detail map[string]string) {
	e.sink.Emit(ctx, domain.Event{
		Kind:        kind,
		Pool:        e.pool,
		TxReference: txRef,
		Detail:      detail,
		At:          e.clock.Now(),
	})
}
