package extraction

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/lpkeeper/internal/clock"
	"github.com/alanyoungcy/lpkeeper/internal/domain"
)

// ReasonExtractionInFlight is the ReducedReason while an extraction runs.
const ReasonExtractionInFlight = "extraction_in_flight"

// YieldLedger is the part of the ledger extraction needs.
type YieldLedger interface {
	Record(ctx context.Context, pool string, addresses []string, raw domain.RawAmounts, normalized decimal.Decimal, txRef string, feePaid decimal.Decimal) (domain.YieldRecord, error)
	ComputeRealTotal(ctx context.Context, pool string, addresses []string, pending decimal.Decimal) (domain.RealTotal, error)
}

// Report is a point-in-time view of pending and extracted yield.
type Report struct {
	Pool          string
	Positions     []string
	GeneratedAt   time.Time
	State         Status
	Reduced       bool
	ReducedReason string
	PendingRaw    domain.RawAmounts
	PendingValue  decimal.Decimal
	Totals        domain.RealTotal
	Unreadable    []string
}

// Reporter builds reports for one pool. It shares the pool's StateMachine
// with the Extractor and never reports pending yield while an extraction is
// in flight.
type Reporter struct {
	pool   string
	sm     *StateMachine
	store  domain.PositionStore
	ledger YieldLedger
	valuer domain.Valuer
	clock  domain.Clock
	logger *slog.Logger
}

// NewReporter creates a Reporter.
func NewReporter(pool string, sm *StateMachine, store domain.PositionStore, ledger YieldLedger, valuer domain.Valuer, c domain.Clock, logger *slog.Logger) *Reporter {
	if c == nil {
		c = clock.System{}
	}
	return &Reporter{
		pool:   pool,
		sm:     sm,
		store:  store,
		ledger: ledger,
		valuer: valuer,
		clock:  c,
		logger: logger.With(slog.String("component", "reporter"), slog.String("pool", pool)),
	}
}

// Report returns the current yield view. While the state machine is
// EXTRACTING the report is reduced: pending figures are zero because the
// chain is mid-withdrawal and any read would double count.
func (r *Reporter) Report(ctx context.Context) (Report, error) {
	r.sm.ReleaseIfOrphaned(ctx)

	addrs := trackedAddresses(r.store, r.pool)
	rep := Report{
		Pool:         r.pool,
		Positions:    addrs,
		GeneratedAt:  r.clock.Now(),
		State:        StatusIdle,
		PendingValue: decimal.Zero,
		PendingRaw:   domain.RawAmounts{X: decimal.Zero, Y: decimal.Zero},
	}

	if r.sm.Extracting() {
		return r.reduced(ctx, rep)
	}

	infos := r.store.GetBatchOnChainInfo(ctx, addrs)
	raw := domain.RawAmounts{X: decimal.Zero, Y: decimal.Zero}
	for _, bi := range infos {
		if !bi.Success || bi.Info == nil {
			rep.Unreadable = append(rep.Unreadable, bi.Address)
			continue
		}
		raw = raw.Add(domain.RawAmounts{X: bi.Info.FeeX, Y: bi.Info.FeeY})
	}
	if len(rep.Unreadable) > 0 {
		r.logger.WarnContext(ctx, "some positions could not be read", slog.Any("positions", rep.Unreadable))
	}

	value, err := r.valuer.Value(ctx, r.pool, raw)
	if err != nil {
		return Report{}, fmt.Errorf("reporter: value pending: %w", err)
	}

	// An extraction may have started while we were reading.
	if r.sm.Extracting() {
		return r.reduced(ctx, rep)
	}

	totals, err := r.ledger.ComputeRealTotal(ctx, r.pool, addrs, value)
	if err != nil {
		return Report{}, fmt.Errorf("reporter: totals: %w", err)
	}
	rep.PendingRaw = raw
	rep.PendingValue = value
	rep.Totals = totals
	return rep, nil
}

func (r *Reporter) reduced(ctx context.Context, rep Report) (Report, error) {
	rep.State = StatusExtracting
	rep.Reduced = true
	rep.ReducedReason = ReasonExtractionInFlight
	if len(rep.Positions) > 0 {
		totals, err := r.ledger.ComputeRealTotal(ctx, r.pool, rep.Positions, decimal.Zero)
		if err != nil {
			return Report{}, fmt.Errorf("reporter: totals: %w", err)
		}
		rep.Totals = totals
	}
	return rep, nil
}

func trackedAddresses(store domain.PositionStore, pool string) []string {
	states := store.Tracked(pool)
	out := make([]string, 0, len(states))
	for _, st := range states {
		out = append(out, st.Address)
	}
	return out
}
