package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/lpkeeper/internal/domain"
	"github.com/alanyoungcy/lpkeeper/internal/monitor"
	"github.com/alanyoungcy/lpkeeper/internal/orchestrator"
	"github.com/alanyoungcy/lpkeeper/internal/planner"
)

// recentEvents is how many bus events the report mode prints.
const recentEvents = 10

// MonitorMode reconciles a crashed extraction, then runs the report/extract
// loop and event delivery until ctx is cancelled.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	if err := a.reconcile(ctx, deps); err != nil {
		return err
	}

	mon := monitor.New(deps.Reporter, deps.Extractor,
		a.cfg.Extraction.Interval.Duration, a.cfg.Extraction.Threshold, a.logger,
		deps.Accounts, deps.ActiveBins,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return deps.Events.Run(ctx)
	})
	g.Go(func() error {
		return mon.Run(ctx)
	})
	return g.Wait()
}

// OpenMode creates the configured multi-leg position.
func (a *App) OpenMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting open mode")

	split := planner.SplitFromFloats(a.cfg.Strategy.Split)
	params := orchestrator.Params{
		Pool:         a.cfg.Chain.Pool,
		Layout:       domain.Layout(a.cfg.Strategy.Layout),
		LegWidth:     a.cfg.Strategy.LegWidth,
		Capital:      a.cfg.Strategy.Capital,
		Split:        split,
		CurveAugment: a.cfg.Strategy.CurveAugment,
	}

	return a.withEvents(ctx, deps, func(ctx context.Context) error {
		res, err := deps.Orchestrator.CreateMultiLegPosition(ctx, params)
		if err != nil {
			return fmt.Errorf("app: open: %w", err)
		}
		a.logger.InfoContext(ctx, "multi-leg position created",
			slog.Any("addresses", res.Addresses),
			slog.Uint64("total_gas", res.TotalGas),
			slog.Int("attempts", res.Attempts),
		)
		return renderOpen(a.out, res)
	})
}

// CloseMode closes every tracked position of the pool.
func (a *App) CloseMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting close mode")

	return a.withEvents(ctx, deps, func(ctx context.Context) error {
		res, err := deps.Orchestrator.ClosePositions(ctx, a.cfg.Chain.Pool, nil)
		if res != nil {
			a.logger.InfoContext(ctx, "positions closed",
				slog.Any("closed", res.Closed),
				slog.Uint64("total_gas", res.TotalGas),
			)
		}
		if err != nil {
			return fmt.Errorf("app: close: %w", err)
		}
		return nil
	})
}

// ReportMode prints one yield report, the ledger and, when Redis is enabled,
// the most recent lifecycle events.
func (a *App) ReportMode(ctx context.Context, deps *Dependencies) error {
	rep, err := deps.Reporter.Report(ctx)
	if err != nil {
		return fmt.Errorf("app: report: %w", err)
	}
	records, err := deps.Ledger.Records(ctx)
	if err != nil {
		return fmt.Errorf("app: report: ledger: %w", err)
	}

	var events []domain.Event
	if deps.EventBus != nil {
		events, err = deps.EventBus.Recent(ctx, recentEvents)
		if err != nil {
			a.logger.WarnContext(ctx, "recent events unavailable", slog.String("error", err.Error()))
		}
	}
	return renderReport(a.out, rep, records, events)
}

// ReconcileMode repairs extraction state left by a crashed process and exits.
func (a *App) ReconcileMode(ctx context.Context, deps *Dependencies) error {
	return a.reconcile(ctx, deps)
}

func (a *App) reconcile(ctx context.Context, deps *Dependencies) error {
	rep, err := deps.Extractor.Resolve(ctx)
	if err != nil {
		return fmt.Errorf("app: reconcile extraction state: %w", err)
	}
	if !rep.WasExtracting {
		a.logger.InfoContext(ctx, "extraction state clean", slog.String("key", rep.Key))
		return nil
	}
	attrs := []any{
		slog.String("key", rep.Key),
		slog.String("owner", rep.Owner),
		slog.String("tx", rep.TxReference),
		slog.Bool("verified", rep.Verified),
		slog.Bool("landed", rep.Landed),
		slog.Bool("unresolved", rep.Unresolved),
	}
	if rep.VerifyErr != nil {
		attrs = append(attrs, slog.String("verify_error", rep.VerifyErr.Error()))
	}
	if rep.Unresolved {
		a.logger.WarnContext(ctx, "extraction claim still unresolved, left extracting", attrs...)
		return nil
	}
	a.logger.WarnContext(ctx, "released extraction left by a previous process", attrs...)
	return nil
}

// withEvents runs fn while the event queue delivers in the background, then
// stops the queue and lets it drain.
func (a *App) withEvents(ctx context.Context, deps *Dependencies, fn func(context.Context) error) error {
	qctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan error, 1)
	go func() { done <- deps.Events.Run(qctx) }()

	err := fn(ctx)
	cancel()
	if qerr := <-done; qerr != nil && !errors.Is(qerr, context.Canceled) {
		a.logger.Warn("event queue stopped with error", slog.String("error", qerr.Error()))
	}
	return err
}
