// Package monitor runs the periodic report-and-extract cycle for one pool.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/lpkeeper/internal/domain"
	"github.com/alanyoungcy/lpkeeper/internal/extraction"
)

// Reporter produces yield reports.
type Reporter interface {
	Report(ctx context.Context) (extraction.Report, error)
}

// Extractor withdraws pending yield.
type Extractor interface {
	Extract(ctx context.Context) (*extraction.ExtractionResult, error)
}

// Settler is implemented by extractors that can park on an unconfirmed
// claim. Reports stay reduced until the claim is settled.
type Settler interface {
	SettleParked(ctx context.Context) (bool, error)
}

// Sweeper evicts expired cache entries.
type Sweeper interface {
	Sweep() int
}

// Monitor reports on a fixed interval and extracts once pending yield
// reaches the threshold.
type Monitor struct {
	reporter  Reporter
	extractor Extractor
	sweepers  []Sweeper
	interval  time.Duration
	threshold decimal.Decimal
	logger    *slog.Logger
}

// New creates a Monitor. A zero threshold disables extraction.
func New(reporter Reporter, extractor Extractor, interval time.Duration, threshold decimal.Decimal, logger *slog.Logger, sweepers ...Sweeper) *Monitor {
	return &Monitor{
		reporter:  reporter,
		extractor: extractor,
		sweepers:  sweepers,
		interval:  interval,
		threshold: threshold,
		logger:    logger.With(slog.String("component", "monitor")),
	}
}

// Run executes a cycle immediately and then on every tick until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.InfoContext(ctx, "monitor started",
		slog.Duration("interval", m.interval),
		slog.String("threshold", m.threshold.String()),
	)
	defer m.logger.Info("monitor stopped")

	m.Cycle(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Cycle(ctx)
		}
	}
}

// Cycle runs one sweep, report and optional extraction. Errors are logged.
// It reports whether an extraction was attempted.
func (m *Monitor) Cycle(ctx context.Context) bool {
	evicted := 0
	for _, s := range m.sweepers {
		evicted += s.Sweep()
	}
	if evicted > 0 {
		m.logger.DebugContext(ctx, "cache swept", slog.Int("evicted", evicted))
	}

	if s, ok := m.extractor.(Settler); ok {
		tried, err := s.SettleParked(ctx)
		switch {
		case err != nil:
			m.logger.WarnContext(ctx, "parked extraction not settled", slog.String("error", err.Error()))
		case tried:
			m.logger.InfoContext(ctx, "parked extraction settled")
		}
	}

	rep, err := m.reporter.Report(ctx)
	if err != nil {
		m.logger.ErrorContext(ctx, "report failed", slog.String("error", err.Error()))
		return false
	}
	m.logger.InfoContext(ctx, "yield report",
		slog.String("pool", rep.Pool),
		slog.Int("positions", len(rep.Positions)),
		slog.Bool("reduced", rep.Reduced),
		slog.String("pending", rep.PendingValue.String()),
		slog.String("extracted", rep.Totals.Extracted.String()),
		slog.String("total", rep.Totals.Total.String()),
		slog.Int("extractions", rep.Totals.ExtractionCount),
	)

	if rep.Reduced || !m.threshold.IsPositive() || rep.PendingValue.LessThan(m.threshold) {
		return false
	}

	res, err := m.extractor.Extract(ctx)
	switch {
	case errors.Is(err, domain.ErrExtractionInProgress), errors.Is(err, domain.ErrLockHeld):
		m.logger.InfoContext(ctx, "extraction already running elsewhere", slog.String("error", err.Error()))
	case err != nil:
		m.logger.ErrorContext(ctx, "extraction failed", slog.String("error", err.Error()))
	case res.Skipped:
		m.logger.InfoContext(ctx, "extraction skipped, nothing pending")
	default:
		m.logger.InfoContext(ctx, "extraction complete",
			slog.String("tx", res.TxReference),
			slog.String("value", res.Normalized.String()),
		)
	}
	return true
}
