package app

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/alanyoungcy/lpkeeper/internal/domain"
	"github.com/alanyoungcy/lpkeeper/internal/extraction"
	"github.com/alanyoungcy/lpkeeper/internal/orchestrator"
)

// renderReport prints the pool report, the ledger and recent events.
func renderReport(w io.Writer, rep extraction.Report, records []domain.YieldRecord, events []domain.Event) error {
	fmt.Fprintf(w, "pool %s  state %s  at %s\n", rep.Pool, rep.State, rep.GeneratedAt.Format(time.RFC3339))
	if rep.Reduced {
		fmt.Fprintf(w, "reduced report: %s (pending yield not shown)\n", rep.ReducedReason)
	}

	summary := tablewriter.NewWriter(w)
	summary.Header("Positions", "Pending X", "Pending Y", "Pending", "Extracted", "Total", "Extractions")
	summary.Append(
		fmt.Sprintf("%d", len(rep.Positions)),
		rep.PendingRaw.X.String(),
		rep.PendingRaw.Y.String(),
		rep.Totals.Pending.String(),
		rep.Totals.Extracted.String(),
		rep.Totals.Total.String(),
		fmt.Sprintf("%d", rep.Totals.ExtractionCount),
	)
	if err := summary.Render(); err != nil {
		return err
	}
	if len(rep.Unreadable) > 0 {
		fmt.Fprintf(w, "unreadable positions: %s\n", strings.Join(rep.Unreadable, ", "))
	}

	if len(records) > 0 {
		sorted := append([]domain.YieldRecord(nil), records...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].UpdatedAt.After(sorted[j].UpdatedAt) })

		ledger := tablewriter.NewWriter(w)
		ledger.Header("Pool", "Positions", "Extracted", "Count", "Last Tx", "Updated")
		for _, r := range sorted {
			lastTx := ""
			if n := len(r.History); n > 0 {
				lastTx = r.History[n-1].TxReference
			}
			ledger.Append(
				r.PoolAddress,
				fmt.Sprintf("%d", len(r.PositionAddresses)),
				r.TotalExtracted.String(),
				fmt.Sprintf("%d", len(r.History)),
				lastTx,
				r.UpdatedAt.Format(time.RFC3339),
			)
		}
		if err := ledger.Render(); err != nil {
			return err
		}
	}

	if len(events) > 0 {
		tbl := tablewriter.NewWriter(w)
		tbl.Header("At", "Event", "Position", "Tx")
		for _, ev := range events {
			tbl.Append(ev.At.Format(time.RFC3339), string(ev.Kind), ev.Position, ev.TxReference)
		}
		if err := tbl.Render(); err != nil {
			return err
		}
	}
	return nil
}

// renderOpen prints the legs of a freshly created position.
func renderOpen(w io.Writer, res *orchestrator.MultiLegResult) error {
	tbl := tablewriter.NewWriter(w)
	tbl.Header("Leg", "Range", "Amount", "Side", "Mode", "Address")
	for _, leg := range res.Plan.Legs {
		tbl.Append(
			fmt.Sprintf("%d", leg.Index),
			leg.Range().String(),
			leg.AllocatedAmount.String(),
			string(leg.Side),
			string(leg.Mode),
			leg.Address,
		)
	}
	for _, aug := range res.Augments {
		status := "ok"
		if !aug.Success {
			status = "failed"
		}
		tbl.Append(
			fmt.Sprintf("%d+", aug.LegIndex),
			"",
			aug.Amount.String(),
			"",
			string(aug.Mode),
			aug.Address+" ("+status+")",
		)
	}
	return tbl.Render()
}
