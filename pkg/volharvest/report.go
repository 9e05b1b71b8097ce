package volharvest

import (
	"fmt"
	"io"
	"text/tabwriter"
)

// actionOrder is the reporting order of transaction counts.
var actionOrder = []string{"BUY", "SELL", "DIVIDEND", "WITHDRAWAL", "SKIP_BUY"}

// WriteSummary prints a run summary as an aligned two-column table.
func WriteSummary(w io.Writer, symbol, algorithm string, s Summary) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	row := func(label, format string, args ...any) {
		fmt.Fprintf(tw, "%s\t"+format+"\n", append([]any{label}, args...)...)
	}

	row("symbol", "%s", symbol)
	row("algorithm", "%s", algorithm)
	row("period", "%s .. %s", s.StartDate, s.EndDate)
	row("start value", "%.2f", s.StartValue)
	row("end value", "%.2f", s.EndValue)
	row("total return", "%s", pct(s.TotalReturn))
	row("annualized", "%s", pct(s.AnnualizedReturn))
	row("realized alpha", "%s", pct(s.RealizedAlpha))
	row("unrealized alpha", "%s", pct(s.UnrealizedAlpha))
	if s.HasBaseline {
		row("baseline return", "%s", pct(s.BaselineReturn))
		row("volatility alpha", "%s", pct(s.VolatilityAlpha))
	}
	row("cash min/mean/max", "%.2f / %.2f / %.2f", s.CashMin, s.CashMean, s.CashMax)
	row("capital utilization", "%s", pct(s.CapitalUtilization))
	if s.OpportunityCost != 0 || s.InterestEarned != 0 {
		row("opportunity cost", "%.2f", s.OpportunityCost)
		row("interest earned", "%.2f", s.InterestEarned)
	}
	if s.Dividends != 0 {
		row("dividends", "%.2f", s.Dividends)
	}
	if s.Withdrawn != 0 || s.WithdrawalShortfall != 0 {
		row("withdrawn", "%.2f", s.Withdrawn)
		row("shortfall", "%.2f", s.WithdrawalShortfall)
		row("coverage ratio", "%.3f", s.CoverageRatio)
	}
	for _, a := range actionOrder {
		row(a, "%d", s.Counts[a])
	}
	row("final holdings", "%d", s.FinalHoldings)
	row("final stack depth", "%d", s.FinalStackDepth)
	return tw.Flush()
}

// WriteSweepHeader prints the column header for WriteSweepRow.
func WriteSweepHeader(w io.Writer) error {
	_, err := fmt.Fprintf(w, "%4s  %-18s %10s %10s %10s %10s %8s %8s\n",
		"rank", "algorithm", "return", "annual", "realized", "vol-alpha", "buys", "sells")
	return err
}

// WriteSweepRow prints one sweep result.
func WriteSweepRow(w io.Writer, r SweepRow) error {
	vol := "-"
	if r.Summary.HasBaseline {
		vol = pct(r.Summary.VolatilityAlpha)
	}
	_, err := fmt.Fprintf(w, "%4d  %-18s %10s %10s %10s %10s %8d %8d\n",
		r.Rank, r.Algorithm,
		pct(r.Summary.TotalReturn), pct(r.Summary.AnnualizedReturn), pct(r.Summary.RealizedAlpha), vol,
		r.Summary.Counts["BUY"], r.Summary.Counts["SELL"])
	return err
}

// WriteTransactions prints a transaction log, one entry per line.
func WriteTransactions(w io.Writer, txs []Transaction) error {
	for _, t := range txs {
		if _, err := fmt.Fprintf(w, "%s %-10s %6d @ %10.4f  %14s  %s\n",
			t.Date, t.Action, t.Quantity, t.Price, t.Amount, t.Note); err != nil {
			return err
		}
	}
	return nil
}

func pct(f float64) string { return fmt.Sprintf("%.2f%%", f*100) }
