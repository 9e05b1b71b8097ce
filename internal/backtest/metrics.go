package backtest

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"volharvest/internal/domain"
)

// Summary is the set of metrics derived from a finished run.
type Summary struct {
	StartDate  time.Time
	EndDate    time.Time
	StartValue float64
	EndValue   float64

	TotalReturn      float64
	AnnualizedReturn float64

	// Buyback profit, as a fraction of the start value.
	RealizedAlpha   float64
	UnrealizedAlpha float64

	// Set when the run had an ATH-only baseline.
	HasBaseline     bool
	BaselineReturn  float64
	VolatilityAlpha float64

	// (dividends + net trading cash) / withdrawn. Zero when nothing was
	// withdrawn.
	CoverageRatio float64
	// Mean daily share of the portfolio held in stock.
	CapitalUtilization float64

	Counts map[domain.Action]int

	CashMin  float64
	CashMean float64
	CashMax  float64

	Dividends           float64
	Withdrawn           float64
	WithdrawalShortfall float64
	OpportunityCost     float64
	InterestEarned      float64

	FinalHoldings   int64
	FinalStackDepth int64
}

func summarize(res *Result, l *Ledger) Summary {
	sum := Summary{
		StartValue: res.Config.InitialInvestment,
		Counts:     make(map[domain.Action]int, len(domain.Actions)),
	}

	for _, a := range domain.Actions {
		sum.Counts[a] = 0
	}

	// Trading cash excludes the initial purchase and withdrawal funding.
	trading := decimal.Zero
	for _, tx := range res.Transactions {
		sum.Counts[tx.Action]++
		switch {
		case tx.Action == domain.ActionBuy && tx.Note != NoteInitial:
			trading = trading.Add(tx.Amount)
		case tx.Action == domain.ActionSell && tx.Note != NoteWithdrawalSale:
			trading = trading.Add(tx.Amount)
		}
	}

	snaps := res.Snapshots
	if len(snaps) > 0 {
		first, last := snaps[0], snaps[len(snaps)-1]
		sum.StartDate, sum.EndDate = first.Date, last.Date
		sum.EndValue = last.TotalValue.InexactFloat64()
		sum.FinalHoldings = last.Holdings
		sum.FinalStackDepth = last.StackDepth

		if sum.StartValue > 0 {
			sum.TotalReturn = sum.EndValue/sum.StartValue - 1
			sum.UnrealizedAlpha = res.UnrealizedProfit / sum.StartValue
			years := last.Date.Sub(first.Date).Hours() / 24 / 365.25
			if years > 0 && sum.EndValue > 0 {
				sum.AnnualizedReturn = math.Pow(sum.EndValue/sum.StartValue, 1/years) - 1
			}
		}

		var cashTotal, utilTotal float64
		var utilDays int
		for _, sn := range snaps {
			cash := sn.Cash.InexactFloat64()
			cashTotal += cash
			held := float64(sn.Holdings) * sn.Close
			if denom := held + math.Max(cash, 0); denom > 0 {
				utilTotal += held / denom
				utilDays++
			}
		}
		sum.CashMean = cashTotal / float64(len(snaps))
		if utilDays > 0 {
			sum.CapitalUtilization = utilTotal / float64(utilDays)
		}
	}
	if sum.StartValue > 0 {
		sum.RealizedAlpha = res.RealizedProfit / sum.StartValue
	}

	sum.CashMin = l.MinCash().InexactFloat64()
	sum.CashMax = l.MaxCash().InexactFloat64()
	sum.Dividends = l.Dividends.InexactFloat64()
	sum.Withdrawn = l.Withdrawn.InexactFloat64()
	sum.WithdrawalShortfall = l.Shortfall.InexactFloat64()
	sum.OpportunityCost = l.OpportunityCost
	sum.InterestEarned = l.InterestEarned

	if sum.Withdrawn > 0 {
		sum.CoverageRatio = (sum.Dividends + trading.InexactFloat64()) / sum.Withdrawn
	}
	return sum
}
