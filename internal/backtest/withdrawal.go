package backtest

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"volharvest/internal/domain"
)

// PriceIndex is a step function over a bar series, used to inflation-adjust
// withdrawals.
type PriceIndex struct {
	dates  []time.Time
	values []float64
}

// NewPriceIndex builds an index from the closes of bars. The input need not
// be sorted.
func NewPriceIndex(bars []domain.Bar) *PriceIndex {
	sorted := make([]domain.Bar, len(bars))
	copy(sorted, bars)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Date.Before(sorted[j].Date) })

	idx := &PriceIndex{
		dates:  make([]time.Time, len(sorted)),
		values: make([]float64, len(sorted)),
	}
	for i, b := range sorted {
		idx.dates[i] = b.Date
		idx.values[i] = b.Close
	}
	return idx
}

// At returns the last value at or before date. Dates before the first
// point return the first value; an empty index returns 0.
func (p *PriceIndex) At(date time.Time) float64 {
	if p == nil || len(p.values) == 0 {
		return 0
	}
	i := sort.Search(len(p.dates), func(i int) bool { return p.dates[i].After(date) })
	if i == 0 {
		return p.values[0]
	}
	return p.values[i-1]
}

// WithdrawalPolicy withdraws a fixed share of the initial portfolio value
// every CadenceDays calendar days. The zero value never withdraws.
type WithdrawalPolicy struct {
	AnnualRate  float64 // e.g. 0.04 for 4% a year
	CadenceDays int
	Index       *PriceIndex `json:"-"` // optional inflation adjustment
}

// Enabled reports whether the policy ever withdraws.
func (p WithdrawalPolicy) Enabled() bool {
	return p.AnnualRate > 0 && p.CadenceDays > 0
}

// Due reports whether a withdrawal falls on date given the date of the
// previous one (or the start date).
func (p WithdrawalPolicy) Due(last, date time.Time) bool {
	return p.Enabled() && !date.Before(last.AddDate(0, 0, p.CadenceDays))
}

// Amount is the cash need for one withdrawal on date, rounded to cents:
// initial × rate × cadence/365, scaled by index(date)/index(start).
func (p WithdrawalPolicy) Amount(initialValue float64, start, date time.Time) decimal.Decimal {
	amt := initialValue * p.AnnualRate * float64(p.CadenceDays) / 365
	if p.Index != nil {
		base, cur := p.Index.At(start), p.Index.At(date)
		if base > 0 && cur > 0 {
			amt *= cur / base
		}
	}
	return decimal.NewFromFloat(amt).Round(2)
}
