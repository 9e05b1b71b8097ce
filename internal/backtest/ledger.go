package backtest

import (
	"github.com/shopspring/decimal"

	"volharvest/internal/domain"
)

// Ledger is the account: cash, share count, and the running totals the
// summary reports. Every cash movement goes through Apply.
type Ledger struct {
	mode   CashMode
	cash   decimal.Decimal
	shares int64

	minCash decimal.Decimal
	maxCash decimal.Decimal
	tracked bool // extremes start with the first transaction

	Dividends   decimal.Decimal
	Withdrawn   decimal.Decimal
	Shortfall   decimal.Decimal // withdrawal need that could not be funded
	ForcedSales decimal.Decimal // proceeds of sales made to fund withdrawals

	OpportunityCost float64
	InterestEarned  float64
}

// NewLedger opens an account holding cash and no shares.
func NewLedger(mode CashMode, cash decimal.Decimal) *Ledger {
	return &Ledger{mode: mode, cash: cash}
}

// Cash returns the current balance. It may be negative in margin mode.
func (l *Ledger) Cash() decimal.Decimal { return l.cash }

// Shares returns the total share count.
func (l *Ledger) Shares() int64 { return l.shares }

// MinCash and MaxCash return the extremes the balance has reached after
// any transaction.
func (l *Ledger) MinCash() decimal.Decimal { return l.minCash }
func (l *Ledger) MaxCash() decimal.Decimal { return l.maxCash }

// CanAfford reports whether a debit of amount is allowed. Margin mode
// always allows it.
func (l *Ledger) CanAfford(amount decimal.Decimal) bool {
	return l.mode == Margin || l.cash.GreaterThanOrEqual(amount)
}

// Apply books the cash and share effect of tx.
func (l *Ledger) Apply(tx domain.Transaction) {
	l.cash = l.cash.Add(tx.Amount)
	switch tx.Action {
	case domain.ActionBuy:
		l.shares += tx.Quantity
	case domain.ActionSell:
		l.shares -= tx.Quantity
	case domain.ActionDividend:
		l.Dividends = l.Dividends.Add(tx.Amount)
	case domain.ActionWithdrawal:
		l.Withdrawn = l.Withdrawn.Sub(tx.Amount)
	}
	if !l.tracked || l.cash.LessThan(l.minCash) {
		l.minCash = l.cash
	}
	if !l.tracked || l.cash.GreaterThan(l.maxCash) {
		l.maxCash = l.cash
	}
	l.tracked = true
}

// Accrue adds days of borrow cost on a negative balance, or of yield on a
// positive one. Rates are annual.
func (l *Ledger) Accrue(days int, borrowRate, cashYield float64) {
	if days <= 0 {
		return
	}
	c := l.cash.InexactFloat64()
	switch {
	case c < 0 && borrowRate > 0:
		l.OpportunityCost += -c * borrowRate / 365 * float64(days)
	case c > 0 && cashYield > 0:
		l.InterestEarned += c * cashYield / 365 * float64(days)
	}
}

// amount is the unsigned cash value of qty shares at price.
func amount(qty int64, price float64) decimal.Decimal {
	return decimal.NewFromFloat(price).Mul(decimal.NewFromInt(qty))
}
