// Package domain holds the value types shared by the simulation core, the
// stores, and the front ends.
package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Market identifies the exchange group a symbol trades on. It is used for
// the on-disk cache layout.
type Market string

const MarketUS Market = "us"

// Bar is one daily OHLCV record.
type Bar struct {
	Symbol string
	Date   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume int64
}

// ErrInvalidBar is returned by Bar.Validate.
var ErrInvalidBar = errors.New("invalid bar")

// Validate checks low <= open, close <= high and that all prices are
// positive.
func (b Bar) Validate() error {
	if b.Low <= 0 || b.Open <= 0 || b.High <= 0 || b.Close <= 0 {
		return fmt.Errorf("%w: %s %s non-positive price", ErrInvalidBar, b.Symbol, b.Date.Format("2006-01-02"))
	}
	if b.Low > b.Open || b.Low > b.Close || b.High < b.Open || b.High < b.Close {
		return fmt.Errorf("%w: %s %s range [%g, %g] excludes open %g / close %g",
			ErrInvalidBar, b.Symbol, b.Date.Format("2006-01-02"), b.Low, b.High, b.Open, b.Close)
	}
	return nil
}

// Dividend is a cash distribution per share, payable to holders on ExDate.
type Dividend struct {
	Symbol string
	ExDate time.Time
	Amount float64
}

// Action is the kind of a ledger transaction. Values are stable; they are
// persisted and exported.
type Action string

const (
	ActionBuy        Action = "BUY"
	ActionSell       Action = "SELL"
	ActionDividend   Action = "DIVIDEND"
	ActionWithdrawal Action = "WITHDRAWAL"
	ActionSkipBuy    Action = "SKIP_BUY"
)

// Actions lists every action in reporting order.
var Actions = []Action{ActionBuy, ActionSell, ActionDividend, ActionWithdrawal, ActionSkipBuy}

// Transaction is one entry of the append-only audit log.
//
// Amount is the signed cash effect: negative for buys and withdrawals,
// positive for sells and dividends, zero for skipped buys. Summing Amount
// over the log reproduces the cash balance.
type Transaction struct {
	Date      time.Time
	Action    Action
	Quantity  int64
	Price     float64
	Amount    decimal.Decimal
	Iteration int // position within the bar, 0 for the first event
	Note      string
}

func (t Transaction) String() string {
	return fmt.Sprintf("%s %-10s %6d @ %10.4f  %14s  %s",
		t.Date.Format("2006-01-02"), t.Action, t.Quantity, t.Price, t.Amount.StringFixed(2), t.Note)
}

// Lot is a block of shares bought back during a dip.
type Lot struct {
	Quantity int64
	Price    float64
	Date     time.Time
}

// Snapshot is the end-of-day account state.
type Snapshot struct {
	Date       time.Time
	Close      float64
	Cash       decimal.Decimal
	Holdings   int64
	StackDepth int64
	Anchor     float64
	ATH        float64
	TotalValue decimal.Decimal
}
