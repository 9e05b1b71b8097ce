package backtest

import (
	"errors"
	"fmt"
	"strings"

	"volharvest/internal/algo"
)

// CashMode decides whether the cash balance may go negative.
type CashMode int

const (
	// Margin lets the balance go negative; the debt accrues opportunity
	// cost at Config.BorrowRate.
	Margin CashMode = iota
	// Strict records a SKIP_BUY instead of any buy that would overdraw.
	Strict
)

func (m CashMode) String() string {
	if m == Strict {
		return "strict"
	}
	return "margin"
}

// ParseCashMode accepts "margin" or "strict". The empty string is margin.
func ParseCashMode(s string) (CashMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "margin":
		return Margin, nil
	case "strict":
		return Strict, nil
	}
	return Margin, fmt.Errorf("%w: unknown cash mode %q", ErrInvalidConfig, s)
}

// ErrInvalidConfig is returned for configuration errors detected before
// any bar is processed.
var ErrInvalidConfig = errors.New("invalid backtest config")

// Config parameterizes one run.
type Config struct {
	Symbol            string
	Algorithm         algo.Algorithm
	InitialInvestment float64
	CashMode          CashMode
	LotPolicy         algo.LotPolicy

	// Annual rates, accrued per calendar day. They are reported in the
	// summary and never booked to cash.
	BorrowRate float64
	CashYield  float64

	Withdrawal WithdrawalPolicy

	// Baseline also runs the ATH-only variant with the same bracket and
	// profit sharing on the same bars to compute volatility alpha.
	Baseline bool
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := c.Algorithm.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.InitialInvestment <= 0 {
		return fmt.Errorf("%w: initial investment must be > 0", ErrInvalidConfig)
	}
	if c.BorrowRate < 0 || c.CashYield < 0 {
		return fmt.Errorf("%w: rates must be >= 0", ErrInvalidConfig)
	}
	if c.Withdrawal.AnnualRate < 0 || c.Withdrawal.CadenceDays < 0 {
		return fmt.Errorf("%w: withdrawal rate and cadence must be >= 0", ErrInvalidConfig)
	}
	if c.Withdrawal.AnnualRate > 0 && c.Withdrawal.CadenceDays == 0 {
		return fmt.Errorf("%w: withdrawal cadence_days is required with a withdrawal rate", ErrInvalidConfig)
	}
	return nil
}
