// Package store defines storage interfaces for market data and backtest
// results, with a Parquet implementation for bars and dividends and a
// SQLite implementation for runs.
package store

import (
	"context"
	"errors"
	"time"

	"volharvest/internal/backtest"
	"volharvest/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// BarStore persists and retrieves daily OHLCV bars.
type BarStore interface {
	// WriteBars persists a batch of bars to storage.
	WriteBars(ctx context.Context, market domain.Market, bars []domain.Bar) error

	// ReadBars returns bars for the given symbol and market within [start, end],
	// in date order.
	ReadBars(ctx context.Context, market domain.Market, symbol string, start, end time.Time) ([]domain.Bar, error)

	// ListSymbols returns all distinct symbols available in the given market.
	ListSymbols(ctx context.Context, market domain.Market) ([]string, error)
}

// DividendStore persists and retrieves cash dividends.
type DividendStore interface {
	WriteDividends(ctx context.Context, market domain.Market, divs []domain.Dividend) error
	ReadDividends(ctx context.Context, market domain.Market, symbol string, start, end time.Time) ([]domain.Dividend, error)
}

// RunInfo is the stored header of one backtest run.
type RunInfo struct {
	ID        string
	Symbol    string
	Algorithm string
	CreatedAt time.Time
	Config    backtest.Config
	Summary   backtest.Summary
}

// ResultStore persists completed backtest runs.
type ResultStore interface {
	// SaveRun stores res and returns the new run ID.
	SaveRun(ctx context.Context, res *backtest.Result) (string, error)

	// GetRun returns the run with the given ID, or ErrNotFound.
	GetRun(ctx context.Context, id string) (*RunInfo, error)

	// ListRuns returns runs newest first. An empty symbol lists all runs.
	ListRuns(ctx context.Context, symbol string) ([]RunInfo, error)

	// ListTransactions returns the transaction log of a run in order.
	ListTransactions(ctx context.Context, runID string) ([]domain.Transaction, error)
}
