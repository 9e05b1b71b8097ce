// Package gather fetches daily price and dividend history and keeps the
// local cache filled.
package gather

import (
	"context"
	"errors"
	"time"

	"volharvest/internal/domain"
)

// ErrNoData is returned when a provider has no bars for a symbol in the
// requested range.
var ErrNoData = errors.New("no data")

// Gatherer is the interface for all data gathering processes.
type Gatherer interface {
	// Name returns the gatherer identifier.
	Name() string
	// Run performs one gathering pass. It returns early when ctx is
	// cancelled.
	Run(ctx context.Context) error
}

// DateRange represents a time range for data fetching.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// Provider supplies daily history for one symbol. Bars are returned in
// strictly increasing date order with dates at UTC midnight.
type Provider interface {
	GetPrices(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error)
	GetDividends(ctx context.Context, symbol string, start, end time.Time) ([]domain.Dividend, error)
}

// Cache is the local store a CachingProvider reads from and writes
// through to. store.ParquetStore implements it.
type Cache interface {
	Provider
	WriteBars(ctx context.Context, market domain.Market, bars []domain.Bar) error
	WriteDividends(ctx context.Context, market domain.Market, divs []domain.Dividend) error
	HasDividends(market domain.Market, symbol string) bool
	TouchDividends(market domain.Market, symbol string) error
}
