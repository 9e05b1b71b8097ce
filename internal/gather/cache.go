package gather

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"volharvest/internal/domain"
)

// DefaultTolerance is how far the cached series may start after the
// requested start, or end before the requested end, and still count as
// complete. It covers weekends and exchange holidays.
const DefaultTolerance = 5 * 24 * time.Hour

// CachingProvider serves reads from a local cache and falls back to a
// remote provider when the cache does not cover the requested range.
// Fetched data is written through to the cache.
type CachingProvider struct {
	Cache     Cache
	Remote    Provider
	Market    domain.Market
	Tolerance time.Duration

	now func() time.Time
	log *slog.Logger
}

// Compile-time interface check.
var _ Provider = (*CachingProvider)(nil)

// NewCachingProvider creates a CachingProvider for the US market. remote
// may be nil, in which case only cached data is served.
func NewCachingProvider(cache Cache, remote Provider) *CachingProvider {
	return &CachingProvider{
		Cache:     cache,
		Remote:    remote,
		Market:    domain.MarketUS,
		Tolerance: DefaultTolerance,
		now:       time.Now,
		log:       slog.Default().With("component", "provider-cache"),
	}
}

// GetPrices returns cached bars when they cover [start, end], and fetches
// the whole range from the remote provider otherwise.
func (p *CachingProvider) GetPrices(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error) {
	cached, err := p.Cache.GetPrices(ctx, symbol, start, end)
	if err != nil {
		return nil, fmt.Errorf("reading cache for %s: %w", symbol, err)
	}
	if p.covers(cached, start, end) || p.Remote == nil {
		if len(cached) == 0 {
			return nil, fmt.Errorf("%s %s..%s: %w", symbol, start.Format("2006-01-02"), end.Format("2006-01-02"), ErrNoData)
		}
		return cached, nil
	}

	p.log.Info("cache miss", "symbol", symbol, "cached", len(cached))
	bars, err := p.Remote.GetPrices(ctx, symbol, start, end)
	if err != nil {
		return nil, err
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("%s %s..%s: %w", symbol, start.Format("2006-01-02"), end.Format("2006-01-02"), ErrNoData)
	}
	if err := p.Cache.WriteBars(ctx, p.Market, bars); err != nil {
		return nil, fmt.Errorf("caching bars for %s: %w", symbol, err)
	}
	return bars, nil
}

// GetDividends returns cached dividends when the symbol has been gathered
// and its bars cover the range; otherwise it fetches and caches them.
func (p *CachingProvider) GetDividends(ctx context.Context, symbol string, start, end time.Time) ([]domain.Dividend, error) {
	if p.Remote == nil || p.Cache.HasDividends(p.Market, symbol) {
		bars, err := p.Cache.GetPrices(ctx, symbol, start, end)
		if err != nil {
			return nil, err
		}
		if p.Remote == nil || p.covers(bars, start, end) {
			return p.Cache.GetDividends(ctx, symbol, start, end)
		}
	}

	divs, err := p.Remote.GetDividends(ctx, symbol, start, end)
	if err != nil {
		return nil, err
	}
	if err := p.Cache.WriteDividends(ctx, p.Market, divs); err != nil {
		return nil, fmt.Errorf("caching dividends for %s: %w", symbol, err)
	}
	if err := p.Cache.TouchDividends(p.Market, symbol); err != nil {
		return nil, err
	}
	return divs, nil
}

// covers reports whether bars span [start, end] up to the tolerance. An
// end in the future is clamped to now.
func (p *CachingProvider) covers(bars []domain.Bar, start, end time.Time) bool {
	if len(bars) == 0 {
		return false
	}
	if now := p.now(); end.After(now) {
		end = now
	}
	first, last := bars[0].Date, bars[len(bars)-1].Date
	return !first.After(start.Add(p.Tolerance)) && !last.Before(end.Add(-p.Tolerance))
}
