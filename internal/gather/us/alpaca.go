package us

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/civil"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"volharvest/internal/domain"
	"volharvest/internal/gather"
	"volharvest/internal/util"
)

// ---------------------------------------------------------------------------
// Compile-time interface checks
// ---------------------------------------------------------------------------

var _ gather.Provider = (*AlpacaProvider)(nil)
var _ gather.Gatherer = (*DailyBarGatherer)(nil)

// marketDataClient is the part of *marketdata.Client the provider uses.
type marketDataClient interface {
	GetBars(symbol string, req marketdata.GetBarsRequest) ([]marketdata.Bar, error)
	GetMultiBars(symbols []string, req marketdata.GetBarsRequest) (map[string][]marketdata.Bar, error)
	GetCorporateActions(req marketdata.GetCorporateActionsRequest) (marketdata.CorporateActions, error)
}

// AlpacaOptions configures an AlpacaProvider.
type AlpacaOptions struct {
	APIKey          string
	APISecret       string
	DataURL         string // empty for the default market-data endpoint
	Feed            string // "sip" or "iex"; empty is "sip"
	RateLimitPerMin int    // 0 disables client-side limiting
	MaxAttempts     int    // per request; 0 is 3
}

// ---------------------------------------------------------------------------
// AlpacaProvider: split-adjusted daily bars and cash dividends.
// ---------------------------------------------------------------------------

// AlpacaProvider fetches split-adjusted daily bars and cash dividends from
// the Alpaca market-data API. Requests are rate limited and retried.
type AlpacaProvider struct {
	client   marketDataClient
	feed     marketdata.Feed
	limiter  *util.RateLimiter
	cal      *util.TradingCalendar
	attempts int
	backoff  time.Duration
	log      *slog.Logger
}

// NewAlpacaProvider creates a provider with the given credentials.
func NewAlpacaProvider(opts AlpacaOptions) *AlpacaProvider {
	clientOpts := marketdata.ClientOpts{
		APIKey:    opts.APIKey,
		APISecret: opts.APISecret,
	}
	if opts.DataURL != "" {
		clientOpts.BaseURL = opts.DataURL
	}
	return newAlpacaProvider(marketdata.NewClient(clientOpts), opts)
}

func newAlpacaProvider(client marketDataClient, opts AlpacaOptions) *AlpacaProvider {
	feed := opts.Feed
	if feed == "" {
		feed = "sip"
	}
	attempts := opts.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	return &AlpacaProvider{
		client:   client,
		feed:     marketdata.Feed(feed),
		limiter:  util.NewRateLimiter(opts.RateLimitPerMin),
		cal:      util.NewTradingCalendar(),
		attempts: attempts,
		backoff:  time.Second,
		log:      slog.Default().With("provider", "alpaca"),
	}
}

func (p *AlpacaProvider) barsRequest(start, end time.Time) marketdata.GetBarsRequest {
	return marketdata.GetBarsRequest{
		TimeFrame:  marketdata.OneDay,
		Adjustment: marketdata.Split,
		Start:      start,
		End:        end.AddDate(0, 0, 1), // end is a date; include its bar
		Feed:       p.feed,
	}
}

// call rate-limits and retries fn.
func (p *AlpacaProvider) call(ctx context.Context, fn func() error) error {
	return util.Retry(ctx, p.attempts, p.backoff, func() error {
		if err := p.limiter.Wait(ctx); err != nil {
			return util.Permanent(err)
		}
		return fn()
	})
}

// GetPrices returns split-adjusted daily bars for symbol within
// [start, end], dated at UTC midnight of the New York trading day.
func (p *AlpacaProvider) GetPrices(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error) {
	if end.Before(start) {
		return nil, fmt.Errorf("alpaca bars %s: end %s before start %s", symbol, end.Format("2006-01-02"), start.Format("2006-01-02"))
	}
	symbol = strings.ToUpper(symbol)

	var raw []marketdata.Bar
	err := p.call(ctx, func() error {
		var err error
		raw, err = p.client.GetBars(symbol, p.barsRequest(start, end))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("alpaca bars %s: %w", symbol, err)
	}
	return p.convertBars(symbol, raw, start, end), nil
}

// GetMultiPrices fetches bars for several symbols in one request. Symbols
// without data are absent from the result.
func (p *AlpacaProvider) GetMultiPrices(ctx context.Context, symbols []string, start, end time.Time) (map[string][]domain.Bar, error) {
	var raw map[string][]marketdata.Bar
	err := p.call(ctx, func() error {
		var err error
		raw, err = p.client.GetMultiBars(symbols, p.barsRequest(start, end))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("alpaca multi-bars: %w", err)
	}
	out := make(map[string][]domain.Bar, len(raw))
	for sym, bars := range raw {
		sym = strings.ToUpper(sym)
		if conv := p.convertBars(sym, bars, start, end); len(conv) > 0 {
			out[sym] = conv
		}
	}
	return out, nil
}

// convertBars maps vendor bars to domain bars, keeping [start, end] and
// dropping any repeated date.
func (p *AlpacaProvider) convertBars(symbol string, raw []marketdata.Bar, start, end time.Time) []domain.Bar {
	bars := make([]domain.Bar, 0, len(raw))
	for _, ab := range raw {
		date := p.cal.Date(ab.Timestamp)
		if date.Before(start) || date.After(end) {
			continue
		}
		bars = append(bars, domain.Bar{
			Symbol: symbol,
			Date:   date,
			Open:   ab.Open,
			High:   ab.High,
			Low:    ab.Low,
			Close:  ab.Close,
			Volume: int64(ab.Volume),
		})
	}
	sort.SliceStable(bars, func(i, j int) bool { return bars[i].Date.Before(bars[j].Date) })

	out := bars[:0]
	for i, b := range bars {
		if i > 0 && b.Date.Equal(out[len(out)-1].Date) {
			continue
		}
		out = append(out, b)
	}
	return out
}

// GetDividends returns cash dividends of symbol with ex-date in [start, end].
func (p *AlpacaProvider) GetDividends(ctx context.Context, symbol string, start, end time.Time) ([]domain.Dividend, error) {
	symbol = strings.ToUpper(symbol)
	var actions marketdata.CorporateActions
	err := p.call(ctx, func() error {
		var err error
		actions, err = p.client.GetCorporateActions(marketdata.GetCorporateActionsRequest{
			Symbols: []string{symbol},
			Types:   []string{"cash_dividend"},
			Start:   civil.DateOf(start),
			End:     civil.DateOf(end),
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("alpaca dividends %s: %w", symbol, err)
	}

	divs := make([]domain.Dividend, 0, len(actions.CashDividends))
	for _, cd := range actions.CashDividends {
		if cd.Rate <= 0 {
			continue
		}
		divs = append(divs, domain.Dividend{
			Symbol: symbol,
			ExDate: cd.ExDate.In(time.UTC),
			Amount: cd.Rate,
		})
	}
	sort.Slice(divs, func(i, j int) bool { return divs[i].ExDate.Before(divs[j].ExDate) })
	return divs, nil
}

// ---------------------------------------------------------------------------
// DailyBarGatherer: fills the local cache for a watch list.
// ---------------------------------------------------------------------------

// DailyBarGatherer gathers daily bars and dividends for a list of US
// symbols and writes them to the cache. A pass is resumable: symbols
// finished for the same end date are skipped.
type DailyBarGatherer struct {
	provider   *AlpacaProvider
	cache      gather.Cache
	symbols    []string
	start      time.Time
	batchSize  int // symbols per multi-bar request
	maxWorkers int
	stateDir   string // where the progress file lives

	// End is the last date gathered. Zero means the latest finished
	// trading day, from the trading calendar API when EndResolver is set
	// and the weekday calendar otherwise.
	End         time.Time
	EndResolver func() (time.Time, error)

	log *slog.Logger
}

// NewDailyBarGatherer creates a DailyBarGatherer writing to cache.
func NewDailyBarGatherer(p *AlpacaProvider, cache gather.Cache, symbols []string, start time.Time, batchSize, maxWorkers int, stateDir string) *DailyBarGatherer {
	return &DailyBarGatherer{
		provider:   p,
		cache:      cache,
		symbols:    NormalizeSymbols(symbols),
		start:      start,
		batchSize:  max(batchSize, 1),
		maxWorkers: max(maxWorkers, 1),
		stateDir:   stateDir,
		log:        slog.Default().With("gatherer", "us-daily"),
	}
}

// Name returns the gatherer identifier.
func (g *DailyBarGatherer) Name() string { return "us-daily" }

func (g *DailyBarGatherer) endDate() (time.Time, error) {
	if !g.End.IsZero() {
		return g.End, nil
	}
	if g.EndResolver != nil {
		return g.EndResolver()
	}
	return g.provider.cal.LastClosedDay(time.Now()), nil
}

// Run fetches every symbol not yet handled for the current end date.
// Failed batches are logged and left for the next pass.
func (g *DailyBarGatherer) Run(ctx context.Context) error {
	endDate, err := g.endDate()
	if err != nil {
		return fmt.Errorf("determining end date: %w", err)
	}
	endDateStr := endDate.Format("2006-01-02")

	tracker, err := newProgressTracker(g.stateDir, endDateStr)
	if err != nil {
		return fmt.Errorf("creating progress tracker: %w", err)
	}
	defer tracker.Close()

	var remaining []string
	for _, sym := range g.symbols {
		if !tracker.Done(sym) {
			remaining = append(remaining, sym)
		}
	}
	if len(remaining) == 0 {
		g.log.Info("already completed", "endDate", endDateStr)
		return nil
	}

	var batches [][]string
	for i := 0; i < len(remaining); i += g.batchSize {
		batches = append(batches, remaining[i:min(i+g.batchSize, len(remaining))])
	}
	g.log.Info("starting us-daily",
		"endDate", endDateStr,
		"total", len(g.symbols),
		"remaining", len(remaining),
		"batches", len(batches),
	)

	batchCh := make(chan int, len(batches))
	for i := range batches {
		batchCh <- i
	}
	close(batchCh)

	var (
		wg       sync.WaitGroup
		failMu   sync.Mutex
		failed   int
		runStart = time.Now()
	)
	for w := 0; w < min(g.maxWorkers, len(batches)); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range batchCh {
				if ctx.Err() != nil {
					return
				}
				if err := g.gatherBatch(ctx, batches[idx], endDate, tracker); err != nil {
					if errors.Is(err, context.Canceled) {
						return
					}
					failMu.Lock()
					failed++
					failMu.Unlock()
					g.log.Error("batch failed", "batch", fmt.Sprintf("%d/%d", idx+1, len(batches)), "err", err)
				}
			}
		}()
	}
	wg.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	hits, empty := tracker.Counts()
	g.log.Info("complete",
		"hits", hits,
		"empty", empty,
		"failedBatches", failed,
		"elapsed", time.Since(runStart).Round(time.Second),
	)
	if failed > 0 {
		return fmt.Errorf("%d of %d batches failed", failed, len(batches))
	}
	return nil
}

func (g *DailyBarGatherer) gatherBatch(ctx context.Context, batch []string, end time.Time, tracker *progressTracker) error {
	bySymbol, err := g.provider.GetMultiPrices(ctx, batch, g.start, end)
	if err != nil {
		return err
	}
	for _, sym := range batch {
		bars := bySymbol[sym]
		if len(bars) > 0 {
			if err := g.cache.WriteBars(ctx, domain.MarketUS, bars); err != nil {
				return fmt.Errorf("writing bars for %s: %w", sym, err)
			}
			divs, err := g.provider.GetDividends(ctx, sym, g.start, end)
			if err != nil {
				return err
			}
			if err := g.cache.WriteDividends(ctx, domain.MarketUS, divs); err != nil {
				return fmt.Errorf("writing dividends for %s: %w", sym, err)
			}
			if err := g.cache.TouchDividends(domain.MarketUS, sym); err != nil {
				return err
			}
		}
		if err := tracker.Mark(sym, len(bars) > 0); err != nil {
			return err
		}
	}
	return nil
}
