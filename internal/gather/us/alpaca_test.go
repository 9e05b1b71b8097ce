package us

import (
	"context"
	"errors"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"volharvest/internal/domain"
	"volharvest/internal/store"
)

type fakeClient struct {
	bars     map[string][]marketdata.Bar
	divs     []marketdata.CashDividend
	failures int // calls that fail before succeeding
	calls    int
	lastReq  marketdata.GetBarsRequest
}

func (f *fakeClient) fail() error {
	f.calls++
	if f.failures > 0 {
		f.failures--
		return errors.New("503 service unavailable")
	}
	return nil
}

func (f *fakeClient) GetBars(symbol string, req marketdata.GetBarsRequest) ([]marketdata.Bar, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	f.lastReq = req
	return f.bars[symbol], nil
}

func (f *fakeClient) GetMultiBars(symbols []string, req marketdata.GetBarsRequest) (map[string][]marketdata.Bar, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	out := make(map[string][]marketdata.Bar)
	for _, s := range symbols {
		if b, ok := f.bars[s]; ok {
			out[s] = b
		}
	}
	return out, nil
}

func (f *fakeClient) GetCorporateActions(req marketdata.GetCorporateActionsRequest) (marketdata.CorporateActions, error) {
	if err := f.fail(); err != nil {
		return marketdata.CorporateActions{}, err
	}
	var out []marketdata.CashDividend
	for _, d := range f.divs {
		if len(req.Symbols) == 1 && d.Symbol == req.Symbols[0] {
			out = append(out, d)
		}
	}
	return marketdata.CorporateActions{CashDividends: out}, nil
}

// nyBar is a daily bar stamped at New York midnight, as the API returns them.
func nyBar(y int, m time.Month, d int, c float64) marketdata.Bar {
	ts := time.Date(y, m, d, 4, 0, 0, 0, time.UTC) // 00:00 EDT
	return marketdata.Bar{Timestamp: ts, Open: c, High: c + 1, Low: c - 1, Close: c, Volume: 1000}
}

func testProvider(c *fakeClient) *AlpacaProvider {
	p := newAlpacaProvider(c, AlpacaOptions{})
	p.backoff = 0
	return p
}

func TestAlpacaProviderGetPrices(t *testing.T) {
	c := &fakeClient{
		failures: 2,
		bars: map[string][]marketdata.Bar{
			"SPY": {
				nyBar(2024, 7, 9, 550),
				nyBar(2024, 7, 8, 549),
				nyBar(2024, 7, 9, 550), // repeated
				nyBar(2024, 7, 10, 555),
			},
		},
	}
	p := testProvider(c)

	start := time.Date(2024, 7, 8, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 7, 10, 0, 0, 0, 0, time.UTC)
	bars, err := p.GetPrices(context.Background(), "spy", start, end)
	if err != nil {
		t.Fatalf("GetPrices: %v", err)
	}
	if c.calls != 3 {
		t.Errorf("client called %d times, want 3 (two retries)", c.calls)
	}
	if len(bars) != 3 {
		t.Fatalf("got %d bars, want 3", len(bars))
	}
	for i, want := range []int{8, 9, 10} {
		if got := bars[i].Date; !got.Equal(time.Date(2024, 7, want, 0, 0, 0, 0, time.UTC)) {
			t.Errorf("bar %d date = %s, want 2024-07-%02d", i, got, want)
		}
	}
	if bars[0].Symbol != "SPY" {
		t.Errorf("Symbol = %q, want SPY", bars[0].Symbol)
	}
	if c.lastReq.Adjustment != marketdata.Split || c.lastReq.TimeFrame != marketdata.OneDay {
		t.Errorf("request = %+v, want split-adjusted daily bars", c.lastReq)
	}

	if _, err := p.GetPrices(context.Background(), "SPY", end, start); err == nil {
		t.Error("GetPrices with end before start succeeded")
	}
}

func TestAlpacaProviderGetDividends(t *testing.T) {
	c := &fakeClient{divs: []marketdata.CashDividend{
		{Symbol: "KO", Rate: 0.485, ExDate: civil.Date{Year: 2024, Month: 6, Day: 14}},
		{Symbol: "KO", Rate: 0.485, ExDate: civil.Date{Year: 2024, Month: 3, Day: 14}},
		{Symbol: "PEP", Rate: 1.355, ExDate: civil.Date{Year: 2024, Month: 6, Day: 7}},
	}}
	p := testProvider(c)

	divs, err := p.GetDividends(context.Background(), "KO",
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("GetDividends: %v", err)
	}
	if len(divs) != 2 {
		t.Fatalf("got %d dividends, want 2", len(divs))
	}
	if !divs[0].ExDate.Equal(time.Date(2024, 3, 14, 0, 0, 0, 0, time.UTC)) || divs[0].Amount != 0.485 {
		t.Errorf("first dividend = %+v", divs[0])
	}
}

func TestDailyBarGathererRun(t *testing.T) {
	c := &fakeClient{
		bars: map[string][]marketdata.Bar{
			"SPY": {nyBar(2024, 7, 8, 549), nyBar(2024, 7, 9, 550)},
			"KO":  {nyBar(2024, 7, 8, 62), nyBar(2024, 7, 9, 63)},
		},
		divs: []marketdata.CashDividend{
			{Symbol: "KO", Rate: 0.485, ExDate: civil.Date{Year: 2024, Month: 7, Day: 9}},
		},
	}
	dir := t.TempDir()
	cache := store.NewParquetStore(dir)
	g := NewDailyBarGatherer(testProvider(c), cache, []string{"spy", "KO", "NOPE"},
		time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC), 2, 2, dir)
	g.End = time.Date(2024, 7, 9, 0, 0, 0, 0, time.UTC)

	if got := g.Name(); got != "us-daily" {
		t.Errorf("Name() = %q, want us-daily", got)
	}
	ctx := context.Background()
	if err := g.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	symbols, err := cache.ListSymbols(ctx, domain.MarketUS)
	if err != nil {
		t.Fatal(err)
	}
	if len(symbols) != 2 || symbols[0] != "KO" || symbols[1] != "SPY" {
		t.Errorf("cached symbols = %v, want [KO SPY]", symbols)
	}
	divs, err := cache.GetDividends(ctx, "KO", g.start, g.End)
	if err != nil || len(divs) != 1 {
		t.Errorf("cached KO dividends = %v, %v, want one", divs, err)
	}
	if !cache.HasDividends(domain.MarketUS, "SPY") {
		t.Error("SPY dividends not marked as gathered")
	}

	// A second pass for the same end date makes no requests.
	before := c.calls
	if err := g.Run(ctx); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if c.calls != before {
		t.Errorf("second pass made %d requests, want 0", c.calls-before)
	}
}
