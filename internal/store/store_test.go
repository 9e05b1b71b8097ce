package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"volharvest/internal/algo"
	"volharvest/internal/backtest"
	"volharvest/internal/domain"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestParquetStorePath(t *testing.T) {
	ps := NewParquetStore("/data")

	bp := ps.barPath("aapl", domain.MarketUS, 2024)
	wantBarPath := filepath.Join("/data", "us", "daily", "AAPL", "2024.parquet")
	if bp != wantBarPath {
		t.Errorf("barPath mismatch:\n  got  %s\n  want %s", bp, wantBarPath)
	}

	dp := ps.dividendPath("KO", domain.MarketUS)
	wantDivPath := filepath.Join("/data", "us", "dividends", "KO.parquet")
	if dp != wantDivPath {
		t.Errorf("dividendPath mismatch:\n  got  %s\n  want %s", dp, wantDivPath)
	}
}

func TestParquetStoreWriteReadBars(t *testing.T) {
	ps := NewParquetStore(t.TempDir())
	ctx := context.Background()

	bars := []domain.Bar{
		{Symbol: "AAPL", Date: date(2023, 12, 29), Open: 193.9, High: 194.4, Low: 191.7, Close: 192.5, Volume: 42000000},
		{Symbol: "AAPL", Date: date(2024, 1, 2), Open: 185.0, High: 186.5, Low: 184.0, Close: 185.5, Volume: 50000000},
		{Symbol: "AAPL", Date: date(2024, 1, 3), Open: 185.5, High: 187.0, Low: 185.0, Close: 186.0, Volume: 45000000},
	}
	if err := ps.WriteBars(ctx, domain.MarketUS, bars); err != nil {
		t.Fatalf("WriteBars: %v", err)
	}

	got, err := ps.ReadBars(ctx, domain.MarketUS, "AAPL", date(2023, 1, 1), date(2024, 12, 31))
	if err != nil {
		t.Fatalf("ReadBars: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("ReadBars returned %d bars, want 3", len(got))
	}
	for i := range bars {
		if !got[i].Date.Equal(bars[i].Date) || got[i].Close != bars[i].Close {
			t.Errorf("bar %d = %s %v, want %s %v", i, got[i].Date, got[i].Close, bars[i].Date, bars[i].Close)
		}
	}

	// Range bounds are inclusive.
	got, err = ps.ReadBars(ctx, domain.MarketUS, "AAPL", date(2024, 1, 2), date(2024, 1, 2))
	if err != nil {
		t.Fatalf("ReadBars: %v", err)
	}
	if len(got) != 1 || got[0].Close != 185.5 {
		t.Errorf("single-day ReadBars = %v, want the 2024-01-02 bar", got)
	}

	// The provider view reads the same cache.
	got, err = ps.GetPrices(ctx, "aapl", date(2024, 1, 1), date(2024, 1, 31))
	if err != nil {
		t.Fatalf("GetPrices: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("GetPrices returned %d bars, want 2", len(got))
	}
}

func TestParquetStoreMergeBars(t *testing.T) {
	ps := NewParquetStore(t.TempDir())
	ctx := context.Background()

	first := []domain.Bar{
		{Symbol: "MSFT", Date: date(2024, 3, 1), Open: 400, High: 405, Low: 399, Close: 403},
	}
	if err := ps.WriteBars(ctx, domain.MarketUS, first); err != nil {
		t.Fatalf("WriteBars (first): %v", err)
	}

	// A second batch merges; a repeated date is replaced.
	second := []domain.Bar{
		{Symbol: "MSFT", Date: date(2024, 3, 1), Open: 400, High: 405, Low: 399, Close: 404},
		{Symbol: "MSFT", Date: date(2024, 3, 4), Open: 403, High: 410, Low: 402, Close: 408},
	}
	if err := ps.WriteBars(ctx, domain.MarketUS, second); err != nil {
		t.Fatalf("WriteBars (second): %v", err)
	}

	got, err := ps.ReadBars(ctx, domain.MarketUS, "MSFT", date(2024, 1, 1), date(2024, 12, 31))
	if err != nil {
		t.Fatalf("ReadBars: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ReadBars returned %d bars after merge, want 2", len(got))
	}
	if got[0].Close != 404 {
		t.Errorf("merged bar Close = %v, want 404", got[0].Close)
	}
}

func TestParquetStoreListSymbols(t *testing.T) {
	ps := NewParquetStore(t.TempDir())
	ctx := context.Background()

	bars := []domain.Bar{
		{Symbol: "GOOGL", Date: date(2024, 1, 2), Open: 140.0, High: 141.0, Low: 139.0, Close: 140.5},
		{Symbol: "AAPL", Date: date(2024, 1, 2), Open: 185.0, High: 186.0, Low: 184.0, Close: 185.5},
	}
	if err := ps.WriteBars(ctx, domain.MarketUS, bars); err != nil {
		t.Fatalf("WriteBars: %v", err)
	}

	symbols, err := ps.ListSymbols(ctx, domain.MarketUS)
	if err != nil {
		t.Fatalf("ListSymbols: %v", err)
	}
	if len(symbols) != 2 || symbols[0] != "AAPL" || symbols[1] != "GOOGL" {
		t.Errorf("ListSymbols = %v, want [AAPL GOOGL]", symbols)
	}

	empty, err := ps.ListSymbols(ctx, domain.Market("xx"))
	if err != nil || len(empty) != 0 {
		t.Errorf("ListSymbols(xx) = %v, %v, want empty", empty, err)
	}
}

func TestParquetStoreDividends(t *testing.T) {
	ps := NewParquetStore(t.TempDir())
	ctx := context.Background()

	if ps.HasDividends(domain.MarketUS, "KO") {
		t.Fatal("HasDividends before any write")
	}
	divs := []domain.Dividend{
		{Symbol: "KO", ExDate: date(2024, 6, 14), Amount: 0.485},
		{Symbol: "KO", ExDate: date(2024, 3, 14), Amount: 0.485},
		{Symbol: "KO", ExDate: date(2023, 11, 30), Amount: 0.46},
	}
	if err := ps.WriteDividends(ctx, domain.MarketUS, divs); err != nil {
		t.Fatalf("WriteDividends: %v", err)
	}
	if !ps.HasDividends(domain.MarketUS, "KO") {
		t.Error("HasDividends after write = false")
	}

	got, err := ps.GetDividends(ctx, "KO", date(2024, 1, 1), date(2024, 12, 31))
	if err != nil {
		t.Fatalf("GetDividends: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("GetDividends returned %d, want 2", len(got))
	}
	if !got[0].ExDate.Equal(date(2024, 3, 14)) || got[0].Amount != 0.485 {
		t.Errorf("first dividend = %+v, want 2024-03-14 0.485", got[0])
	}

	none, err := ps.ReadDividends(ctx, domain.MarketUS, "NVDA", date(2024, 1, 1), date(2024, 12, 31))
	if err != nil || len(none) != 0 {
		t.Errorf("ReadDividends(uncached) = %v, %v, want empty", none, err)
	}

	if err := ps.TouchDividends(domain.MarketUS, "BRK.B"); err != nil {
		t.Fatalf("TouchDividends: %v", err)
	}
	if !ps.HasDividends(domain.MarketUS, "BRK.B") {
		t.Error("HasDividends after TouchDividends = false")
	}
}

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close() returned error: %v", err)
		}
	})
	return s
}

func testResult(t *testing.T, symbol string) *backtest.Result {
	t.Helper()
	bars := []domain.Bar{
		{Symbol: symbol, Date: date(2024, 1, 2), Open: 100, High: 100, Low: 100, Close: 100},
		{Symbol: symbol, Date: date(2024, 1, 3), Open: 100, High: 100, Low: 85, Close: 88},
		{Symbol: symbol, Date: date(2024, 1, 4), Open: 88, High: 112, Low: 88, Close: 110},
	}
	res, err := backtest.Run(bars, nil, backtest.Config{
		Symbol:            symbol,
		Algorithm:         algo.MustParse("sd-10,50"),
		InitialInvestment: 10_000,
	})
	if err != nil {
		t.Fatalf("backtest.Run: %v", err)
	}
	return res
}

func TestSQLiteStoreOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore(%q) returned error: %v", path, err)
	}
	if err := s.db.Ping(); err != nil {
		t.Fatalf("db.Ping() returned error: %v", err)
	}
	s.Close()

	// Reopening an existing database does not rerun migrations.
	s, err = NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		t.Fatal(err)
	}
	if version != len(migrations) {
		t.Errorf("user_version = %d, want %d", version, len(migrations))
	}
}

func TestSQLiteStoreRunRoundTrip(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	res := testResult(t, "SPY")

	id, err := s.SaveRun(ctx, res)
	if err != nil {
		t.Fatalf("SaveRun: %v", err)
	}
	if id == "" {
		t.Fatal("SaveRun returned empty ID")
	}

	info, err := s.GetRun(ctx, id)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if info.Symbol != "SPY" || info.Algorithm != "sd-10,50" {
		t.Errorf("GetRun = %s %s, want SPY sd-10,50", info.Symbol, info.Algorithm)
	}
	if info.Config.Algorithm != res.Config.Algorithm {
		t.Errorf("Config.Algorithm = %+v, want %+v", info.Config.Algorithm, res.Config.Algorithm)
	}
	if info.Summary.TotalReturn != res.Summary.TotalReturn {
		t.Errorf("Summary.TotalReturn = %v, want %v", info.Summary.TotalReturn, res.Summary.TotalReturn)
	}
	if info.Summary.Counts[domain.ActionBuy] != res.Summary.Counts[domain.ActionBuy] {
		t.Errorf("Summary.Counts[BUY] = %d, want %d", info.Summary.Counts[domain.ActionBuy], res.Summary.Counts[domain.ActionBuy])
	}

	txs, err := s.ListTransactions(ctx, id)
	if err != nil {
		t.Fatalf("ListTransactions: %v", err)
	}
	if len(txs) != len(res.Transactions) {
		t.Fatalf("ListTransactions returned %d, want %d", len(txs), len(res.Transactions))
	}
	sum := decimal.Zero
	for i, tx := range txs {
		want := res.Transactions[i]
		if !tx.Date.Equal(want.Date) || tx.Action != want.Action || tx.Quantity != want.Quantity ||
			!tx.Amount.Equal(want.Amount) || tx.Iteration != want.Iteration || tx.Note != want.Note {
			t.Errorf("transaction %d = %v, want %v", i, tx, want)
		}
		sum = sum.Add(tx.Amount)
	}
	final := res.Snapshots[len(res.Snapshots)-1].Cash
	if got := decimal.NewFromFloat(res.Config.InitialInvestment).Add(sum); !got.Equal(final) {
		t.Errorf("stored log reconciles to %s, want %s", got, final)
	}
}

func TestSQLiteStoreListRuns(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	clock := date(2024, 5, 1)
	s.now = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}

	spy1, _ := s.SaveRun(ctx, testResult(t, "SPY"))
	qqq, _ := s.SaveRun(ctx, testResult(t, "QQQ"))
	spy2, _ := s.SaveRun(ctx, testResult(t, "SPY"))

	all, err := s.ListRuns(ctx, "")
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(all) != 3 || all[0].ID != spy2 || all[1].ID != qqq || all[2].ID != spy1 {
		t.Errorf("ListRuns order wrong: %v", all)
	}

	spy, err := s.ListRuns(ctx, "SPY")
	if err != nil {
		t.Fatalf("ListRuns(SPY): %v", err)
	}
	if len(spy) != 2 {
		t.Errorf("ListRuns(SPY) returned %d, want 2", len(spy))
	}
}

func TestSQLiteStoreGetRunNotFound(t *testing.T) {
	s := newTestSQLite(t)
	if _, err := s.GetRun(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRun(missing) err = %v, want ErrNotFound", err)
	}
}
