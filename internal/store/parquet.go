package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"volharvest/internal/domain"
)

// Compile-time interface checks.
var _ BarStore = (*ParquetStore)(nil)
var _ DividendStore = (*ParquetStore)(nil)

// ParquetStore implements BarStore and DividendStore using Parquet files on
// disk. It also serves as a read-only price provider for one market.
type ParquetStore struct {
	DataDir string
	Market  domain.Market // market used by GetPrices and GetDividends
}

// NewParquetStore creates a new ParquetStore rooted at the given data
// directory, serving the US market.
func NewParquetStore(dataDir string) *ParquetStore {
	return &ParquetStore{DataDir: dataDir, Market: domain.MarketUS}
}

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// BarRecord is the Parquet schema for daily bar data.
type BarRecord struct {
	Symbol    string  `parquet:"symbol"`
	Timestamp int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms, UTC midnight
	Open      float64 `parquet:"open"`
	High      float64 `parquet:"high"`
	Low       float64 `parquet:"low"`
	Close     float64 `parquet:"close"`
	Volume    int64   `parquet:"volume"`
}

// DividendRecord is the Parquet schema for cash dividends.
type DividendRecord struct {
	Symbol string  `parquet:"symbol"`
	ExDate int64   `parquet:"ex_date,timestamp(millisecond)"` // Unix ms, UTC midnight
	Amount float64 `parquet:"amount"`
}

// ---------------------------------------------------------------------------
// BarStore implementation
// ---------------------------------------------------------------------------

// WriteBars writes bar data to Parquet files organized by symbol and year.
// Each symbol+year combination produces a separate file at:
//
//	<DataDir>/<market>/daily/<SYMBOL>/<YYYY>.parquet
//
// Bars already on disk are kept unless the batch has one for the same date.
func (s *ParquetStore) WriteBars(_ context.Context, market domain.Market, bars []domain.Bar) error {
	type key struct {
		symbol string
		year   int
	}
	groups := make(map[key][]BarRecord)
	for _, b := range bars {
		sym := strings.ToUpper(b.Symbol)
		k := key{symbol: sym, year: b.Date.Year()}
		groups[k] = append(groups[k], BarRecord{
			Symbol:    sym,
			Timestamp: b.Date.UnixMilli(),
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    b.Volume,
		})
	}

	for k, records := range groups {
		path := s.barPath(k.symbol, market, k.year)

		existing, err := readParquetFile[BarRecord](path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("reading bars for %s/%d: %w", k.symbol, k.year, err)
		}
		merged := mergeRecords(existing, records, func(r BarRecord) int64 { return r.Timestamp })

		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("writing bars for %s/%d: %w", k.symbol, k.year, err)
		}
	}
	return nil
}

// ReadBars reads bar data from Parquet files for the given symbol and time
// range. Missing years are skipped.
func (s *ParquetStore) ReadBars(_ context.Context, market domain.Market, symbol string, start, end time.Time) ([]domain.Bar, error) {
	var bars []domain.Bar
	for year := start.Year(); year <= end.Year(); year++ {
		path := s.barPath(symbol, market, year)

		records, err := readParquetFile[BarRecord](path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}

		for _, r := range records {
			ts := time.UnixMilli(r.Timestamp).UTC()
			if inRange(ts, start, end) {
				bars = append(bars, domain.Bar{
					Symbol: r.Symbol,
					Date:   ts,
					Open:   r.Open,
					High:   r.High,
					Low:    r.Low,
					Close:  r.Close,
					Volume: r.Volume,
				})
			}
		}
	}
	return bars, nil
}

// ListSymbols lists all symbols that have bar data in the given market.
func (s *ParquetStore) ListSymbols(_ context.Context, market domain.Market) ([]string, error) {
	dir := filepath.Join(s.DataDir, string(market), "daily")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var symbols []string
	for _, e := range entries {
		if e.IsDir() {
			symbols = append(symbols, e.Name())
		}
	}
	sort.Strings(symbols)
	return symbols, nil
}

// ---------------------------------------------------------------------------
// DividendStore implementation
// ---------------------------------------------------------------------------

// WriteDividends merges dividends into one file per symbol:
//
//	<DataDir>/<market>/dividends/<SYMBOL>.parquet
func (s *ParquetStore) WriteDividends(_ context.Context, market domain.Market, divs []domain.Dividend) error {
	groups := make(map[string][]DividendRecord)
	for _, d := range divs {
		sym := strings.ToUpper(d.Symbol)
		groups[sym] = append(groups[sym], DividendRecord{
			Symbol: sym,
			ExDate: d.ExDate.UnixMilli(),
			Amount: d.Amount,
		})
	}

	for sym, records := range groups {
		path := s.dividendPath(sym, market)
		existing, err := readParquetFile[DividendRecord](path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("reading dividends for %s: %w", sym, err)
		}
		merged := mergeRecords(existing, records, func(r DividendRecord) int64 { return r.ExDate })
		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("writing dividends for %s: %w", sym, err)
		}
	}
	return nil
}

// ReadDividends returns the dividends of symbol with ex-date in [start, end].
func (s *ParquetStore) ReadDividends(_ context.Context, market domain.Market, symbol string, start, end time.Time) ([]domain.Dividend, error) {
	records, err := readParquetFile[DividendRecord](s.dividendPath(symbol, market))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []domain.Dividend
	for _, r := range records {
		ts := time.UnixMilli(r.ExDate).UTC()
		if inRange(ts, start, end) {
			out = append(out, domain.Dividend{Symbol: r.Symbol, ExDate: ts, Amount: r.Amount})
		}
	}
	return out, nil
}

// HasDividends reports whether dividends for symbol have been gathered.
func (s *ParquetStore) HasDividends(market domain.Market, symbol string) bool {
	_, err := os.Stat(s.dividendPath(symbol, market))
	return err == nil
}

// TouchDividends records that symbol has been gathered by creating an empty
// dividend file if none exists. Symbols that never paid need this.
func (s *ParquetStore) TouchDividends(market domain.Market, symbol string) error {
	path := s.dividendPath(symbol, market)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return writeParquetFile(path, []DividendRecord{})
}

// ---------------------------------------------------------------------------
// Provider implementation
// ---------------------------------------------------------------------------

// GetPrices returns cached bars for symbol in s.Market.
func (s *ParquetStore) GetPrices(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error) {
	return s.ReadBars(ctx, s.Market, symbol, start, end)
}

// GetDividends returns cached dividends for symbol in s.Market.
func (s *ParquetStore) GetDividends(ctx context.Context, symbol string, start, end time.Time) ([]domain.Dividend, error) {
	return s.ReadDividends(ctx, s.Market, symbol, start, end)
}

// ---------------------------------------------------------------------------
// Path helpers
// ---------------------------------------------------------------------------

// barPath returns the filesystem path for a bar Parquet file.
// Layout: <dataDir>/<market>/daily/<SYMBOL>/<YYYY>.parquet
func (s *ParquetStore) barPath(symbol string, market domain.Market, year int) string {
	return filepath.Join(s.DataDir, string(market), "daily", strings.ToUpper(symbol), fmt.Sprintf("%d.parquet", year))
}

// dividendPath returns the filesystem path for a dividend Parquet file.
// Layout: <dataDir>/<market>/dividends/<SYMBOL>.parquet
func (s *ParquetStore) dividendPath(symbol string, market domain.Market) string {
	return filepath.Join(s.DataDir, string(market), "dividends", strings.ToUpper(symbol)+".parquet")
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// mergeRecords deduplicates records by timestamp, preferring incoming
// records over existing ones. The result is sorted by timestamp.
func mergeRecords[T any](existing, incoming []T, ts func(T) int64) []T {
	seen := make(map[int64]T, len(existing)+len(incoming))
	for _, r := range existing {
		seen[ts(r)] = r
	}
	for _, r := range incoming {
		seen[ts(r)] = r
	}

	merged := make([]T, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool { return ts(merged[i]) < ts(merged[j]) })
	return merged
}

func inRange(t, start, end time.Time) bool {
	return !t.Before(start) && !t.After(end)
}
