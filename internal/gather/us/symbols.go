package us

import (
	"encoding/csv"
	"fmt"
	"os"
	"strings"
)

// LoadCSVSymbols reads the "symbol" column (or the first column when there
// is none) from a CSV file with a header row.
func LoadCSVSymbols(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening CSV %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading CSV %s: %w", path, err)
	}

	if len(records) < 2 {
		return nil, nil
	}

	col := 0
	for i, h := range records[0] {
		if strings.EqualFold(strings.TrimSpace(h), "symbol") {
			col = i
			break
		}
	}

	symbols := make([]string, 0, len(records)-1)
	for _, row := range records[1:] {
		if col < len(row) {
			symbols = append(symbols, row[col])
		}
	}
	return NormalizeSymbols(symbols), nil
}

// NormalizeSymbols upper-cases and trims symbols, dropping blanks and
// duplicates while keeping first-seen order.
func NormalizeSymbols(symbols []string) []string {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
