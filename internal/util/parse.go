package util

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseFloats parses a comma-separated list such as "2, 4.5,9.05". Empty
// items are skipped.
func ParseFloats(s string) ([]float64, error) {
	var out []float64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		f, err := strconv.ParseFloat(part, 64)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", part, err)
		}
		out = append(out, f)
	}
	return out, nil
}
