// Package algo implements the bracket trading rule: the algorithm variants
// and their compact string encoding, the bracket state machine, and the
// buyback lot stack.
package algo

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Variant selects the trigger policy. The four variants share one
// evaluation function; see Evaluate.
type Variant int

const (
	// BuyAndHold never trades.
	BuyAndHold Variant = iota
	// ATHOnly never buys and sells only on a new all-time high.
	ATHOnly
	// Standard buys one bracket below the anchor and sells one bracket
	// above it.
	Standard
	// ATHSell buys like Standard but sells its stacked lots only on a new
	// all-time high.
	ATHSell
)

var variantCodes = map[Variant]string{
	BuyAndHold: "buy-and-hold",
	ATHOnly:    "ath-only",
	Standard:   "sd",
	ATHSell:    "sd-ath",
}

func (v Variant) String() string {
	if c, ok := variantCodes[v]; ok {
		return c
	}
	return fmt.Sprintf("variant(%d)", int(v))
}

// ParseVariant decodes a variant code such as "sd" or "ath-only".
func ParseVariant(code string) (Variant, error) {
	code = strings.ToLower(strings.TrimSpace(code))
	if code == "bh" {
		return BuyAndHold, nil
	}
	for v, c := range variantCodes {
		if c == code {
			return v, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownVariant, code)
}

// Buys reports whether the variant ever buys on a dip.
func (v Variant) Buys() bool { return v == Standard || v == ATHSell }

// Bounds for Algorithm parameters, in percent.
const (
	MinBracketPct       = 1.0
	MaxBracketPct       = 50.0
	MinProfitSharingPct = 0.0
	MaxProfitSharingPct = 150.0
)

var (
	ErrUnknownVariant       = errors.New("unknown algorithm variant")
	ErrInvalidBracket       = errors.New("bracket percentage out of range")
	ErrInvalidProfitSharing = errors.New("profit-sharing percentage out of range")
)

// Algorithm is a configured variant.
//
// Bracket and ProfitSharing are fractions (0.0905, 0.5), not percentages.
type Algorithm struct {
	Variant       Variant
	Bracket       float64
	ProfitSharing float64
}

// New builds an Algorithm from percentages and validates it.
func New(v Variant, bracketPct, profitSharingPct float64) (Algorithm, error) {
	a := Algorithm{Variant: v, Bracket: bracketPct / 100, ProfitSharing: profitSharingPct / 100}
	if err := a.Validate(); err != nil {
		return Algorithm{}, err
	}
	return a, nil
}

// Validate checks the bracket is in (1%, 50%) and profit sharing in
// [0%, 150%]. Buy-and-hold carries no parameters and is always valid.
func (a Algorithm) Validate() error {
	if _, ok := variantCodes[a.Variant]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownVariant, int(a.Variant))
	}
	if a.Variant == BuyAndHold {
		return nil
	}
	pct := a.Bracket * 100
	if !(pct > MinBracketPct && pct < MaxBracketPct) {
		return fmt.Errorf("%w: %g%% not in (%g%%, %g%%)", ErrInvalidBracket, pct, MinBracketPct, MaxBracketPct)
	}
	ps := a.ProfitSharing * 100
	if ps < MinProfitSharingPct || ps > MaxProfitSharingPct {
		return fmt.Errorf("%w: %g%% not in [%g%%, %g%%]", ErrInvalidProfitSharing, ps, MinProfitSharingPct, MaxProfitSharingPct)
	}
	return nil
}

// String returns the compact encoding accepted by Parse, e.g. "sd-9.05,50".
func (a Algorithm) String() string {
	if a.Variant == BuyAndHold {
		return variantCodes[BuyAndHold]
	}
	return fmt.Sprintf("%s-%s,%s", a.Variant, fmtPct(a.Bracket), fmtPct(a.ProfitSharing))
}

// fmtPct renders a fraction as a percentage, rounded to 1e-6 so that
// 0.0905 prints as 9.05 rather than 9.049999999999999.
func fmtPct(f float64) string {
	return strconv.FormatFloat(math.Round(f*100*1e6)/1e6, 'f', -1, 64)
}

// Parse decodes the compact encoding used by the front ends:
//
//	buy-and-hold | bh
//	ath-only-<bracket%>,<sharing%>
//	sd-<bracket%>,<sharing%>
//	sd-ath-<bracket%>,<sharing%>
//
// The profit-sharing part may be omitted and defaults to 50.
func Parse(code string) (Algorithm, error) {
	code = strings.ToLower(strings.TrimSpace(code))
	if code == "bh" || code == variantCodes[BuyAndHold] {
		return Algorithm{Variant: BuyAndHold}, nil
	}

	var (
		v    Variant
		rest string
	)
	// Longest prefix first: "sd-ath-" must win over "sd-".
	switch {
	case strings.HasPrefix(code, "sd-ath-"):
		v, rest = ATHSell, strings.TrimPrefix(code, "sd-ath-")
	case strings.HasPrefix(code, "ath-only-"):
		v, rest = ATHOnly, strings.TrimPrefix(code, "ath-only-")
	case strings.HasPrefix(code, "sd-"):
		v, rest = Standard, strings.TrimPrefix(code, "sd-")
	default:
		return Algorithm{}, fmt.Errorf("%w: %q", ErrUnknownVariant, code)
	}

	parts := strings.Split(rest, ",")
	if len(parts) > 2 || parts[0] == "" {
		return Algorithm{}, fmt.Errorf("%w: malformed parameters in %q", ErrUnknownVariant, code)
	}
	bracket, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return Algorithm{}, fmt.Errorf("%w: %q: %v", ErrInvalidBracket, parts[0], err)
	}
	sharing := 50.0
	if len(parts) == 2 {
		sharing, err = strconv.ParseFloat(parts[1], 64)
		if err != nil {
			return Algorithm{}, fmt.Errorf("%w: %q: %v", ErrInvalidProfitSharing, parts[1], err)
		}
	}
	return New(v, bracket, sharing)
}

// MustParse is like Parse but panics on error. Use it for literals only.
func MustParse(code string) Algorithm {
	a, err := Parse(code)
	if err != nil {
		panic(err)
	}
	return a
}
