package algo

import (
	"errors"
	"math"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		code        string
		wantVariant Variant
		wantBracket float64
		wantSharing float64
	}{
		{"sd-9.05,50", Standard, 0.0905, 0.5},
		{"SD-19.08,100", Standard, 0.1908, 1.0},
		{"sd-ath-9.05,50", ATHSell, 0.0905, 0.5},
		{"ath-only-9.05,50", ATHOnly, 0.0905, 0.5},
		{"sd-4.4", Standard, 0.044, 0.5},
		{"sd-9.05,0", Standard, 0.0905, 0},
		{"sd-9.05,150", Standard, 0.0905, 1.5},
		{"buy-and-hold", BuyAndHold, 0, 0},
		{"bh", BuyAndHold, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			a, err := Parse(tt.code)
			if err != nil {
				t.Fatalf("Parse(%q) error: %v", tt.code, err)
			}
			if a.Variant != tt.wantVariant {
				t.Errorf("Variant = %v, want %v", a.Variant, tt.wantVariant)
			}
			if math.Abs(a.Bracket-tt.wantBracket) > 1e-12 {
				t.Errorf("Bracket = %v, want %v", a.Bracket, tt.wantBracket)
			}
			if math.Abs(a.ProfitSharing-tt.wantSharing) > 1e-12 {
				t.Errorf("ProfitSharing = %v, want %v", a.ProfitSharing, tt.wantSharing)
			}
		})
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		code string
		want error
	}{
		{"xx-9.05,50", ErrUnknownVariant},
		{"sd-", ErrUnknownVariant},
		{"sd-9.05,50,7", ErrUnknownVariant},
		{"sd-abc,50", ErrInvalidBracket},
		{"sd-1,50", ErrInvalidBracket},
		{"sd-50,50", ErrInvalidBracket},
		{"sd-0.5,50", ErrInvalidBracket},
		{"sd-9.05,-1", ErrInvalidProfitSharing},
		{"sd-9.05,151", ErrInvalidProfitSharing},
		{"sd-9.05,x", ErrInvalidProfitSharing},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			_, err := Parse(tt.code)
			if !errors.Is(err, tt.want) {
				t.Errorf("Parse(%q) error = %v, want %v", tt.code, err, tt.want)
			}
		})
	}
}

func TestAlgorithmStringRoundTrip(t *testing.T) {
	for _, code := range []string{"sd-9.05,50", "sd-ath-9.05,50", "ath-only-19.08,100", "buy-and-hold", "sd-4.4,150"} {
		a := MustParse(code)
		if got := a.String(); got != code {
			t.Errorf("MustParse(%q).String() = %q", code, got)
		}
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("fast", MustParse("sd-4.4,50")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register("bad", Algorithm{Variant: Standard, Bracket: 0.9}); !errors.Is(err, ErrInvalidBracket) {
		t.Errorf("Register(bad) error = %v, want ErrInvalidBracket", err)
	}

	got, err := r.Get("fast")
	if err != nil {
		t.Fatalf("Get(fast): %v", err)
	}
	if got.String() != "sd-4.4,50" {
		t.Errorf("Get(fast) = %s, want sd-4.4,50", got)
	}

	// Unregistered names fall back to the compact encoding.
	got, err = r.Get("sd-ath-9.05,50")
	if err != nil {
		t.Fatalf("Get(encoding): %v", err)
	}
	if got.Variant != ATHSell {
		t.Errorf("Get(encoding).Variant = %v, want %v", got.Variant, ATHSell)
	}
	if _, err := r.Get("nonexistent"); err == nil {
		t.Error("Get(nonexistent) returned nil error")
	}

	names := DefaultRegistry().List()
	if len(names) != 5 || names[0] != "ath-only-9.05,50" {
		t.Errorf("DefaultRegistry().List() = %v", names)
	}
}
