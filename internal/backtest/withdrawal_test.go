package backtest

import (
	"testing"

	"github.com/shopspring/decimal"

	"volharvest/internal/domain"
)

func TestWithdrawalDue(t *testing.T) {
	p := WithdrawalPolicy{AnnualRate: 0.04, CadenceDays: 30}
	last := day0
	tests := []struct {
		day  int
		want bool
	}{
		{0, false},
		{29, false},
		{30, true},
		{45, true},
	}
	for _, tt := range tests {
		if got := p.Due(last, day0.AddDate(0, 0, tt.day)); got != tt.want {
			t.Errorf("Due(day %d) = %v, want %v", tt.day, got, tt.want)
		}
	}
	if (WithdrawalPolicy{}).Due(last, day0.AddDate(1, 0, 0)) {
		t.Error("zero policy is due")
	}
}

func TestWithdrawalAmount(t *testing.T) {
	p := WithdrawalPolicy{AnnualRate: 0.04, CadenceDays: 365}
	if got := p.Amount(100_000, day0, day0); !got.Equal(decimal.NewFromInt(4000)) {
		t.Errorf("Amount = %s, want 4000", got)
	}

	p.Index = NewPriceIndex([]domain.Bar{
		flat(100, 220),
		flat(0, 200),
		flat(50, 210),
	})
	// Scaled by 220/200 a year in.
	if got := p.Amount(100_000, day0, day0.AddDate(1, 0, 0)); !got.Equal(decimal.NewFromInt(4400)) {
		t.Errorf("indexed Amount = %s, want 4400", got)
	}
}

func TestPriceIndexAt(t *testing.T) {
	idx := NewPriceIndex([]domain.Bar{flat(10, 2), flat(0, 1), flat(20, 3)})
	tests := []struct {
		day  int
		want float64
	}{
		{-5, 1},
		{0, 1},
		{9, 1},
		{10, 2},
		{15, 2},
		{25, 3},
	}
	for _, tt := range tests {
		if got := idx.At(day0.AddDate(0, 0, tt.day)); got != tt.want {
			t.Errorf("At(day %d) = %v, want %v", tt.day, got, tt.want)
		}
	}
	var empty *PriceIndex
	if got := empty.At(day0); got != 0 {
		t.Errorf("nil index At = %v, want 0", got)
	}
}
