// Package volharvest is the Go SDK for the volharvest backtest service.
//
// Messages travel as google.protobuf.Struct over gRPC and as JSON over
// HTTP. The types in this file define their keys; Encode and Decode convert
// between them and Struct.
package volharvest

import (
	"bytes"
	"fmt"
	"math"

	"google.golang.org/protobuf/types/known/structpb"
	"gopkg.in/yaml.v3"
)

// Service and method names.
const (
	ServiceName    = "volharvest.v1.Backtest"
	RunMethod      = "/" + ServiceName + "/Run"
	SweepMethod    = "/" + ServiceName + "/Sweep"
	ListRunsMethod = "/" + ServiceName + "/ListRuns"
)

// ---------------------------------------------------------------------------
// Requests
// ---------------------------------------------------------------------------

// Backtest holds the run parameters. Empty fields take the server's
// configured defaults. Algorithm is a code such as "sd-9.05,50" or a preset
// name, dates are 2006-01-02, CashMode is margin or strict, and LotPolicy
// is lifo, fifo or hybrid.
type Backtest struct {
	Symbol            string      `yaml:"symbol,omitempty" json:"symbol,omitempty"`
	Algorithm         string      `yaml:"algorithm,omitempty" json:"algorithm,omitempty"`
	Start             string      `yaml:"start,omitempty" json:"start,omitempty"`
	End               string      `yaml:"end,omitempty" json:"end,omitempty"`
	InitialInvestment float64     `yaml:"initial_investment,omitempty" json:"initial_investment,omitempty"`
	CashMode          string      `yaml:"cash_mode,omitempty" json:"cash_mode,omitempty"`
	LotPolicy         string      `yaml:"lot_policy,omitempty" json:"lot_policy,omitempty"`
	BorrowRate        float64     `yaml:"borrow_rate,omitempty" json:"borrow_rate,omitempty"`
	CashYield         float64     `yaml:"cash_yield,omitempty" json:"cash_yield,omitempty"`
	Baseline          bool        `yaml:"baseline,omitempty" json:"baseline,omitempty"`
	Withdrawal        *Withdrawal `yaml:"withdrawal,omitempty" json:"withdrawal,omitempty"`
}

// Withdrawal is the periodic withdrawal policy.
type Withdrawal struct {
	AnnualRate  float64 `yaml:"annual_rate" json:"annual_rate"`
	CadenceDays int     `yaml:"cadence_days" json:"cadence_days"`
	IndexSymbol string  `yaml:"index_symbol,omitempty" json:"index_symbol,omitempty"`
}

// RunRequest asks for one backtest.
type RunRequest struct {
	Backtest `yaml:",inline"`
	// Transactions asks for the full transaction log in the reply.
	Transactions bool `yaml:"transactions,omitempty" json:"transactions,omitempty"`
}

// SweepParams is the grid of a sweep. Brackets and sharings are percent.
type SweepParams struct {
	Variant  string    `yaml:"variant,omitempty" json:"variant,omitempty"` // sd | sd-ath | ath-only
	Brackets []float64 `yaml:"brackets,omitempty" json:"brackets,omitempty"`
	Sharings []float64 `yaml:"sharings,omitempty" json:"sharings,omitempty"`
	Workers  int       `yaml:"workers,omitempty" json:"workers,omitempty"`
	Top      int       `yaml:"top,omitempty" json:"top,omitempty"`
}

// SweepRequest asks for one run per grid point over the same data.
type SweepRequest struct {
	Backtest `yaml:",inline"`
	Sweep    SweepParams `yaml:"sweep,omitempty" json:"sweep,omitempty"`
}

// ListRunsRequest filters stored runs. An empty symbol lists all of them.
type ListRunsRequest struct {
	Symbol string `yaml:"symbol,omitempty" json:"symbol,omitempty"`
	Limit  int    `yaml:"limit,omitempty" json:"limit,omitempty"`
}

// ---------------------------------------------------------------------------
// Replies
// ---------------------------------------------------------------------------

// Summary carries the metrics of one run. Returns and alphas are fractions.
type Summary struct {
	StartDate  string  `yaml:"start_date" json:"start_date"`
	EndDate    string  `yaml:"end_date" json:"end_date"`
	StartValue float64 `yaml:"start_value" json:"start_value"`
	EndValue   float64 `yaml:"end_value" json:"end_value"`

	TotalReturn      float64 `yaml:"total_return" json:"total_return"`
	AnnualizedReturn float64 `yaml:"annualized_return" json:"annualized_return"`
	RealizedAlpha    float64 `yaml:"realized_alpha" json:"realized_alpha"`
	UnrealizedAlpha  float64 `yaml:"unrealized_alpha" json:"unrealized_alpha"`

	HasBaseline     bool    `yaml:"has_baseline" json:"has_baseline"`
	BaselineReturn  float64 `yaml:"baseline_return" json:"baseline_return"`
	VolatilityAlpha float64 `yaml:"volatility_alpha" json:"volatility_alpha"`

	CoverageRatio      float64 `yaml:"coverage_ratio" json:"coverage_ratio"`
	CapitalUtilization float64 `yaml:"capital_utilization" json:"capital_utilization"`

	Counts map[string]int `yaml:"counts" json:"counts"`

	CashMin  float64 `yaml:"cash_min" json:"cash_min"`
	CashMean float64 `yaml:"cash_mean" json:"cash_mean"`
	CashMax  float64 `yaml:"cash_max" json:"cash_max"`

	Dividends           float64 `yaml:"dividends" json:"dividends"`
	Withdrawn           float64 `yaml:"withdrawn" json:"withdrawn"`
	WithdrawalShortfall float64 `yaml:"withdrawal_shortfall" json:"withdrawal_shortfall"`
	OpportunityCost     float64 `yaml:"opportunity_cost" json:"opportunity_cost"`
	InterestEarned      float64 `yaml:"interest_earned" json:"interest_earned"`

	FinalHoldings   int64 `yaml:"final_holdings" json:"final_holdings"`
	FinalStackDepth int64 `yaml:"final_stack_depth" json:"final_stack_depth"`
}

// Transaction is one entry of a run's log. Amount is a decimal string.
type Transaction struct {
	Date      string  `yaml:"date" json:"date"`
	Action    string  `yaml:"action" json:"action"`
	Quantity  int64   `yaml:"quantity" json:"quantity"`
	Price     float64 `yaml:"price" json:"price"`
	Amount    string  `yaml:"amount" json:"amount"`
	Iteration int     `yaml:"iteration" json:"iteration"`
	Note      string  `yaml:"note,omitempty" json:"note,omitempty"`
}

// RunReply is the result of Run. RunID is empty when the server does not
// store results.
type RunReply struct {
	RunID        string        `yaml:"run_id,omitempty" json:"run_id,omitempty"`
	Symbol       string        `yaml:"symbol" json:"symbol"`
	Algorithm    string        `yaml:"algorithm" json:"algorithm"`
	Summary      Summary       `yaml:"summary" json:"summary"`
	Transactions []Transaction `yaml:"transactions,omitempty" json:"transactions,omitempty"`
}

// SweepRow is one streamed sweep result. Rank 1 is the best total return.
type SweepRow struct {
	Rank      int     `yaml:"rank" json:"rank"`
	Algorithm string  `yaml:"algorithm" json:"algorithm"`
	Summary   Summary `yaml:"summary" json:"summary"`
}

// RunRow is the header of a stored run.
type RunRow struct {
	ID          string  `yaml:"id" json:"id"`
	Symbol      string  `yaml:"symbol" json:"symbol"`
	Algorithm   string  `yaml:"algorithm" json:"algorithm"`
	CreatedAt   string  `yaml:"created_at" json:"created_at"` // RFC 3339
	TotalReturn float64 `yaml:"total_return" json:"total_return"`
}

// RunsReply is the result of ListRuns, newest first.
type RunsReply struct {
	Runs []RunRow `yaml:"runs" json:"runs"`
}

// ---------------------------------------------------------------------------
// Codec
// ---------------------------------------------------------------------------

// Encode converts a message to a Struct using its yaml keys.
func Encode(v any) (*structpb.Struct, error) {
	data, err := yaml.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding %T: %w", v, err)
	}
	m := map[string]any{}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("encoding %T: %w", v, err)
	}
	return structpb.NewStruct(m)
}

// Decode fills v from s. Fields absent from s keep their current values;
// keys that v does not define are an error.
func Decode(s *structpb.Struct, v any) error {
	if s == nil || len(s.GetFields()) == 0 {
		return nil
	}
	data, err := yaml.Marshal(integral(s.AsMap()))
	if err != nil {
		return fmt.Errorf("decoding %T: %w", v, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decoding %T: %w", v, err)
	}
	return nil
}

// integral turns whole numbers back into integers. Struct carries every
// number as a double, and the yaml decoder is stricter with floats bound
// for integer fields.
func integral(v any) any {
	switch v := v.(type) {
	case map[string]any:
		for k, e := range v {
			v[k] = integral(e)
		}
	case []any:
		for i, e := range v {
			v[i] = integral(e)
		}
	case float64:
		if v == math.Trunc(v) && math.Abs(v) < 1<<53 {
			return int64(v)
		}
	}
	return v
}
