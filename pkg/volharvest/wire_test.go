package volharvest

import (
	"bytes"
	"strings"
	"testing"

	"google.golang.org/protobuf/types/known/structpb"
)

func TestEncodeOmitsUnsetFields(t *testing.T) {
	s, err := Encode(RunRequest{Backtest: Backtest{Symbol: "NVDA", CashMode: "strict"}})
	if err != nil {
		t.Fatal(err)
	}
	fields := s.GetFields()
	if len(fields) != 2 {
		t.Errorf("got fields %v, want symbol and cash_mode only", s.AsMap())
	}
	if fields["symbol"].GetStringValue() != "NVDA" {
		t.Errorf("symbol = %v, want NVDA", fields["symbol"])
	}
}

func TestDecodeKeepsDefaultsAndRejectsUnknownKeys(t *testing.T) {
	s, err := structpb.NewStruct(map[string]any{
		"algorithm": "sd-ath-10,75",
		"withdrawal": map[string]any{
			"annual_rate":  0.04,
			"cadence_days": 30,
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	req := RunRequest{Backtest: Backtest{Symbol: "SPY", Algorithm: "sd-9.05,50"}}
	if err := Decode(s, &req); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if req.Symbol != "SPY" {
		t.Errorf("Symbol = %q, want default SPY kept", req.Symbol)
	}
	if req.Algorithm != "sd-ath-10,75" {
		t.Errorf("Algorithm = %q, want sd-ath-10,75", req.Algorithm)
	}
	if req.Withdrawal == nil || req.Withdrawal.CadenceDays != 30 || req.Withdrawal.AnnualRate != 0.04 {
		t.Errorf("Withdrawal = %+v", req.Withdrawal)
	}

	bad, _ := structpb.NewStruct(map[string]any{"symbl": "SPY"})
	if err := Decode(bad, &req); err == nil {
		t.Error("Decode accepted an unknown key")
	}
}

func TestReplyRoundTrip(t *testing.T) {
	in := RunReply{
		RunID:     "abc",
		Symbol:    "KO",
		Algorithm: "sd-9.05,50",
		Summary: Summary{
			StartDate:     "2020-01-02",
			TotalReturn:   0.125,
			Counts:        map[string]int{"BUY": 3, "SELL": 2},
			FinalHoldings: 12_000_000,
		},
		Transactions: []Transaction{{Date: "2020-01-02", Action: "BUY", Quantity: 100, Price: 55.5, Amount: "-5550.00", Note: "initial"}},
	}
	s, err := Encode(in)
	if err != nil {
		t.Fatal(err)
	}
	var out RunReply
	if err := Decode(s, &out); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out.Summary.StartDate != "2020-01-02" || out.Summary.Counts["BUY"] != 3 || out.Summary.FinalHoldings != 12_000_000 {
		t.Errorf("summary = %+v", out.Summary)
	}
	if len(out.Transactions) != 1 || out.Transactions[0].Amount != "-5550.00" {
		t.Errorf("transactions = %+v", out.Transactions)
	}
}

func TestWriteSummary(t *testing.T) {
	var buf bytes.Buffer
	err := WriteSummary(&buf, "KO", "sd-9.05,50", Summary{
		TotalReturn: 0.5,
		Counts:      map[string]int{"BUY": 4},
	})
	if err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"KO", "sd-9.05,50", "50.00%", "BUY"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "baseline") {
		t.Error("summary shows a baseline that was not run")
	}
}
