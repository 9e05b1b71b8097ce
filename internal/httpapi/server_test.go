package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"volharvest/internal/config"
	"volharvest/internal/domain"
	"volharvest/internal/engine"
	"volharvest/internal/gather"
	"volharvest/internal/metrics"
	"volharvest/internal/store"
	"volharvest/pkg/volharvest"
)

var day0 = time.Date(2022, 1, 3, 0, 0, 0, 0, time.UTC)

type memProvider map[string][]domain.Bar

func (m memProvider) GetPrices(_ context.Context, symbol string, start, end time.Time) ([]domain.Bar, error) {
	var out []domain.Bar
	for _, b := range m[symbol] {
		if !b.Date.Before(start) && !b.Date.After(end) {
			out = append(out, b)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s: %w", symbol, gather.ErrNoData)
	}
	return out, nil
}

func (m memProvider) GetDividends(context.Context, string, time.Time, time.Time) ([]domain.Dividend, error) {
	return nil, nil
}

// dipAndRecover falls 20% over ten days and climbs back to a new high.
func dipAndRecover() []domain.Bar {
	bars := make([]domain.Bar, 60)
	for i := range bars {
		p := 110.0
		switch {
		case i < 10:
			p = 100 - 2*float64(i)
		case i < 25:
			p = 80 + 2*float64(i-10)
		}
		bars[i] = domain.Bar{Symbol: "TEST", Date: day0.AddDate(0, 0, i), Open: p, High: p, Low: p, Close: p}
	}
	return bars
}

type fixture struct {
	srv     *httptest.Server
	metrics *metrics.Recorder
}

func newFixture(t *testing.T, withStore bool) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Backtest.Symbol = "TEST"
	cfg.Backtest.Start = "2022-01-03"
	cfg.Backtest.End = "2022-03-03"
	cfg.Backtest.InitialInvestment = 100_000
	cfg.Presets = map[string]string{"tight": "sd-5,50"}

	var results store.ResultStore
	if withStore {
		db, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "runs.db"))
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { db.Close() })
		results = db
	}
	m := metrics.New()
	e := engine.NewEngine(memProvider{"TEST": dipAndRecover()}, results, engine.DefaultLimits(), nil)
	e.SetMetrics(m)

	s, err := NewServer(e, cfg, m, nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, metrics: m}
}

func (f *fixture) do(t *testing.T, method, path, body string, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decoding response: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func TestBacktestAndRuns(t *testing.T) {
	f := newFixture(t, true)

	var reply volharvest.RunReply
	code := f.do(t, "POST", "/api/backtest", `{"algorithm":"tight","transactions":true}`, &reply)
	if code != http.StatusOK {
		t.Fatalf("POST /api/backtest status = %d", code)
	}
	if reply.RunID == "" || reply.Algorithm != "sd-5,50" {
		t.Fatalf("reply = %+v", reply)
	}
	if len(reply.Transactions) == 0 || reply.Transactions[0].Amount != "-100000.00" {
		t.Errorf("transactions = %+v", reply.Transactions)
	}

	var runs volharvest.RunsReply
	if code := f.do(t, "GET", "/api/runs?symbol=test&limit=5", "", &runs); code != http.StatusOK {
		t.Fatalf("GET /api/runs status = %d", code)
	}
	if len(runs.Runs) != 1 || runs.Runs[0].ID != reply.RunID {
		t.Errorf("runs = %+v", runs.Runs)
	}

	var detail RunDetail
	if code := f.do(t, "GET", "/api/runs/"+reply.RunID, "", &detail); code != http.StatusOK {
		t.Fatalf("GET /api/runs/{id} status = %d", code)
	}
	if detail.ID != reply.RunID || detail.Summary.TotalReturn != reply.Summary.TotalReturn {
		t.Errorf("detail = %+v", detail)
	}

	var txs []volharvest.Transaction
	if code := f.do(t, "GET", "/api/runs/"+reply.RunID+"/transactions", "", &txs); code != http.StatusOK {
		t.Fatalf("GET transactions status = %d", code)
	}
	if len(txs) != len(reply.Transactions) {
		t.Errorf("got %d stored transactions, want %d", len(txs), len(reply.Transactions))
	}

	var e errorReply
	if code := f.do(t, "GET", "/api/runs/nope", "", &e); code != http.StatusNotFound || e.Code != "NotFound" {
		t.Errorf("unknown run: status %d, reply %+v", code, e)
	}
	if code := f.do(t, "GET", "/api/runs/nope/transactions", "", nil); code != http.StatusNotFound {
		t.Errorf("unknown run transactions: status %d, want 404", code)
	}
}

func TestSweep(t *testing.T) {
	f := newFixture(t, false)

	var reply SweepReply
	body := `{"sweep":{"variant":"sd","brackets":[2,5,10],"sharings":[50],"workers":2,"top":2}}`
	if code := f.do(t, "POST", "/api/sweep", body, &reply); code != http.StatusOK {
		t.Fatalf("POST /api/sweep status = %d", code)
	}
	if reply.Symbol != "TEST" || len(reply.Rows) != 2 {
		t.Fatalf("reply = %+v", reply)
	}
	if reply.Rows[0].Rank != 1 || reply.Rows[0].Summary.TotalReturn < reply.Rows[1].Summary.TotalReturn {
		t.Errorf("rows not ranked best first: %+v", reply.Rows)
	}
}

func TestErrors(t *testing.T) {
	f := newFixture(t, false)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"unknown field", "POST", "/api/backtest", `{"bogus":1}`, http.StatusBadRequest},
		{"malformed body", "POST", "/api/backtest", `{`, http.StatusBadRequest},
		{"unknown algorithm", "POST", "/api/backtest", `{"algorithm":"zz-1"}`, http.StatusBadRequest},
		{"bad date", "POST", "/api/backtest", `{"start":"Jan 3"}`, http.StatusBadRequest},
		{"unknown symbol", "POST", "/api/backtest", `{"symbol":"NOPE"}`, http.StatusNotFound},
		{"range too long", "POST", "/api/backtest", `{"start":"1900-01-02"}`, http.StatusTooManyRequests},
		{"inverted range", "POST", "/api/backtest", `{"start":"2022-03-03","end":"2022-01-03"}`, http.StatusBadRequest},
		{"bad bracket in sweep", "POST", "/api/sweep", `{"sweep":{"brackets":[-2]}}`, http.StatusBadRequest},
		{"no store", "GET", "/api/runs", "", http.StatusServiceUnavailable},
		{"wrong method", "GET", "/api/backtest", "", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		if got := f.do(t, tt.method, tt.path, tt.body, nil); got != tt.want {
			t.Errorf("%s: status = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestRunsQuery(t *testing.T) {
	f := newFixture(t, true)
	for _, q := range []string{"?limit=0", "?limit=abc", "?limit=5000"} {
		if got := f.do(t, "GET", "/api/runs"+q, "", nil); got != http.StatusBadRequest {
			t.Errorf("GET /api/runs%s status = %d, want 400", q, got)
		}
	}
	var runs volharvest.RunsReply
	if got := f.do(t, "GET", "/api/runs", "", &runs); got != http.StatusOK || len(runs.Runs) != 0 {
		t.Errorf("empty store: status %d, runs %+v", got, runs.Runs)
	}
}

func TestAlgorithmsAndMetrics(t *testing.T) {
	f := newFixture(t, false)

	var presets []Preset
	if code := f.do(t, "GET", "/api/algorithms", "", &presets); code != http.StatusOK {
		t.Fatalf("GET /api/algorithms status = %d", code)
	}
	found := false
	for _, p := range presets {
		if p.Name == "tight" && p.Code == "sd-5,50" {
			found = true
		}
	}
	if !found {
		t.Errorf("presets = %+v, want the configured one", presets)
	}

	resp, err := http.Get(f.srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	want := `volharvest_requests_total{code="200",method="GET /api/algorithms",transport="http"} 1`
	if !strings.Contains(string(body), want) {
		t.Errorf("metrics output missing %q", want)
	}
}

func TestCORS(t *testing.T) {
	f := newFixture(t, false)
	req, _ := http.NewRequest("OPTIONS", f.srv.URL+"/api/runs", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "GET")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
	}
}
