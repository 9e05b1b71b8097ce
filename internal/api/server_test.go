package api

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"volharvest/internal/config"
	"volharvest/internal/domain"
	"volharvest/internal/engine"
	"volharvest/internal/gather"
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

// startServer serves an engine over bufconn and returns a connection to it.
func startServer(t *testing.T, results store.ResultStore) *grpc.ClientConn {
	t.Helper()
	cfg := config.Default()
	cfg.Backtest.Symbol = "TEST"
	cfg.Backtest.Start = "2022-01-03"
	cfg.Backtest.End = "2022-03-03"
	cfg.Backtest.InitialInvestment = 100_000

	e := engine.NewEngine(memProvider{"TEST": dipAndRecover()}, results, engine.DefaultLimits(), nil)
	cfg.Presets = map[string]string{"tight": "sd-5,50"}
	srv, err := NewServer(e, cfg, nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	gs := srv.NewGRPCServer()

	lis := bufconn.Listen(1 << 20)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("grpc.NewClient: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func newStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	db, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRunRoundTrip(t *testing.T) {
	client := volharvest.NewClient(startServer(t, newStore(t)))
	ctx := context.Background()

	reply, err := client.Run(ctx, volharvest.RunRequest{
		Backtest:     volharvest.Backtest{Algorithm: "tight"},
		Transactions: true,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if reply.RunID == "" {
		t.Error("RunID is empty")
	}
	if reply.Symbol != "TEST" || reply.Algorithm != "sd-5,50" {
		t.Errorf("reply = %s %s, want TEST sd-5,50", reply.Symbol, reply.Algorithm)
	}
	if reply.Summary.StartDate != "2022-01-03" || reply.Summary.EndDate != "2022-03-03" {
		t.Errorf("summary dates = %s..%s", reply.Summary.StartDate, reply.Summary.EndDate)
	}
	if reply.Summary.Counts["BUY"] < 2 || reply.Summary.Counts["SELL"] == 0 {
		t.Errorf("counts = %v, want dip buys and recovery sells", reply.Summary.Counts)
	}

	var total int
	for _, n := range reply.Summary.Counts {
		total += n
	}
	if len(reply.Transactions) != total {
		t.Fatalf("got %d transactions, counts sum to %d", len(reply.Transactions), total)
	}
	first := reply.Transactions[0]
	if first.Action != "BUY" || first.Quantity != 1000 || first.Amount != "-100000.00" || first.Note != "initial" {
		t.Errorf("first transaction = %+v", first)
	}

	runs, err := client.ListRuns(ctx, volharvest.ListRunsRequest{Symbol: "TEST"})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != reply.RunID {
		t.Errorf("ListRuns = %+v, want the run just made", runs)
	}
	if runs[0].TotalReturn != reply.Summary.TotalReturn {
		t.Errorf("stored total return = %v, want %v", runs[0].TotalReturn, reply.Summary.TotalReturn)
	}
}

func TestSweepStreamsRankedRows(t *testing.T) {
	client := volharvest.NewClient(startServer(t, nil))

	var rows []volharvest.SweepRow
	err := client.Sweep(context.Background(), volharvest.SweepRequest{
		Sweep: volharvest.SweepParams{
			Variant:  "sd",
			Brackets: []float64{2, 5, 10},
			Sharings: []float64{50},
			Workers:  2,
			Top:      2,
		},
	}, func(r volharvest.SweepRow) error {
		rows = append(rows, r)
		return nil
	})
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	if rows[0].Rank != 1 || rows[1].Rank != 2 {
		t.Errorf("ranks = %d, %d", rows[0].Rank, rows[1].Rank)
	}
	if rows[0].Summary.TotalReturn < rows[1].Summary.TotalReturn {
		t.Error("rows not ordered best first")
	}
}

func TestErrorCodes(t *testing.T) {
	conn := startServer(t, nil)
	client := volharvest.NewClient(conn)
	ctx := context.Background()

	tests := []struct {
		name string
		req  volharvest.RunRequest
		want codes.Code
	}{
		{"unknown algorithm", volharvest.RunRequest{Backtest: volharvest.Backtest{Algorithm: "zz-1"}}, codes.InvalidArgument},
		{"bracket out of range", volharvest.RunRequest{Backtest: volharvest.Backtest{Algorithm: "sd-0.5,50"}}, codes.InvalidArgument},
		{"bad date", volharvest.RunRequest{Backtest: volharvest.Backtest{Start: "Jan 3"}}, codes.InvalidArgument},
		{"unknown symbol", volharvest.RunRequest{Backtest: volharvest.Backtest{Symbol: "NOPE"}}, codes.NotFound},
		{"negative borrow rate", volharvest.RunRequest{Backtest: volharvest.Backtest{BorrowRate: -1}}, codes.InvalidArgument},
		{"range too long", volharvest.RunRequest{Backtest: volharvest.Backtest{Start: "1900-01-02"}}, codes.ResourceExhausted},
	}
	for _, tt := range tests {
		_, err := client.Run(ctx, tt.req)
		if got := status.Code(err); got != tt.want {
			t.Errorf("%s: code = %v, want %v (err %v)", tt.name, got, tt.want, err)
		}
	}

	unknown, _ := structpb.NewStruct(map[string]any{"bogus": 1})
	err := conn.Invoke(ctx, volharvest.RunMethod, unknown, &structpb.Struct{})
	if got := status.Code(err); got != codes.InvalidArgument {
		t.Errorf("unknown field: code = %v, want InvalidArgument", got)
	}

	if _, err := client.ListRuns(ctx, volharvest.ListRunsRequest{}); status.Code(err) != codes.FailedPrecondition {
		t.Errorf("ListRuns without a store: err = %v, want FailedPrecondition", err)
	}
}

func TestHealth(t *testing.T) {
	conn := startServer(t, nil)
	resp, err := healthpb.NewHealthClient(conn).Check(context.Background(),
		&healthpb.HealthCheckRequest{Service: volharvest.ServiceName})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("status = %v, want SERVING", resp.GetStatus())
	}
}
