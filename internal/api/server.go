// Package api serves the backtest engine over gRPC.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"volharvest/internal/algo"
	"volharvest/internal/backtest"
	"volharvest/internal/config"
	"volharvest/internal/domain"
	"volharvest/internal/engine"
	"volharvest/internal/gather"
	"volharvest/internal/metrics"
	"volharvest/internal/store"
	"volharvest/pkg/volharvest"
)

// Server implements BacktestServer on top of an engine.Engine.
type Server struct {
	engine   *engine.Engine
	defaults config.BacktestConfig
	sweep    config.SweepConfig
	registry *algo.Registry
	metrics  *metrics.Recorder
	log      *slog.Logger
}

// Compile-time interface check.
var _ BacktestServer = (*Server)(nil)

// NewServer creates a Server. Request fields that are not set take their
// values from cfg, and algorithm names may be any of cfg's presets.
func NewServer(e *engine.Engine, cfg *config.Config, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}
	reg, err := cfg.Registry()
	if err != nil {
		return nil, err
	}
	return &Server{
		engine:   e,
		defaults: cfg.Backtest,
		sweep:    cfg.Sweep,
		registry: reg,
		log:      log.With("component", "api"),
	}, nil
}

// SetMetrics records every call on m.
func (s *Server) SetMetrics(m *metrics.Recorder) { s.metrics = m }

// RegisterGRPC registers the service, and a health service reporting it as
// serving, on gs.
func (s *Server) RegisterGRPC(gs *grpc.Server) {
	gs.RegisterService(&ServiceDesc, s)
	hs := health.NewServer()
	hs.SetServingStatus(volharvest.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(gs, hs)
}

// NewGRPCServer returns a grpc.Server with the logging interceptors and s
// registered.
func (s *Server) NewGRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts,
		grpc.ChainUnaryInterceptor(s.logUnary),
		grpc.ChainStreamInterceptor(s.logStream),
	)
	gs := grpc.NewServer(opts...)
	s.RegisterGRPC(gs)
	return gs
}

// ListenAndServe serves on addr until ctx is cancelled, then stops
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	gs := s.NewGRPCServer()

	errCh := make(chan error, 1)
	go func() { errCh <- gs.Serve(lis) }()
	s.log.Info("grpc server listening", "addr", lis.Addr().String())

	select {
	case <-ctx.Done():
		s.log.Info("shutting down grpc server")
		gs.GracefulStop()
		return nil
	case err := <-errCh:
		return err
	}
}

// ---------------------------------------------------------------------------
// Methods
// ---------------------------------------------------------------------------

type runRequest struct {
	config.BacktestConfig `yaml:",inline"`
	Transactions          bool `yaml:"transactions"`
}

type sweepRequest struct {
	config.BacktestConfig `yaml:",inline"`
	Sweep                 config.SweepConfig `yaml:"sweep"`
}

// Run runs one backtest and saves it when the engine has a result store.
func (s *Server) Run(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req := runRequest{BacktestConfig: s.defaults}
	if err := volharvest.Decode(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	er, err := EngineRequest(s.registry, req.BacktestConfig)
	if err != nil {
		return nil, toStatus(err)
	}
	out, err := s.engine.Run(ctx, er)
	if err != nil {
		return nil, toStatus(err)
	}

	reply := volharvest.RunReply{
		RunID:     out.RunID,
		Symbol:    out.Result.Symbol,
		Algorithm: out.Result.Config.Algorithm.String(),
		Summary:   SummaryMessage(out.Result.Summary),
	}
	if req.Transactions {
		reply.Transactions = TransactionMessages(out.Result.Transactions)
	}
	return encodeReply(reply)
}

// Sweep runs the requested grid and streams the rows best first.
func (s *Server) Sweep(in *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	req := sweepRequest{BacktestConfig: s.defaults, Sweep: s.sweep}
	if err := volharvest.Decode(in, &req); err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	er, err := EngineRequest(s.registry, req.BacktestConfig)
	if err != nil {
		return toStatus(err)
	}
	if err := config.Validate(req.Sweep); err != nil {
		return toStatus(err)
	}
	algs, err := req.Sweep.Algorithms()
	if err != nil {
		return toStatus(err)
	}

	ctx := stream.Context()
	results, err := s.engine.Sweep(ctx, er, algs, req.Sweep.Workers)
	if err != nil {
		return toStatus(err)
	}
	if top := req.Sweep.Top; top > 0 && top < len(results) {
		results = results[:top]
	}
	for i, r := range results {
		msg, err := encodeReply(volharvest.SweepRow{
			Rank:      i + 1,
			Algorithm: r.Algorithm.String(),
			Summary:   SummaryMessage(r.Summary),
		})
		if err != nil {
			return err
		}
		if err := stream.Send(msg); err != nil {
			return err
		}
	}
	return nil
}

// ListRuns lists stored runs, newest first.
func (s *Server) ListRuns(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req volharvest.ListRunsRequest
	if err := volharvest.Decode(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	rs := s.engine.Results()
	if rs == nil {
		return nil, status.Error(codes.FailedPrecondition, "server does not store results")
	}
	runs, err := rs.ListRuns(ctx, req.Symbol)
	if err != nil {
		return nil, toStatus(err)
	}
	if req.Limit > 0 && req.Limit < len(runs) {
		runs = runs[:req.Limit]
	}
	reply := volharvest.RunsReply{Runs: make([]volharvest.RunRow, len(runs))}
	for i, r := range runs {
		reply.Runs[i] = RunRowMessage(r)
	}
	return encodeReply(reply)
}

// ---------------------------------------------------------------------------
// Conversion
// ---------------------------------------------------------------------------

// EngineRequest converts backtest settings to an engine request, resolving
// preset names through reg.
func EngineRequest(reg *algo.Registry, bc config.BacktestConfig) (engine.Request, error) {
	if err := config.Validate(bc); err != nil {
		return engine.Request{}, err
	}
	bc, err := bc.Resolve(reg)
	if err != nil {
		return engine.Request{}, err
	}
	cfg, err := bc.Config()
	if err != nil {
		return engine.Request{}, err
	}
	start, end, err := bc.Range()
	if err != nil {
		return engine.Request{}, err
	}
	return engine.Request{
		Config:      cfg,
		Start:       start,
		End:         end,
		IndexSymbol: bc.Withdrawal.IndexSymbol,
	}, nil
}

func encodeReply(v any) (*structpb.Struct, error) {
	s, err := volharvest.Encode(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return s, nil
}

// SummaryMessage converts a run summary to its wire form.
func SummaryMessage(sum backtest.Summary) volharvest.Summary {
	counts := make(map[string]int, len(sum.Counts))
	for a, n := range sum.Counts {
		counts[string(a)] = n
	}
	return volharvest.Summary{
		StartDate:           sum.StartDate.Format("2006-01-02"),
		EndDate:             sum.EndDate.Format("2006-01-02"),
		StartValue:          sum.StartValue,
		EndValue:            sum.EndValue,
		TotalReturn:         sum.TotalReturn,
		AnnualizedReturn:    sum.AnnualizedReturn,
		RealizedAlpha:       sum.RealizedAlpha,
		UnrealizedAlpha:     sum.UnrealizedAlpha,
		HasBaseline:         sum.HasBaseline,
		BaselineReturn:      sum.BaselineReturn,
		VolatilityAlpha:     sum.VolatilityAlpha,
		CoverageRatio:       sum.CoverageRatio,
		CapitalUtilization:  sum.CapitalUtilization,
		Counts:              counts,
		CashMin:             sum.CashMin,
		CashMean:            sum.CashMean,
		CashMax:             sum.CashMax,
		Dividends:           sum.Dividends,
		Withdrawn:           sum.Withdrawn,
		WithdrawalShortfall: sum.WithdrawalShortfall,
		OpportunityCost:     sum.OpportunityCost,
		InterestEarned:      sum.InterestEarned,
		FinalHoldings:       sum.FinalHoldings,
		FinalStackDepth:     sum.FinalStackDepth,
	}
}

// RunRowMessage converts a stored run header to its wire form.
func RunRowMessage(r store.RunInfo) volharvest.RunRow {
	return volharvest.RunRow{
		ID:          r.ID,
		Symbol:      r.Symbol,
		Algorithm:   r.Algorithm,
		CreatedAt:   r.CreatedAt.UTC().Format(time.RFC3339),
		TotalReturn: r.Summary.TotalReturn,
	}
}

// TransactionMessages converts a transaction log to its wire form.
func TransactionMessages(txs []domain.Transaction) []volharvest.Transaction {
	out := make([]volharvest.Transaction, len(txs))
	for i, tx := range txs {
		out[i] = volharvest.Transaction{
			Date:      tx.Date.Format("2006-01-02"),
			Action:    string(tx.Action),
			Quantity:  tx.Quantity,
			Price:     tx.Price,
			Amount:    tx.Amount.StringFixed(2),
			Iteration: tx.Iteration,
			Note:      tx.Note,
		}
	}
	return out
}

func toStatus(err error) error {
	return status.Error(Code(err), err.Error())
}

// Code maps domain errors to gRPC status codes.
func Code(err error) codes.Code {
	switch {
	case err == nil:
		return codes.OK
	case errors.Is(err, backtest.ErrInvalidConfig),
		errors.Is(err, backtest.ErrNonMonotonicDates),
		errors.Is(err, domain.ErrInvalidBar),
		errors.Is(err, algo.ErrUnknownVariant),
		errors.Is(err, algo.ErrInvalidBracket),
		errors.Is(err, algo.ErrInvalidProfitSharing):
		return codes.InvalidArgument
	case errors.Is(err, gather.ErrNoData),
		errors.Is(err, backtest.ErrNoBars),
		errors.Is(err, store.ErrNotFound):
		return codes.NotFound
	case errors.Is(err, engine.ErrLimitExceeded):
		return codes.ResourceExhausted
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	default:
		return codes.Internal
	}
}

// ---------------------------------------------------------------------------
// Interceptors
// ---------------------------------------------------------------------------

func (s *Server) logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	s.logCall(info.FullMethod, start, err)
	return resp, err
}

func (s *Server) logStream(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	start := time.Now()
	err := handler(srv, ss)
	s.logCall(info.FullMethod, start, err)
	return err
}

func (s *Server) logCall(method string, start time.Time, err error) {
	code := status.Code(err)
	s.metrics.RecordRequest("grpc", method, code.String(), time.Since(start))
	level := slog.LevelInfo
	if code != codes.OK && code != codes.InvalidArgument && code != codes.NotFound {
		level = slog.LevelWarn
	}
	s.log.Log(context.Background(), level, "grpc call",
		"method", method,
		"code", code.String(),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
}
