package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/rs/cors"
	"google.golang.org/grpc/codes"

	"volharvest/internal/algo"
	"volharvest/internal/api"
	"volharvest/internal/config"
	"volharvest/internal/engine"
	"volharvest/internal/metrics"
	"volharvest/pkg/volharvest"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

var errNoStore = errors.New("server does not store results")

// Server serves the JSON API.
type Server struct {
	engine   *engine.Engine
	defaults config.BacktestConfig
	sweep    config.SweepConfig
	registry *algo.Registry
	origins  []string
	metrics  *metrics.Recorder
	log      *slog.Logger
}

// NewServer creates a Server. Request fields that are not set take their
// values from cfg. m may be nil, in which case /metrics is not served.
func NewServer(e *engine.Engine, cfg *config.Config, m *metrics.Recorder, log *slog.Logger) (*Server, error) {
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
		origins:  cfg.Server.CORSOrigins,
		metrics:  m,
		log:      log.With("component", "httpapi"),
	}, nil
}

// RegisterRoutes registers all API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/algorithms", s.handleAlgorithms)
	mux.HandleFunc("POST /api/backtest", s.handleBacktest)
	mux.HandleFunc("POST /api/sweep", s.handleSweep)
	mux.HandleFunc("GET /api/runs", s.handleRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.handleRun)
	mux.HandleFunc("GET /api/runs/{id}/transactions", s.handleTransactions)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
}

// Handler returns an http.Handler with CORS and request metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	c := cors.New(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type"},
	})
	return c.Handler(s.instrument(mux))
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(lis) }()
	s.log.Info("http server listening", "addr", lis.Addr().String())

	select {
	case <-ctx.Done():
		s.log.Info("shutting down http server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleAlgorithms(w http.ResponseWriter, _ *http.Request) {
	names := s.registry.List()
	out := make([]Preset, 0, len(names))
	for _, name := range names {
		a, err := s.registry.Get(name)
		if err != nil {
			continue
		}
		out = append(out, Preset{Name: name, Code: a.String()})
	}
	writeJSON(w, out)
}

func (s *Server) handleBacktest(w http.ResponseWriter, r *http.Request) {
	req := BacktestRequest{BacktestConfig: s.defaults}
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, codes.InvalidArgument, err)
		return
	}
	er, err := api.EngineRequest(s.registry, req.BacktestConfig)
	if err != nil {
		s.fail(w, err)
		return
	}
	out, err := s.engine.Run(r.Context(), er)
	if err != nil {
		s.fail(w, err)
		return
	}
	reply := volharvest.RunReply{
		RunID:     out.RunID,
		Symbol:    out.Result.Symbol,
		Algorithm: out.Result.Config.Algorithm.String(),
		Summary:   api.SummaryMessage(out.Result.Summary),
	}
	if req.Transactions {
		reply.Transactions = api.TransactionMessages(out.Result.Transactions)
	}
	writeJSON(w, reply)
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	req := SweepRequest{BacktestConfig: s.defaults, Sweep: s.sweep}
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, codes.InvalidArgument, err)
		return
	}
	if err := config.Validate(req.Sweep); err != nil {
		s.fail(w, err)
		return
	}
	er, err := api.EngineRequest(s.registry, req.BacktestConfig)
	if err != nil {
		s.fail(w, err)
		return
	}
	algs, err := req.Sweep.Algorithms()
	if err != nil {
		s.fail(w, err)
		return
	}
	results, err := s.engine.Sweep(r.Context(), er, algs, req.Sweep.Workers)
	if err != nil {
		s.fail(w, err)
		return
	}
	if top := req.Sweep.Top; top > 0 && top < len(results) {
		results = results[:top]
	}
	reply := SweepReply{Symbol: er.Config.Symbol, Rows: make([]volharvest.SweepRow, len(results))}
	for i, res := range results {
		reply.Rows[i] = volharvest.SweepRow{
			Rank:      i + 1,
			Algorithm: res.Algorithm.String(),
			Summary:   api.SummaryMessage(res.Summary),
		}
	}
	writeJSON(w, reply)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	rs := s.engine.Results()
	if rs == nil {
		writeError(w, http.StatusServiceUnavailable, codes.FailedPrecondition, errNoStore)
		return
	}
	q, err := parseRunsQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, codes.InvalidArgument, err)
		return
	}
	runs, err := rs.ListRuns(r.Context(), q.Symbol)
	if err != nil {
		s.fail(w, err)
		return
	}
	if q.Limit < len(runs) {
		runs = runs[:q.Limit]
	}
	out := volharvest.RunsReply{Runs: make([]volharvest.RunRow, len(runs))}
	for i, run := range runs {
		out.Runs[i] = api.RunRowMessage(run)
	}
	writeJSON(w, out)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	rs := s.engine.Results()
	if rs == nil {
		writeError(w, http.StatusServiceUnavailable, codes.FailedPrecondition, errNoStore)
		return
	}
	info, err := rs.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, RunDetail{
		RunRow:  api.RunRowMessage(*info),
		Summary: api.SummaryMessage(info.Summary),
	})
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	rs := s.engine.Results()
	if rs == nil {
		writeError(w, http.StatusServiceUnavailable, codes.FailedPrecondition, errNoStore)
		return
	}
	id := r.PathValue("id")
	// GetRun tells an unknown run from one without transactions.
	if _, err := rs.GetRun(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	txs, err := rs.ListTransactions(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, api.TransactionMessages(txs))
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// fail writes err with the HTTP status matching its gRPC code.
func (s *Server) fail(w http.ResponseWriter, err error) {
	code := api.Code(err)
	status := httpStatus(code)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "error", err)
	}
	writeError(w, status, code, err)
}

func httpStatus(code codes.Code) int {
	switch code {
	case codes.OK:
		return http.StatusOK
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.NotFound:
		return http.StatusNotFound
	case codes.FailedPrecondition:
		return http.StatusServiceUnavailable
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.Canceled:
		return 499
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	// An empty body keeps every default.
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decoding request body: %w", err)
	}
	return nil
}

func parseRunsQuery(r *http.Request) (runsQuery, error) {
	var q runsQuery
	if err := defaults.Set(&q); err != nil {
		return q, err
	}
	q.Symbol = strings.ToUpper(r.URL.Query().Get("symbol"))
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return q, fmt.Errorf("limit %q: %w", v, err)
		}
		q.Limit = n
	}
	return q, config.Validate(q)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code codes.Code, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorReply{Error: err.Error(), Code: code.String()})
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// instrument logs every request and records it on the metrics recorder by
// its route pattern.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		elapsed := time.Since(start)
		s.metrics.RecordRequest("http", route, strconv.Itoa(sw.status), elapsed)
		s.log.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"elapsed", elapsed.Round(time.Millisecond),
		)
	})
}
