// Package engine coordinates a backtest run across the data provider, the
// simulation core, and the result store.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"volharvest/internal/algo"
	"volharvest/internal/backtest"
	"volharvest/internal/domain"
	"volharvest/internal/gather"
	"volharvest/internal/metrics"
	"volharvest/internal/store"
)

// ErrNoSymbol is returned for a request without a symbol.
var ErrNoSymbol = errors.New("no symbol")

// Request describes one run, or the base of a sweep.
type Request struct {
	Config backtest.Config
	Start  time.Time
	End    time.Time

	// IndexSymbol, when set, scales withdrawals by that symbol's closes.
	IndexSymbol string
}

// Inputs are the market data a request needs.
type Inputs struct {
	Bars      []domain.Bar
	Dividends []domain.Dividend
	Index     *backtest.PriceIndex
}

// Outcome is a finished run and, when it was saved, its run ID.
type Outcome struct {
	RunID  string
	Result *backtest.Result
}

// Engine runs backtests over provider data. It is safe for concurrent use
// when its provider and result store are.
type Engine struct {
	provider gather.Provider
	results  store.ResultStore
	limits   *Limits
	bt       *backtest.Backtester
	metrics  *metrics.Recorder
	log      *slog.Logger
}

// NewEngine creates a new Engine wired with the given dependencies. results
// may be nil, in which case runs are not saved; limits may be nil for no
// limits.
func NewEngine(provider gather.Provider, results store.ResultStore, limits *Limits, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		provider: provider,
		results:  results,
		limits:   limits,
		bt:       backtest.NewBacktester(log),
		log:      log.With("component", "engine"),
	}
}

// SetMetrics records run and sweep metrics on m.
func (e *Engine) SetMetrics(m *metrics.Recorder) { e.metrics = m }

// Results returns the result store, or nil.
func (e *Engine) Results() store.ResultStore { return e.results }

// Load fetches bars, dividends, and the withdrawal index concurrently.
func (e *Engine) Load(ctx context.Context, req Request) (*Inputs, error) {
	symbol := req.Config.Symbol
	if symbol == "" {
		return nil, fmt.Errorf("%w: %w", backtest.ErrInvalidConfig, ErrNoSymbol)
	}

	in := &Inputs{}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		bars, err := e.provider.GetPrices(gctx, symbol, req.Start, req.End)
		if err != nil {
			return fmt.Errorf("loading %s bars: %w", symbol, err)
		}
		in.Bars = bars
		return nil
	})
	g.Go(func() error {
		divs, err := e.provider.GetDividends(gctx, symbol, req.Start, req.End)
		if err != nil {
			return fmt.Errorf("loading %s dividends: %w", symbol, err)
		}
		in.Dividends = divs
		return nil
	})
	if req.IndexSymbol != "" {
		g.Go(func() error {
			bars, err := e.provider.GetPrices(gctx, req.IndexSymbol, req.Start, req.End)
			if err != nil {
				return fmt.Errorf("loading index %s: %w", req.IndexSymbol, err)
			}
			in.Index = backtest.NewPriceIndex(bars)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return in, nil
}

// Run loads the data for req, runs it, and saves the result when a result
// store is configured.
func (e *Engine) Run(ctx context.Context, req Request) (out *Outcome, err error) {
	defer func(start time.Time) { e.metrics.RecordRun("run", time.Since(start), err) }(time.Now())

	if err := e.limits.CheckRun(req); err != nil {
		return nil, err
	}
	in, err := e.Load(ctx, req)
	if err != nil {
		return nil, err
	}
	cfg := req.Config
	cfg.Withdrawal.Index = in.Index

	res, err := e.bt.Run(in.Bars, in.Dividends, cfg)
	if err != nil {
		return nil, err
	}
	out = &Outcome{Result: res}
	if e.results != nil {
		if out.RunID, err = e.results.SaveRun(ctx, res); err != nil {
			return nil, fmt.Errorf("saving run: %w", err)
		}
		e.log.Info("run saved", "id", out.RunID, "symbol", res.Symbol, "algorithm", cfg.Algorithm.String())
	}
	return out, nil
}

// Sweep loads the data for req once and runs it with every algorithm in
// algs. Results are ranked best first. Sweeps are not saved.
func (e *Engine) Sweep(ctx context.Context, req Request, algs []algo.Algorithm, workers int) (_ []backtest.SweepResult, err error) {
	defer func(start time.Time) { e.metrics.RecordRun("sweep", time.Since(start), err) }(time.Now())

	workers, err = e.limits.CheckSweep(req, len(algs), workers)
	if err != nil {
		return nil, err
	}
	in, err := e.Load(ctx, req)
	if err != nil {
		return nil, err
	}
	base := req.Config
	base.Withdrawal.Index = in.Index

	start := time.Now()
	results, err := e.bt.Sweep(ctx, in.Bars, in.Dividends, base, algs, workers)
	if err != nil {
		return nil, err
	}
	backtest.RankByReturn(results)
	e.metrics.RecordSweepPoints(len(results))
	e.log.Info("sweep complete",
		"symbol", base.Symbol,
		"runs", len(results),
		"workers", workers,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return results, nil
}
