package backtest

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"volharvest/internal/algo"
	"volharvest/internal/domain"
)

// SweepResult pairs an algorithm with the summary of its run.
type SweepResult struct {
	Algorithm algo.Algorithm
	Summary   Summary
}

// Grid returns one algorithm per (bracket, sharing) pair, both in percent.
// Invalid combinations are reported, not skipped.
func Grid(v algo.Variant, bracketPcts, sharingPcts []float64) ([]algo.Algorithm, error) {
	out := make([]algo.Algorithm, 0, len(bracketPcts)*len(sharingPcts))
	for _, b := range bracketPcts {
		for _, p := range sharingPcts {
			a, err := algo.New(v, b, p)
			if err != nil {
				return nil, err
			}
			out = append(out, a)
		}
	}
	return out, nil
}

// Sweep runs base once per algorithm over the same bars, at most workers
// at a time. Runs share only the read-only inputs. Cancelling ctx stops new
// runs from starting; runs already started finish. Results are in the order
// of algs.
func (bt *Backtester) Sweep(ctx context.Context, bars []domain.Bar, dividends []domain.Dividend, base Config, algs []algo.Algorithm, workers int) ([]SweepResult, error) {
	if workers <= 0 {
		workers = 1
	}
	results := make([]SweepResult, len(algs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, a := range algs {
		if err := gctx.Err(); err != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			cfg := base
			cfg.Algorithm = a
			res, err := bt.Run(bars, dividends, cfg)
			if err != nil {
				return fmt.Errorf("sweep %s: %w", a, err)
			}
			results[i] = SweepResult{Algorithm: a, Summary: res.Summary}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// RankByReturn sorts results by total return, best first.
func RankByReturn(results []SweepResult) {
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Summary.TotalReturn > results[j].Summary.TotalReturn
	})
}
