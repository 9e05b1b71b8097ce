package engine

import (
	"errors"
	"fmt"

	"volharvest/internal/backtest"
)

// ErrLimitExceeded is returned when a request is larger than the engine
// allows.
var ErrLimitExceeded = errors.New("request exceeds limits")

// Limits bounds the work one request may cause. A nil *Limits allows
// everything; zero fields are unlimited.
type Limits struct {
	// MaxYears bounds the requested date range.
	MaxYears int
	// MaxSweepRuns bounds the number of algorithms in one sweep.
	MaxSweepRuns int
	// MaxWorkers caps sweep parallelism. Larger requests are clamped,
	// not rejected.
	MaxWorkers int
}

// DefaultLimits returns the limits used by the server.
func DefaultLimits() *Limits {
	return &Limits{MaxYears: 50, MaxSweepRuns: 2000, MaxWorkers: 16}
}

// CheckRun evaluates a single-run request. An inverted range is a request
// error whatever the limits.
func (l *Limits) CheckRun(req Request) error {
	if req.End.Before(req.Start) {
		return fmt.Errorf("%w: end %s before start %s", backtest.ErrInvalidConfig,
			req.End.Format("2006-01-02"), req.Start.Format("2006-01-02"))
	}
	if l == nil {
		return nil
	}
	if l.MaxYears > 0 && req.Start.AddDate(l.MaxYears, 0, 0).Before(req.End) {
		return fmt.Errorf("%w: range longer than %d years", ErrLimitExceeded, l.MaxYears)
	}
	return nil
}

// CheckSweep evaluates a sweep of n runs and returns the worker count to
// use.
func (l *Limits) CheckSweep(req Request, n, workers int) (int, error) {
	if err := l.CheckRun(req); err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, fmt.Errorf("%w: empty sweep", backtest.ErrInvalidConfig)
	}
	if workers <= 0 {
		workers = 1
	}
	if l == nil {
		return workers, nil
	}
	if l.MaxSweepRuns > 0 && n > l.MaxSweepRuns {
		return 0, fmt.Errorf("%w: %d runs, max %d", ErrLimitExceeded, n, l.MaxSweepRuns)
	}
	if l.MaxWorkers > 0 && workers > l.MaxWorkers {
		workers = l.MaxWorkers
	}
	return workers, nil
}
