// Package backtest runs the bracket rule over a daily bar series: the
// multi-trigger day processor, the cash ledger, the withdrawal policy, and
// the summary metrics.
package backtest

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"volharvest/internal/algo"
	"volharvest/internal/domain"
)

var (
	// Data errors.
	ErrNoBars            = errors.New("no bars")
	ErrNonMonotonicDates = errors.New("bar dates not strictly increasing")

	// Internal invariant violations. These indicate a logic defect.
	ErrTriggerLoop    = errors.New("trigger loop exceeded safety bound")
	ErrReconciliation = errors.New("holdings reconciliation failed")
)

// Transaction notes with a meaning for the metrics.
const (
	NoteInitial        = "initial"
	NoteWithdrawalSale = "withdrawal sale"
)

// Result is everything one run produced.
type Result struct {
	Symbol       string
	Config       Config
	Transactions []domain.Transaction
	Snapshots    []domain.Snapshot
	FinalState   algo.State
	Lots         []domain.Lot // open buyback lots at the end, bottom first

	RealizedProfit float64 // buyback profit realized by trigger sells

	// LiquidationProfit is the profit of lots unwound by withdrawal sales.
	// It is kept out of RealizedProfit and so out of the realized alpha.
	LiquidationProfit float64

	UnrealizedProfit float64 // open lots marked at the last close

	Summary Summary
}

// Backtester runs backtests. It holds no per-run state and may be shared
// by concurrent runs.
type Backtester struct {
	log *slog.Logger
}

// NewBacktester creates a Backtester logging to log, or to the default
// logger when log is nil.
func NewBacktester(log *slog.Logger) *Backtester {
	if log == nil {
		log = slog.Default()
	}
	return &Backtester{log: log.With("component", "backtest")}
}

// Run is a shorthand for NewBacktester(nil).Run.
func Run(bars []domain.Bar, dividends []domain.Dividend, cfg Config) (*Result, error) {
	return NewBacktester(nil).Run(bars, dividends, cfg)
}

// Run simulates cfg over bars. The first bar buys the initial position at
// its close; trading starts on the second bar. Dividends are credited on
// the first bar at or after their ex-date.
//
// Run is a pure function of its arguments: bars and dividends are not
// modified and no state is shared between calls.
func (bt *Backtester) Run(bars []domain.Bar, dividends []domain.Dividend, cfg Config) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := validateBars(bars); err != nil {
		return nil, err
	}

	first := bars[0]
	initialQty := int64(math.Floor(cfg.InitialInvestment / first.Close))
	if initialQty <= 0 {
		return nil, fmt.Errorf("%w: investment %.2f buys no shares at %.2f", ErrInvalidConfig, cfg.InitialInvestment, first.Close)
	}

	s := &sim{
		cfg:    cfg,
		alg:    cfg.Algorithm,
		ledger: NewLedger(cfg.CashMode, decimal.NewFromFloat(cfg.InitialInvestment)),
		stack:  algo.NewStack(cfg.LotPolicy),
		state:  algo.NewState(first.Close, initialQty),
		start:  first.Date,
		log:    bt.log.With("symbol", cfg.Symbol, "algorithm", cfg.Algorithm.String()),
	}
	s.lastWithdrawal = first.Date

	divs := make([]domain.Dividend, len(dividends))
	copy(divs, dividends)
	sort.SliceStable(divs, func(i, j int) bool { return divs[i].ExDate.Before(divs[j].ExDate) })
	// Dividends on or before the purchase date are not ours.
	for s.divIdx < len(divs) && !divs[s.divIdx].ExDate.After(first.Date) {
		s.divIdx++
	}

	if err := s.record(domain.Transaction{
		Date:     first.Date,
		Action:   domain.ActionBuy,
		Quantity: initialQty,
		Price:    first.Close,
		Amount:   amount(initialQty, first.Close).Neg(),
		Note:     NoteInitial,
	}); err != nil {
		return nil, err
	}
	// The purchase bar's high already counts toward the all-time high.
	s.state.Observe(first.High)
	s.snapshot(first)

	for i := 1; i < len(bars); i++ {
		bar := bars[i]
		s.iter = 0
		s.ledger.Accrue(int(bar.Date.Sub(bars[i-1].Date).Hours()/24), cfg.BorrowRate, cfg.CashYield)

		if err := s.payDividends(divs, bar); err != nil {
			return nil, err
		}
		if err := s.processBar(bar); err != nil {
			return nil, fmt.Errorf("%s %s: %w", cfg.Symbol, bar.Date.Format("2006-01-02"), err)
		}
		if cfg.Withdrawal.Due(s.lastWithdrawal, bar.Date) {
			if err := s.withdraw(bar); err != nil {
				return nil, fmt.Errorf("%s %s: %w", cfg.Symbol, bar.Date.Format("2006-01-02"), err)
			}
			s.lastWithdrawal = bar.Date
		}
		s.state.Observe(bar.High)
		s.snapshot(bar)
	}

	res := &Result{
		Symbol:         cfg.Symbol,
		Config:         cfg,
		Transactions:   s.txs,
		Snapshots:      s.snaps,
		FinalState:     s.state,
		Lots:           s.stack.Lots(),
		RealizedProfit: s.realized,

		LiquidationProfit: s.liquidated,
		UnrealizedProfit:  s.stack.UnrealizedProfit(bars[len(bars)-1].Close),
	}
	res.Summary = summarize(res, s.ledger)

	if cfg.Baseline && cfg.Algorithm.Variant.Buys() {
		baseCfg := cfg
		baseCfg.Baseline = false
		baseCfg.Algorithm.Variant = algo.ATHOnly
		base, err := bt.Run(bars, dividends, baseCfg)
		if err != nil {
			return nil, fmt.Errorf("baseline: %w", err)
		}
		res.Summary.HasBaseline = true
		res.Summary.BaselineReturn = base.Summary.TotalReturn
		res.Summary.VolatilityAlpha = res.Summary.TotalReturn - base.Summary.TotalReturn
	}

	s.log.Info("backtest complete",
		"bars", len(bars),
		"transactions", len(s.txs),
		"totalReturn", res.Summary.TotalReturn,
	)
	return res, nil
}

func validateBars(bars []domain.Bar) error {
	if len(bars) == 0 {
		return ErrNoBars
	}
	for i, b := range bars {
		if err := b.Validate(); err != nil {
			return err
		}
		if i > 0 && !b.Date.After(bars[i-1].Date) {
			return fmt.Errorf("%w: %s follows %s", ErrNonMonotonicDates,
				b.Date.Format("2006-01-02"), bars[i-1].Date.Format("2006-01-02"))
		}
	}
	return nil
}

// sim is the mutable state of one run.
type sim struct {
	cfg    Config
	alg    algo.Algorithm
	ledger *Ledger
	stack  *algo.Stack
	state  algo.State
	start  time.Time

	txs   []domain.Transaction
	snaps []domain.Snapshot

	divIdx         int
	lastWithdrawal time.Time
	realized       float64
	liquidated     float64
	iter           int // transactions recorded on the current bar
	log            *slog.Logger
}

// record appends tx to the log, books it, and reconciles holdings.
func (s *sim) record(tx domain.Transaction) error {
	tx.Iteration = s.iter
	s.iter++
	s.ledger.Apply(tx)
	s.txs = append(s.txs, tx)

	if got := s.state.Core + s.stack.Depth(); got != s.ledger.Shares() {
		return fmt.Errorf("%w: core %d + stack %d != ledger %d after %s",
			ErrReconciliation, s.state.Core, s.stack.Depth(), s.ledger.Shares(), tx.Action)
	}
	if s.state.Core < 0 {
		return fmt.Errorf("%w: negative core holdings %d", ErrReconciliation, s.state.Core)
	}
	return nil
}

func (s *sim) payDividends(divs []domain.Dividend, bar domain.Bar) error {
	for ; s.divIdx < len(divs) && !divs[s.divIdx].ExDate.After(bar.Date); s.divIdx++ {
		d := divs[s.divIdx]
		shares := s.ledger.Shares()
		if shares <= 0 || d.Amount <= 0 {
			continue
		}
		err := s.record(domain.Transaction{
			Date:     bar.Date,
			Action:   domain.ActionDividend,
			Quantity: shares,
			Price:    d.Amount,
			Amount:   amount(shares, d.Amount),
			Note:     "ex " + d.ExDate.Format("2006-01-02"),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *sim) snapshot(bar domain.Bar) {
	cash := s.ledger.Cash()
	shares := s.ledger.Shares()
	s.snaps = append(s.snaps, domain.Snapshot{
		Date:       bar.Date,
		Close:      bar.Close,
		Cash:       cash,
		Holdings:   shares,
		StackDepth: s.stack.Depth(),
		Anchor:     s.state.Anchor,
		ATH:        s.state.ATH,
		TotalValue: cash.Add(amount(shares, bar.Close)),
	})
}
