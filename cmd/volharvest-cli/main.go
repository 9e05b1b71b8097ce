package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"volharvest/internal/util"
	"volharvest/pkg/volharvest"
)

const version = "0.1.0"

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: volharvest-cli <command> [options]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  version    Print the CLI version\n")
	fmt.Fprintf(os.Stderr, "  run        Run one backtest on the server\n")
	fmt.Fprintf(os.Stderr, "  sweep      Run a parameter sweep on the server\n")
	fmt.Fprintf(os.Stderr, "  runs       List stored runs\n")
	fmt.Fprintf(os.Stderr, "\nRun 'volharvest-cli <command> -h' for command options.\n")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "version":
		fmt.Printf("volharvest-cli %s\n", version)
	case "run":
		err = runCmd(ctx, args)
	case "sweep":
		err = sweepCmd(ctx, args)
	case "runs":
		err = runsCmd(ctx, args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		usage()
		os.Exit(1)
	}
	if err != nil {
		log.Fatalf("%s: %v", os.Args[1], err)
	}
}

func defaultAddr() string {
	if a := os.Getenv("VOLHARVEST_ADDR"); a != "" {
		return a
	}
	return "127.0.0.1:9090"
}

// backtestFlags registers the run parameters shared by run and sweep.
func backtestFlags(fs *flag.FlagSet, b *volharvest.Backtest) {
	fs.StringVar(&b.Symbol, "symbol", "", "symbol")
	fs.StringVar(&b.Algorithm, "algorithm", "", `algorithm, e.g. "sd-9.05,50"`)
	fs.StringVar(&b.Start, "start", "", "first date (2006-01-02)")
	fs.StringVar(&b.End, "end", "", "last date (2006-01-02)")
	fs.Float64Var(&b.InitialInvestment, "initial", 0, "initial investment")
	fs.StringVar(&b.CashMode, "cash-mode", "", "margin or strict")
	fs.StringVar(&b.LotPolicy, "lot-policy", "", "lifo, fifo or hybrid")
	fs.BoolVar(&b.Baseline, "baseline", false, "also run the ath-only baseline")
}

func withdrawalFlags(fs *flag.FlagSet) func(*volharvest.Backtest) {
	rate := fs.Float64("withdrawal-rate", 0, "annual withdrawal rate, e.g. 0.04")
	cadence := fs.Int("cadence", 30, "withdrawal cadence in calendar days")
	index := fs.String("index", "", "symbol whose closes scale withdrawals")
	return func(b *volharvest.Backtest) {
		if *rate > 0 {
			b.Withdrawal = &volharvest.Withdrawal{AnnualRate: *rate, CadenceDays: *cadence, IndexSymbol: *index}
		}
	}
}

func dial(addr string) (*volharvest.Client, error) {
	return volharvest.Dial(addr)
}

func runCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	addr := fs.String("addr", defaultAddr(), "server address")
	timeout := fs.Duration("timeout", 5*time.Minute, "request timeout")
	var req volharvest.RunRequest
	backtestFlags(fs, &req.Backtest)
	applyWithdrawal := withdrawalFlags(fs)
	fs.BoolVar(&req.Transactions, "tx", false, "print the transaction log")
	if err := fs.Parse(args); err != nil {
		return err
	}
	applyWithdrawal(&req.Backtest)

	c, err := dial(*addr)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()
	reply, err := c.Run(ctx, req)
	if err != nil {
		return err
	}
	if req.Transactions {
		if err := volharvest.WriteTransactions(os.Stdout, reply.Transactions); err != nil {
			return err
		}
		fmt.Println()
	}
	if err := volharvest.WriteSummary(os.Stdout, reply.Symbol, reply.Algorithm, reply.Summary); err != nil {
		return err
	}
	if reply.RunID != "" {
		fmt.Printf("\nrun id: %s\n", reply.RunID)
	}
	return nil
}

func sweepCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("sweep", flag.ExitOnError)
	addr := fs.String("addr", defaultAddr(), "server address")
	var req volharvest.SweepRequest
	backtestFlags(fs, &req.Backtest)
	applyWithdrawal := withdrawalFlags(fs)
	fs.StringVar(&req.Sweep.Variant, "variant", "", "sd, sd-ath or ath-only")
	brackets := fs.String("brackets", "", "comma-separated bracket percentages")
	sharings := fs.String("sharings", "", "comma-separated profit-sharing percentages")
	fs.IntVar(&req.Sweep.Workers, "workers", 0, "parallel runs on the server")
	fs.IntVar(&req.Sweep.Top, "top", 0, "rows to return")
	if err := fs.Parse(args); err != nil {
		return err
	}
	applyWithdrawal(&req.Backtest)

	var err error
	if req.Sweep.Brackets, err = util.ParseFloats(*brackets); err != nil {
		return err
	}
	if req.Sweep.Sharings, err = util.ParseFloats(*sharings); err != nil {
		return err
	}

	c, err := dial(*addr)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := volharvest.WriteSweepHeader(os.Stdout); err != nil {
		return err
	}
	return c.Sweep(ctx, req, func(row volharvest.SweepRow) error {
		return volharvest.WriteSweepRow(os.Stdout, row)
	})
}

func runsCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ExitOnError)
	addr := fs.String("addr", defaultAddr(), "server address")
	var req volharvest.ListRunsRequest
	fs.StringVar(&req.Symbol, "symbol", "", "only runs for this symbol")
	fs.IntVar(&req.Limit, "limit", 20, "maximum runs to list")
	if err := fs.Parse(args); err != nil {
		return err
	}

	c, err := dial(*addr)
	if err != nil {
		return err
	}
	defer c.Close()

	runs, err := c.ListRuns(ctx, req)
	if err != nil {
		return err
	}
	for _, r := range runs {
		fmt.Printf("%s  %-20s  %-6s %-18s %8.2f%%\n", r.ID, r.CreatedAt, r.Symbol, r.Algorithm, r.TotalReturn*100)
	}
	return nil
}
