package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"volharvest/internal/api"
	"volharvest/internal/config"
	"volharvest/internal/engine"
	"volharvest/internal/gather/us"
	"volharvest/internal/util"
	"volharvest/pkg/volharvest"
)

func main() {
	cfgPath := flag.String("config", config.Path(), "config file (optional)")
	symbol := flag.String("symbol", "", "symbol to sweep")
	variant := flag.String("variant", "", "sd, sd-ath or ath-only")
	brackets := flag.String("brackets", "", "comma-separated bracket percentages")
	sharings := flag.String("sharings", "", "comma-separated profit-sharing percentages")
	start := flag.String("start", "", "first date (2006-01-02)")
	end := flag.String("end", "", "last date (2006-01-02); empty is today")
	workers := flag.Int("workers", 0, "parallel runs; 0 uses the config")
	top := flag.Int("top", 0, "rows to print; 0 uses the config")
	baseline := flag.Bool("baseline", false, "run the ath-only baseline for every point")
	flag.Parse()

	cfg, err := config.LoadOptional(*cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	bc, sc := &cfg.Backtest, &cfg.Sweep
	var parseErr error
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "symbol":
			bc.Symbol = *symbol
		case "variant":
			sc.Variant = *variant
		case "brackets":
			sc.Brackets, parseErr = util.ParseFloats(*brackets)
		case "sharings":
			sc.Sharings, parseErr = util.ParseFloats(*sharings)
		case "start":
			bc.Start = *start
		case "end":
			bc.End = *end
		case "workers":
			sc.Workers = *workers
		case "top":
			sc.Top = *top
		case "baseline":
			bc.Baseline = *baseline
		}
	})
	if parseErr != nil {
		log.Fatalf("invalid grid: %v", parseErr)
	}

	base, err := bc.Config()
	if err != nil {
		log.Fatalf("invalid backtest config: %v", err)
	}
	from, to, err := bc.Range()
	if err != nil {
		log.Fatalf("invalid date range: %v", err)
	}
	algs, err := sc.Algorithms()
	if err != nil {
		log.Fatalf("invalid grid: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	e := engine.NewEngine(us.NewProvider(cfg), nil, nil, logger)
	results, err := e.Sweep(ctx, engine.Request{
		Config:      base,
		Start:       from,
		End:         to,
		IndexSymbol: bc.Withdrawal.IndexSymbol,
	}, algs, sc.Workers)
	if err != nil {
		log.Fatalf("sweep failed: %v", err)
	}

	fmt.Printf("%s  %s .. %s  %d runs\n\n", base.Symbol, from.Format("2006-01-02"), to.Format("2006-01-02"), len(results))
	if err := volharvest.WriteSweepHeader(os.Stdout); err != nil {
		log.Fatal(err)
	}
	for i, r := range results {
		if sc.Top > 0 && i >= sc.Top {
			break
		}
		row := volharvest.SweepRow{Rank: i + 1, Algorithm: r.Algorithm.String(), Summary: api.SummaryMessage(r.Summary)}
		if err := volharvest.WriteSweepRow(os.Stdout, row); err != nil {
			log.Fatal(err)
		}
	}
}
