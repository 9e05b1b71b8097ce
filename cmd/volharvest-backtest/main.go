package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"volharvest/internal/api"
	"volharvest/internal/config"
	"volharvest/internal/domain"
	"volharvest/internal/engine"
	"volharvest/internal/gather/us"
	"volharvest/internal/store"
	"volharvest/internal/util"
	"volharvest/pkg/volharvest"
)

func main() {
	cfgPath := flag.String("config", config.Path(), "config file (optional)")
	symbol := flag.String("symbol", "", "symbol to backtest")
	algorithm := flag.String("algorithm", "", `algorithm or preset name, e.g. "sd-9.05,50", "sd-ath-10,75", "ath-only-9.05,50", "bh"`)
	start := flag.String("start", "", "first date (2006-01-02)")
	end := flag.String("end", "", "last date (2006-01-02); empty is today")
	initial := flag.Float64("initial", 0, "initial investment")
	cashMode := flag.String("cash-mode", "", "margin or strict")
	lotPolicy := flag.String("lot-policy", "", "lifo, fifo or hybrid")
	withdrawal := flag.Float64("withdrawal-rate", 0, "annual withdrawal rate, e.g. 0.04")
	cadence := flag.Int("cadence", 0, "withdrawal cadence in calendar days")
	index := flag.String("index", "", "symbol whose closes scale withdrawals")
	baseline := flag.Bool("baseline", false, "also run the ath-only baseline for volatility alpha")
	noSave := flag.Bool("no-save", false, "do not save the run to SQLite")
	showTx := flag.Bool("tx", false, "print the transaction log")
	csvPath := flag.String("csv", "", "write the transaction log to this CSV file")
	flag.Parse()

	cfg, err := config.LoadOptional(*cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	bc := &cfg.Backtest
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "symbol":
			bc.Symbol = *symbol
		case "algorithm":
			bc.Algorithm = *algorithm
		case "start":
			bc.Start = *start
		case "end":
			bc.End = *end
		case "initial":
			bc.InitialInvestment = *initial
		case "cash-mode":
			bc.CashMode = *cashMode
		case "lot-policy":
			bc.LotPolicy = *lotPolicy
		case "withdrawal-rate":
			bc.Withdrawal.AnnualRate = *withdrawal
		case "cadence":
			bc.Withdrawal.CadenceDays = *cadence
		case "index":
			bc.Withdrawal.IndexSymbol = *index
		case "baseline":
			bc.Baseline = *baseline
		}
	})

	reg, err := cfg.Registry()
	if err != nil {
		log.Fatalf("invalid presets: %v", err)
	}
	req, err := api.EngineRequest(reg, *bc)
	if err != nil {
		log.Fatalf("invalid backtest config: %v", err)
	}

	var results store.ResultStore
	if !*noSave {
		db, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
		if err != nil {
			log.Fatalf("failed to open result store: %v", err)
		}
		defer db.Close()
		results = db
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	e := engine.NewEngine(us.NewProvider(cfg), results, nil, logger)
	out, err := e.Run(ctx, req)
	if err != nil {
		log.Fatalf("backtest failed: %v", err)
	}

	res := out.Result
	if *showTx {
		if err := volharvest.WriteTransactions(os.Stdout, api.TransactionMessages(res.Transactions)); err != nil {
			log.Fatal(err)
		}
		fmt.Println()
	}
	if err := volharvest.WriteSummary(os.Stdout, res.Symbol, req.Config.Algorithm.String(), api.SummaryMessage(res.Summary)); err != nil {
		log.Fatal(err)
	}
	if out.RunID != "" {
		fmt.Printf("\nrun id: %s\n", out.RunID)
	}
	if *csvPath != "" {
		if err := writeCSV(*csvPath, res.Transactions); err != nil {
			log.Fatalf("failed to write CSV: %v", err)
		}
		slog.Info("transactions written", "path", *csvPath, "count", len(res.Transactions))
	}
}

func writeCSV(path string, txs []domain.Transaction) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"date", "action", "quantity", "price", "amount", "iteration", "note"}); err != nil {
		return err
	}
	for _, t := range txs {
		if err := w.Write([]string{
			t.Date.Format("2006-01-02"),
			string(t.Action),
			strconv.FormatInt(t.Quantity, 10),
			strconv.FormatFloat(t.Price, 'f', -1, 64),
			t.Amount.StringFixed(2),
			strconv.Itoa(t.Iteration),
			t.Note,
		}); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return f.Close()
}
