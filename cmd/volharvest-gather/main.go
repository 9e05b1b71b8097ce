package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"volharvest/internal/config"
	"volharvest/internal/gather/us"
	"volharvest/internal/store"
	"volharvest/internal/util"
)

func main() {
	cfgPath := flag.String("config", config.Path(), "config file (optional)")
	symbols := flag.String("symbols", "", "comma-separated symbols; overrides the config list")
	csvPath := flag.String("csv", "", "CSV file with a symbol column; overrides the config")
	start := flag.String("start", "", "first date (2006-01-02); overrides the config")
	end := flag.String("end", "", "last date (2006-01-02); empty is the latest finished trading day")
	flag.Parse()

	cfg, err := config.LoadOptional(*cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	util.SetDefault(util.NewLogger(cfg.Logging.Level, cfg.Logging.Format))

	if cfg.Alpaca.APIKey == "" || cfg.Alpaca.APISecret == "" {
		log.Fatal("alpaca credentials are required (APCA_API_KEY_ID / APCA_API_SECRET_KEY)")
	}
	if *start != "" {
		cfg.Gather.StartDate = *start
	}
	if *csvPath != "" {
		cfg.Gather.SymbolsCSV = *csvPath
	}

	list := cfg.Gather.Symbols
	if *symbols != "" {
		list = strings.Split(*symbols, ",")
	} else if cfg.Gather.SymbolsCSV != "" {
		if list, err = us.LoadCSVSymbols(cfg.Gather.SymbolsCSV); err != nil {
			log.Fatalf("failed to load symbols: %v", err)
		}
	}
	if len(list) == 0 {
		log.Fatal("no symbols to gather")
	}

	from, err := cfg.Gather.StartTime()
	if err != nil {
		log.Fatalf("invalid start date: %v", err)
	}

	cache := store.NewParquetStore(cfg.Storage.DataDir)
	g := us.NewDailyBarGatherer(
		us.NewAlpacaProvider(us.AlpacaOptionsFrom(cfg)),
		cache,
		list,
		from,
		cfg.Gather.BatchSize,
		cfg.Gather.MaxWorkers,
		cfg.Storage.DataDir,
	)
	if *end != "" {
		if g.End, err = time.Parse("2006-01-02", *end); err != nil {
			log.Fatalf("invalid end date: %v", err)
		}
	} else if cfg.Alpaca.BaseURL != "" {
		g.EndResolver = us.CalendarEndResolver(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.BaseURL)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	slog.Info("starting gatherer", "name", g.Name(), "symbols", len(list), "dataDir", cfg.Storage.DataDir)
	if err := g.Run(ctx); err != nil {
		log.Fatalf("gather failed: %v", err)
	}
}
