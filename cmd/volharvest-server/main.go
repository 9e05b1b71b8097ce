package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"volharvest/internal/api"
	"volharvest/internal/config"
	"volharvest/internal/engine"
	"volharvest/internal/gather/us"
	"volharvest/internal/httpapi"
	"volharvest/internal/metrics"
	"volharvest/internal/store"
	"volharvest/internal/util"
)

func main() {
	cfgPath := flag.String("config", config.Path(), "config file (optional)")
	addr := flag.String("addr", "", "gRPC listen address; overrides server.host and server.grpc_port")
	httpAddr := flag.String("http-addr", "", "HTTP listen address; overrides server.host and server.http_port")
	flag.Parse()

	cfg, err := config.LoadOptional(*cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	db, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("failed to open result store: %v", err)
	}
	defer db.Close()

	m := metrics.New()
	e := engine.NewEngine(us.NewProvider(cfg), db, engine.DefaultLimits(), logger)
	e.SetMetrics(m)

	grpcSrv, err := api.NewServer(e, cfg, logger)
	if err != nil {
		log.Fatalf("failed to create grpc server: %v", err)
	}
	grpcSrv.SetMetrics(m)

	grpcListen := cfg.Server.Addr()
	if *addr != "" {
		grpcListen = *addr
	}
	httpListen := ""
	if cfg.Server.HTTPPort != 0 {
		httpListen = cfg.Server.HTTPAddr()
	}
	if *httpAddr != "" {
		httpListen = *httpAddr
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	slog.Info("starting volharvest-server",
		"grpc", grpcListen,
		"http", httpListen,
		"dataDir", cfg.Storage.DataDir,
		"remote", cfg.Alpaca.APIKey != "",
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return grpcSrv.ListenAndServe(gctx, grpcListen) })
	if httpListen != "" {
		httpSrv, err := httpapi.NewServer(e, cfg, m, logger)
		if err != nil {
			log.Fatalf("failed to create http server: %v", err)
		}
		g.Go(func() error { return httpSrv.ListenAndServe(gctx, httpListen) })
	}
	if err := g.Wait(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
