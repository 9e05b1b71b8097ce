package us

import (
	"volharvest/internal/config"
	"volharvest/internal/gather"
	"volharvest/internal/store"
)

// NewProvider returns the parquet cache under cfg.Storage.DataDir, backed
// by Alpaca when credentials are configured. Without credentials only
// cached data is served.
func NewProvider(cfg *config.Config) *gather.CachingProvider {
	cache := store.NewParquetStore(cfg.Storage.DataDir)
	if cfg.Alpaca.APIKey == "" {
		return gather.NewCachingProvider(cache, nil)
	}
	return gather.NewCachingProvider(cache, NewAlpacaProvider(AlpacaOptionsFrom(cfg)))
}

// AlpacaOptionsFrom builds provider options from the configuration.
func AlpacaOptionsFrom(cfg *config.Config) AlpacaOptions {
	return AlpacaOptions{
		APIKey:          cfg.Alpaca.APIKey,
		APISecret:       cfg.Alpaca.APISecret,
		DataURL:         cfg.Alpaca.DataURL,
		Feed:            cfg.Alpaca.Feed,
		RateLimitPerMin: cfg.Gather.RateLimitPerMin,
	}
}
