package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"volharvest/internal/algo"
	"volharvest/internal/backtest"
)

// DefaultPath is used when VOLHARVEST_CONFIG is not set.
const DefaultPath = "config/volharvest.yaml"

const dateLayout = "2006-01-02"

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for volharvest.
type Config struct {
	Storage  Storage        `yaml:"storage"`
	Server   Server         `yaml:"server"`
	Alpaca   Alpaca         `yaml:"alpaca"`
	Logging  Logging        `yaml:"logging"`
	Gather   GatherConfig   `yaml:"gather"`
	Backtest BacktestConfig `yaml:"backtest"`
	Sweep    SweepConfig    `yaml:"sweep"`
	// Presets names algorithms for the front ends, e.g.
	// "nvda-default": "sd-9.05,50".
	Presets map[string]string `yaml:"presets"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

// Server holds network listener configuration.
type Server struct {
	Host     string `yaml:"host"`
	GRPCPort int    `yaml:"grpc_port" validate:"gte=0,lte=65535"`
	// HTTPPort serves the JSON API and /metrics. Zero disables it.
	HTTPPort    int      `yaml:"http_port" validate:"gte=0,lte=65535"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// Addr returns host:grpc_port.
func (s Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.GRPCPort)
}

// HTTPAddr returns host:http_port.
func (s Server) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.HTTPPort)
}

// Alpaca holds credentials and endpoints for the Alpaca APIs.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"` // trading API, used for the calendar
	DataURL   string `yaml:"data_url"`
	Feed      string `yaml:"feed"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// GatherConfig controls the daily bar gatherer.
type GatherConfig struct {
	StartDate       string   `yaml:"start_date" validate:"datetime=2006-01-02"`
	Symbols         []string `yaml:"symbols"`
	SymbolsCSV      string   `yaml:"symbols_csv"`
	BatchSize       int      `yaml:"batch_size" validate:"gte=1,lte=1000"`
	MaxWorkers      int      `yaml:"max_workers" validate:"gte=1"`
	RateLimitPerMin int      `yaml:"rate_limit_per_min" validate:"gte=0"`
}

// BacktestConfig describes one backtest run. The JSON keys match the YAML
// keys so the HTTP API accepts the same documents.
type BacktestConfig struct {
	Symbol            string           `yaml:"symbol" json:"symbol"`
	Algorithm         string           `yaml:"algorithm" json:"algorithm"`
	Start             string           `yaml:"start" json:"start" validate:"omitempty,datetime=2006-01-02"`
	End               string           `yaml:"end" json:"end" validate:"omitempty,datetime=2006-01-02"` // empty is today
	InitialInvestment float64          `yaml:"initial_investment" json:"initial_investment" validate:"gte=0"`
	CashMode          string           `yaml:"cash_mode" json:"cash_mode"`
	LotPolicy         string           `yaml:"lot_policy" json:"lot_policy"`
	BorrowRate        float64          `yaml:"borrow_rate" json:"borrow_rate" validate:"gte=0,lte=1"`
	CashYield         float64          `yaml:"cash_yield" json:"cash_yield" validate:"gte=0,lte=1"`
	Baseline          bool             `yaml:"baseline" json:"baseline"`
	Withdrawal        WithdrawalConfig `yaml:"withdrawal" json:"withdrawal"`
}

// WithdrawalConfig describes the periodic withdrawal policy.
type WithdrawalConfig struct {
	AnnualRate  float64 `yaml:"annual_rate" json:"annual_rate" validate:"gte=0,lte=1"`
	CadenceDays int     `yaml:"cadence_days" json:"cadence_days" validate:"gte=0"`
	// IndexSymbol, when set, scales withdrawals by that symbol's closes.
	IndexSymbol string `yaml:"index_symbol" json:"index_symbol"`
}

// SweepConfig describes a parameter sweep over one variant.
type SweepConfig struct {
	Variant  string    `yaml:"variant" json:"variant"`
	Brackets []float64 `yaml:"brackets" json:"brackets" validate:"dive,gt=0"`          // percent
	Sharings []float64 `yaml:"sharings" json:"sharings" validate:"dive,gte=0,lte=100"` // percent
	Workers  int       `yaml:"workers" json:"workers" validate:"gte=0"`
	Top      int       `yaml:"top" json:"top" validate:"gte=0"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Path returns the configuration path: $VOLHARVEST_CONFIG or DefaultPath.
func Path() string {
	if p := os.Getenv("VOLHARVEST_CONFIG"); p != "" {
		return p
	}
	return DefaultPath
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Storage: Storage{DataDir: "data", SQLitePath: "data/volharvest.db"},
		Server:  Server{Host: "127.0.0.1", GRPCPort: 9090, HTTPPort: 8080, CORSOrigins: []string{"*"}},
		Alpaca:  Alpaca{BaseURL: "https://api.alpaca.markets", Feed: "sip"},
		Logging: Logging{Level: "info", Format: "json"},
		Gather: GatherConfig{
			StartDate:       "2000-01-01",
			BatchSize:       100,
			MaxWorkers:      4,
			RateLimitPerMin: 180,
		},
		Backtest: BacktestConfig{
			Algorithm:         "sd-9.05,50",
			Start:             "2000-01-01",
			InitialInvestment: 1_000_000,
			CashMode:          "margin",
			LotPolicy:         "lifo",
		},
		Sweep: SweepConfig{
			Variant:  "sd",
			Brackets: []float64{2, 4, 6, 8, 9.05, 10, 15, 20},
			Sharings: []float64{25, 50, 75, 100},
			Workers:  runtime.NumCPU(),
			Top:      20,
		},
	}
}

// Load reads the YAML configuration file at the given path over the
// defaults, and then applies environment variable overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadOptional is Load, except that a missing file yields the defaults
// with environment overrides applied.
func LoadOptional(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg = Default()
		applyEnvOverrides(cfg)
		return cfg, Validate(cfg)
	}
	return cfg, err
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}
	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	if v := os.Getenv("VOLHARVEST_ALGORITHM"); v != "" {
		cfg.Backtest.Algorithm = v
	}
	if v := os.Getenv("VOLHARVEST_GRPC_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.GRPCPort = port
		}
	}
	if v := os.Getenv("VOLHARVEST_HTTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.HTTPPort = port
		}
	}

	// Standard Alpaca env vars (highest priority, the names the SDK reads).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their YAML keys.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks the field constraints of v, a Config or one of its
// sections. Failures wrap backtest.ErrInvalidConfig.
func Validate(v any) error {
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %w", backtest.ErrInvalidConfig, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Conversion
// ---------------------------------------------------------------------------

// Config converts the section to the simulation's Config. The withdrawal
// index is left nil; it needs price data and is attached by the runner.
func (b BacktestConfig) Config() (backtest.Config, error) {
	alg, err := algo.Parse(b.Algorithm)
	if err != nil {
		return backtest.Config{}, err
	}
	mode, err := backtest.ParseCashMode(b.CashMode)
	if err != nil {
		return backtest.Config{}, err
	}
	policy, err := algo.ParseLotPolicy(b.LotPolicy)
	if err != nil {
		return backtest.Config{}, fmt.Errorf("%w: %w", backtest.ErrInvalidConfig, err)
	}
	cfg := backtest.Config{
		Symbol:            b.Symbol,
		Algorithm:         alg,
		InitialInvestment: b.InitialInvestment,
		CashMode:          mode,
		LotPolicy:         policy,
		BorrowRate:        b.BorrowRate,
		CashYield:         b.CashYield,
		Baseline:          b.Baseline,
		Withdrawal: backtest.WithdrawalPolicy{
			AnnualRate:  b.Withdrawal.AnnualRate,
			CadenceDays: b.Withdrawal.CadenceDays,
		},
	}
	return cfg, cfg.Validate()
}

// Range parses Start and End. An empty End is today (UTC).
func (b BacktestConfig) Range() (start, end time.Time, err error) {
	start, err = time.Parse(dateLayout, b.Start)
	if err != nil {
		return start, end, fmt.Errorf("%w: start %q: %v", backtest.ErrInvalidConfig, b.Start, err)
	}
	if b.End == "" {
		now := time.Now().UTC()
		end = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	} else if end, err = time.Parse(dateLayout, b.End); err != nil {
		return start, end, fmt.Errorf("%w: end %q: %v", backtest.ErrInvalidConfig, b.End, err)
	}
	if end.Before(start) {
		return start, end, fmt.Errorf("%w: end %s before start %s", backtest.ErrInvalidConfig, b.End, b.Start)
	}
	return start, end, nil
}

// Registry returns the built-in presets plus the configured ones.
func (c *Config) Registry() (*algo.Registry, error) {
	r := algo.DefaultRegistry()
	for name, code := range c.Presets {
		a, err := algo.Parse(code)
		if err != nil {
			return nil, fmt.Errorf("preset %q: %w", name, err)
		}
		if err := r.Register(name, a); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Resolve returns b with a preset name in Algorithm replaced by its code.
func (b BacktestConfig) Resolve(r *algo.Registry) (BacktestConfig, error) {
	a, err := r.Get(b.Algorithm)
	if err != nil {
		return b, err
	}
	b.Algorithm = a.String()
	return b, nil
}

// StartTime parses the gatherer start date.
func (g GatherConfig) StartTime() (time.Time, error) {
	return time.Parse(dateLayout, g.StartDate)
}

// Algorithms expands the sweep grid.
func (s SweepConfig) Algorithms() ([]algo.Algorithm, error) {
	v, err := algo.ParseVariant(s.Variant)
	if err != nil {
		return nil, err
	}
	return backtest.Grid(v, s.Brackets, s.Sharings)
}
