// Package config assembles the CoreConfig struct threaded explicitly
// through every component at startup; there is no global mutable
// configuration state.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// CoreConfig holds every recognized configuration key, plus the
// ambient logging, HTTP, and store-path settings.
type CoreConfig struct {
	Risk      RiskConfig      `mapstructure:"risk"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Pyramid   PyramidConfig   `mapstructure:"pyramid"`
	Price     PriceConfig     `mapstructure:"price"`
	Store     StoreConfig     `mapstructure:"store"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// RiskConfig backs pip sizing and the pre-trade checks.
type RiskConfig struct {
	PipMultiplier      float64 `mapstructure:"pip_multiplier"`
	MaxPositionSizePct float64 `mapstructure:"max_position_size_pct"`
	MaxDailyLossPct    float64 `mapstructure:"max_daily_loss_pct"`
	// StartingEquity is the paper account's notional equity baseline
	// for position-size and daily-loss checks; this module has no
	// deposit/withdrawal ledger, so equity is a configured constant
	// rather than a derived balance.
	StartingEquity float64 `mapstructure:"starting_equity"`
}

// ExecutionConfig backs the deterministic fill simulator.
type ExecutionConfig struct {
	DefaultFillPct     float64 `mapstructure:"default_fill_pct"`
	DefaultSlippagePct float64 `mapstructure:"default_slippage_pct"`
	DefaultMakerFee    float64 `mapstructure:"default_maker_fee"`
	DefaultTakerFee    float64 `mapstructure:"default_taker_fee"`
	DefaultLatencyMs   int64   `mapstructure:"default_latency_ms"`
	RandomLatencyMs    int64   `mapstructure:"random_latency_ms"`
	StopScanIntervalMs int64   `mapstructure:"stop_scan_interval_ms"`
}

// PyramidConfig backs the pyramid manager's background timer.
type PyramidConfig struct {
	TimerIntervalMs int64 `mapstructure:"pyramid_timer_interval_ms"`
}

// PriceConfig backs the price source's freshness and timeout bounds.
type PriceConfig struct {
	CacheTTLSeconds    int64 `mapstructure:"price_cache_ttl_s"`
	FetchTimeoutMillis int64 `mapstructure:"price_fetch_timeout_ms"`
}

// StoreConfig points at the three SQLite databases. Pyramid sessions
// are a third owned table set distinct from both SOT and TS, so they
// get their own file and pool for the same independent-failure-and-
// rebuild reasons TS does.
type StoreConfig struct {
	SOTPath            string `mapstructure:"sot_path"`
	TSPath             string `mapstructure:"ts_path"`
	PyramidPath        string `mapstructure:"pyramid_path"`
	MaxOpenConnections int    `mapstructure:"max_open_connections"`
	MaxIdleConnections int    `mapstructure:"max_idle_connections"`
}

// HTTPConfig backs the external HTTP contract surface (§6), consumed
// by internal/api.
type HTTPConfig struct {
	Addr      string `mapstructure:"addr"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// LoggingConfig backs internal/obslog.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Console    bool   `mapstructure:"console"`
	File       bool   `mapstructure:"file"`
	FilePath   string `mapstructure:"file_path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Default returns CoreConfig with every key at its default.
func Default() CoreConfig {
	return CoreConfig{
		Risk: RiskConfig{
			PipMultiplier:      2.0,
			MaxPositionSizePct: 10.0,
			MaxDailyLossPct:    5.0,
			StartingEquity:     100000.0,
		},
		Execution: ExecutionConfig{
			DefaultFillPct:     1.0,
			DefaultSlippagePct: 0.0,
			DefaultMakerFee:    0.0,
			DefaultTakerFee:    0.0,
			DefaultLatencyMs:   0,
			RandomLatencyMs:    0,
			StopScanIntervalMs: 1000,
		},
		Pyramid: PyramidConfig{
			TimerIntervalMs: 10000,
		},
		Price: PriceConfig{
			CacheTTLSeconds:    60,
			FetchTimeoutMillis: 2000,
		},
		Store: StoreConfig{
			SOTPath:            "sot.db",
			TSPath:             "ts.db",
			PyramidPath:        "pyramid.db",
			MaxOpenConnections: 20,
			MaxIdleConnections: 10,
		},
		HTTP: HTTPConfig{
			Addr:      ":8080",
			JWTSecret: "paperexec-dev-secret",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Console:    true,
			File:       false,
			FilePath:   "paperexec.log",
			MaxSizeMB:  100,
			MaxBackups: 7,
			MaxAgeDays: 30,
		},
	}
}

// Load reads configuration from configPath (or, when it is empty, from
// ./paperexec.yaml if present), with PAPEREXEC_-prefixed environment
// variables taking precedence over the file, falling back to Default()
// for anything unset.
func Load(configPath string) (CoreConfig, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("paperexec")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("PAPEREXEC")
	v.AutomaticEnv()

	setDefaults(v, cfg)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return cfg, fmt.Errorf("config: reading config file: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config: validate: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg CoreConfig) {
	v.SetDefault("risk.pip_multiplier", cfg.Risk.PipMultiplier)
	v.SetDefault("risk.max_position_size_pct", cfg.Risk.MaxPositionSizePct)
	v.SetDefault("risk.max_daily_loss_pct", cfg.Risk.MaxDailyLossPct)
	v.SetDefault("risk.starting_equity", cfg.Risk.StartingEquity)

	v.SetDefault("execution.default_fill_pct", cfg.Execution.DefaultFillPct)
	v.SetDefault("execution.default_slippage_pct", cfg.Execution.DefaultSlippagePct)
	v.SetDefault("execution.default_maker_fee", cfg.Execution.DefaultMakerFee)
	v.SetDefault("execution.default_taker_fee", cfg.Execution.DefaultTakerFee)
	v.SetDefault("execution.default_latency_ms", cfg.Execution.DefaultLatencyMs)
	v.SetDefault("execution.random_latency_ms", cfg.Execution.RandomLatencyMs)
	v.SetDefault("execution.stop_scan_interval_ms", cfg.Execution.StopScanIntervalMs)

	v.SetDefault("pyramid.pyramid_timer_interval_ms", cfg.Pyramid.TimerIntervalMs)

	v.SetDefault("price.price_cache_ttl_s", cfg.Price.CacheTTLSeconds)
	v.SetDefault("price.price_fetch_timeout_ms", cfg.Price.FetchTimeoutMillis)

	v.SetDefault("store.sot_path", cfg.Store.SOTPath)
	v.SetDefault("store.ts_path", cfg.Store.TSPath)
	v.SetDefault("store.pyramid_path", cfg.Store.PyramidPath)
	v.SetDefault("store.max_open_connections", cfg.Store.MaxOpenConnections)
	v.SetDefault("store.max_idle_connections", cfg.Store.MaxIdleConnections)

	v.SetDefault("http.addr", cfg.HTTP.Addr)
	v.SetDefault("http.jwt_secret", cfg.HTTP.JWTSecret)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.console", cfg.Logging.Console)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.file_path", cfg.Logging.FilePath)
	v.SetDefault("logging.max_size_mb", cfg.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", cfg.Logging.MaxBackups)
	v.SetDefault("logging.max_age_days", cfg.Logging.MaxAgeDays)
}

// Validate rejects out-of-range values before any store is opened.
func (c CoreConfig) Validate() error {
	if c.Risk.MaxPositionSizePct <= 0 || c.Risk.MaxPositionSizePct > 100 {
		return fmt.Errorf("risk.max_position_size_pct must be in (0, 100]")
	}
	if c.Risk.MaxDailyLossPct <= 0 || c.Risk.MaxDailyLossPct > 100 {
		return fmt.Errorf("risk.max_daily_loss_pct must be in (0, 100]")
	}
	if c.Risk.StartingEquity <= 0 {
		return fmt.Errorf("risk.starting_equity must be positive")
	}
	if c.Execution.DefaultFillPct <= 0 || c.Execution.DefaultFillPct > 1 {
		return fmt.Errorf("execution.default_fill_pct must be in (0, 1]")
	}
	if c.Execution.StopScanIntervalMs <= 0 {
		return fmt.Errorf("execution.stop_scan_interval_ms must be positive")
	}
	if c.Pyramid.TimerIntervalMs <= 0 {
		return fmt.Errorf("pyramid.pyramid_timer_interval_ms must be positive")
	}
	return nil
}

// StopScanInterval is a convenience Duration accessor.
func (c ExecutionConfig) StopScanInterval() time.Duration {
	return time.Duration(c.StopScanIntervalMs) * time.Millisecond
}

// TimerInterval is a convenience Duration accessor.
func (c PyramidConfig) TimerInterval() time.Duration {
	return time.Duration(c.TimerIntervalMs) * time.Millisecond
}

// FetchTimeout is a convenience Duration accessor.
func (c PriceConfig) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutMillis) * time.Millisecond
}

// CacheTTL is a convenience Duration accessor.
func (c PriceConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}
