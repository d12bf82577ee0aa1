package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultsMatchRecognizedKeys(t *testing.T) {
	cfg := Default()

	if cfg.Risk.PipMultiplier != 2.0 {
		t.Errorf("pip_multiplier default = %v, want 2.0", cfg.Risk.PipMultiplier)
	}
	if cfg.Risk.MaxPositionSizePct != 10.0 {
		t.Errorf("max_position_size_pct default = %v, want 10.0", cfg.Risk.MaxPositionSizePct)
	}
	if cfg.Risk.MaxDailyLossPct != 5.0 {
		t.Errorf("max_daily_loss_pct default = %v, want 5.0", cfg.Risk.MaxDailyLossPct)
	}
	if cfg.Execution.DefaultFillPct != 1.0 {
		t.Errorf("default_fill_pct default = %v, want 1.0", cfg.Execution.DefaultFillPct)
	}
	if cfg.Execution.StopScanIntervalMs != 1000 {
		t.Errorf("stop_scan_interval_ms default = %v, want 1000", cfg.Execution.StopScanIntervalMs)
	}
	if cfg.Pyramid.TimerIntervalMs != 10000 {
		t.Errorf("pyramid_timer_interval_ms default = %v, want 10000", cfg.Pyramid.TimerIntervalMs)
	}
	if cfg.Price.CacheTTLSeconds != 60 {
		t.Errorf("price_cache_ttl_s default = %v, want 60", cfg.Price.CacheTTLSeconds)
	}
	if cfg.Price.FetchTimeoutMillis != 2000 {
		t.Errorf("price_fetch_timeout_ms default = %v, want 2000", cfg.Price.FetchTimeoutMillis)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Default() must validate, got %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "paperexec.yaml")
	content := []byte(`
risk:
  pip_multiplier: 3.5
execution:
  default_latency_ms: 500
  default_slippage_pct: 0.001
store:
  sot_path: /tmp/custom-sot.db
`)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Risk.PipMultiplier != 3.5 {
		t.Errorf("pip_multiplier = %v, want 3.5 from file", cfg.Risk.PipMultiplier)
	}
	if cfg.Execution.DefaultLatencyMs != 500 {
		t.Errorf("default_latency_ms = %v, want 500 from file", cfg.Execution.DefaultLatencyMs)
	}
	// Unset keys keep their defaults.
	if cfg.Risk.MaxPositionSizePct != 10.0 {
		t.Errorf("max_position_size_pct = %v, want default 10.0", cfg.Risk.MaxPositionSizePct)
	}
	if cfg.Store.SOTPath != "/tmp/custom-sot.db" {
		t.Errorf("sot_path = %q, want override", cfg.Store.SOTPath)
	}
}

func TestValidateRejectsOutOfRange(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*CoreConfig)
	}{
		{"zero fill pct", func(c *CoreConfig) { c.Execution.DefaultFillPct = 0 }},
		{"fill pct above 1", func(c *CoreConfig) { c.Execution.DefaultFillPct = 1.5 }},
		{"zero position pct", func(c *CoreConfig) { c.Risk.MaxPositionSizePct = 0 }},
		{"negative daily loss pct", func(c *CoreConfig) { c.Risk.MaxDailyLossPct = -1 }},
		{"zero equity", func(c *CoreConfig) { c.Risk.StartingEquity = 0 }},
		{"zero scan interval", func(c *CoreConfig) { c.Execution.StopScanIntervalMs = 0 }},
		{"zero pyramid timer", func(c *CoreConfig) { c.Pyramid.TimerIntervalMs = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestDurationAccessors(t *testing.T) {
	cfg := Default()
	if cfg.Execution.StopScanInterval() != time.Second {
		t.Errorf("StopScanInterval = %v, want 1s", cfg.Execution.StopScanInterval())
	}
	if cfg.Pyramid.TimerInterval() != 10*time.Second {
		t.Errorf("TimerInterval = %v, want 10s", cfg.Pyramid.TimerInterval())
	}
	if cfg.Price.FetchTimeout() != 2*time.Second {
		t.Errorf("FetchTimeout = %v, want 2s", cfg.Price.FetchTimeout())
	}
	if cfg.Price.CacheTTL() != time.Minute {
		t.Errorf("CacheTTL = %v, want 60s", cfg.Price.CacheTTL())
	}
}
