package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `
store:
  base_url: "https://store.example.com"
  service_key: "svc-key"
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	if cfg.Orchestrator.MaxRestarts != 5 {
		t.Errorf("max_restarts = %d, want 5", cfg.Orchestrator.MaxRestarts)
	}
	if cfg.Orchestrator.HeartbeatInterval != 30*time.Second {
		t.Errorf("heartbeat_interval = %v, want 30s", cfg.Orchestrator.HeartbeatInterval)
	}
	if cfg.Orchestrator.MonitorInterval != time.Minute {
		t.Errorf("monitor_interval = %v, want 1m", cfg.Orchestrator.MonitorInterval)
	}
	if cfg.Trading.TotalCapital != 100000 {
		t.Errorf("total_capital = %v, want 100000", cfg.Trading.TotalCapital)
	}
	if len(cfg.Trading.Strategies) != 3 {
		t.Errorf("strategies = %v", cfg.Trading.Strategies)
	}
	if cfg.Store.Timeout != 10*time.Second {
		t.Errorf("store timeout = %v, want 10s", cfg.Store.Timeout)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TP_STORE_URL", "https://override.example.com")
	t.Setenv("TP_TOTAL_CAPITAL", "250000")
	t.Setenv("TP_ENABLED_VENUES", "binance,okx")

	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Store.BaseURL != "https://override.example.com" {
		t.Errorf("base_url = %q", cfg.Store.BaseURL)
	}
	if cfg.Trading.TotalCapital != 250000 {
		t.Errorf("total_capital = %v, want 250000", cfg.Trading.TotalCapital)
	}
	if len(cfg.Trading.EnabledVenues) != 2 || cfg.Trading.EnabledVenues[0] != "binance" {
		t.Errorf("enabled_venues = %v", cfg.Trading.EnabledVenues)
	}
}

func TestValidateRequiresStoreCredentials(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
store:
  base_url: "https://store.example.com"
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(); err == nil {
		t.Error("missing service key must fail validation")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig+`
trading:
  total_capital: -5
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(); err == nil {
		t.Error("negative capital must fail validation")
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("missing config file must fail")
	}
}
