// Package config defines all configuration for the trading control plane.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via TP_* environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Bus          BusConfig          `mapstructure:"bus"`
	Store        StoreConfig        `mapstructure:"store"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Trading      TradingConfig      `mapstructure:"trading"`
	Gateway      GatewayConfig      `mapstructure:"gateway"`
	API          APIConfig          `mapstructure:"api"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// BusConfig selects the message broker. An empty BrokerURL runs the whole
// plane on the in-process broker (single-binary deployment and tests).
type BusConfig struct {
	BrokerURL string `mapstructure:"broker_url"`
}

// StoreConfig points at the REST table store. ServiceKey is sent as both
// the apikey header and the bearer token.
type StoreConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	ServiceKey string        `mapstructure:"service_key"`
	Timeout    time.Duration `mapstructure:"timeout"` // per-request; default 10s
}

// OrchestratorConfig tunes the supervisor.
//
//   - MaxRestarts: crashes tolerated per agent before it is abandoned.
//   - RestartBackoff: pause between a crash and the respawn.
//   - HeartbeatInterval: agent liveness cadence (bus + store).
//   - MonitorInterval: health aggregation cadence.
//   - ShutdownGrace: per-task wait after cancellation during stop.
type OrchestratorConfig struct {
	MaxRestarts       int           `mapstructure:"max_restarts"`
	RestartBackoff    time.Duration `mapstructure:"restart_backoff"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	MonitorInterval   time.Duration `mapstructure:"monitor_interval"`
	ShutdownGrace     time.Duration `mapstructure:"shutdown_grace"`
}

// TradingConfig holds process-wide trading parameters.
type TradingConfig struct {
	TotalCapital  float64  `mapstructure:"total_capital"`
	EnabledVenues []string `mapstructure:"enabled_venues"`
	MaxOrderSize  float64  `mapstructure:"max_order_size"` // risk agent approval cap, 0 = unlimited
	Strategies    []string `mapstructure:"strategies"`
}

// GatewayConfig tunes the order gateway.
type GatewayConfig struct {
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`     // store writes; default 30s
	OrdersPerSecond float64       `mapstructure:"orders_per_second"` // pre-trade throttle, 0 = unlimited
}

// APIConfig controls the status/control HTTP server.
type APIConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Deployment fields use env vars: TP_BROKER_URL, TP_STORE_URL, TP_STORE_KEY,
// TP_TOTAL_CAPITAL, TP_ENABLED_VENUES.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("TP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override deployment fields from env
	if url := os.Getenv("TP_BROKER_URL"); url != "" {
		cfg.Bus.BrokerURL = url
	}
	if url := os.Getenv("TP_STORE_URL"); url != "" {
		cfg.Store.BaseURL = url
	}
	if key := os.Getenv("TP_STORE_KEY"); key != "" {
		cfg.Store.ServiceKey = key
	}
	if capital := os.Getenv("TP_TOTAL_CAPITAL"); capital != "" {
		parsed, err := strconv.ParseFloat(capital, 64)
		if err != nil {
			return nil, fmt.Errorf("TP_TOTAL_CAPITAL: %w", err)
		}
		cfg.Trading.TotalCapital = parsed
	}
	if venues := os.Getenv("TP_ENABLED_VENUES"); venues != "" {
		cfg.Trading.EnabledVenues = strings.Split(venues, ",")
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Store.Timeout == 0 {
		c.Store.Timeout = 10 * time.Second
	}
	if c.Gateway.WriteTimeout == 0 {
		c.Gateway.WriteTimeout = 30 * time.Second
	}
	if c.Orchestrator.MaxRestarts == 0 {
		c.Orchestrator.MaxRestarts = 5
	}
	if c.Orchestrator.RestartBackoff == 0 {
		c.Orchestrator.RestartBackoff = 5 * time.Second
	}
	if c.Orchestrator.HeartbeatInterval == 0 {
		c.Orchestrator.HeartbeatInterval = 30 * time.Second
	}
	if c.Orchestrator.MonitorInterval == 0 {
		c.Orchestrator.MonitorInterval = time.Minute
	}
	if c.Orchestrator.ShutdownGrace == 0 {
		c.Orchestrator.ShutdownGrace = 5 * time.Second
	}
	if c.Trading.TotalCapital == 0 {
		c.Trading.TotalCapital = 100000
	}
	if len(c.Trading.EnabledVenues) == 0 {
		c.Trading.EnabledVenues = []string{"coinbase", "kraken"}
	}
	if len(c.Trading.Strategies) == 0 {
		c.Trading.Strategies = []string{"trend_following", "mean_reversion", "funding_arbitrage"}
	}
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Store.BaseURL == "" {
		return fmt.Errorf("store.base_url is required (set TP_STORE_URL)")
	}
	if c.Store.ServiceKey == "" {
		return fmt.Errorf("store.service_key is required (set TP_STORE_KEY)")
	}
	if c.Orchestrator.MaxRestarts < 0 {
		return fmt.Errorf("orchestrator.max_restarts must be >= 0")
	}
	if c.Trading.TotalCapital <= 0 {
		return fmt.Errorf("trading.total_capital must be > 0")
	}
	if c.Gateway.OrdersPerSecond < 0 {
		return fmt.Errorf("gateway.orders_per_second must be >= 0")
	}
	if c.API.Enabled && c.API.Port == 0 {
		return fmt.Errorf("api.port is required when api.enabled is true")
	}
	return nil
}
