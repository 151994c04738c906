// Command controlplane runs the trading control plane: the agent fleet
// under orchestrator supervision, the order gateway, and the optional
// operator API, all wired over the message bus and the REST table store.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"tradeplane/internal/api"
	"tradeplane/internal/config"
	"tradeplane/internal/gateway"
	"tradeplane/internal/orchestrator"
	"tradeplane/internal/store"
	"tradeplane/pkg/bus"
	"tradeplane/pkg/types"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "controlplane: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)
	logger.Info("starting control plane",
		"venues", cfg.Trading.EnabledVenues, "strategies", cfg.Trading.Strategies)

	st := store.New(cfg.Store, logger)
	newTransport := transportFactory(cfg.Bus, logger)

	gw := gateway.New(st, cfg.Gateway, logger)
	submit := func(ctx context.Context, req types.OrderRequest) types.OrderResult {
		return gw.SubmitAndExecute(ctx, req, paperExecute)
	}

	orch, err := orchestrator.New(orchestrator.Options{
		Config:       cfg.Orchestrator,
		Trading:      cfg.Trading,
		Store:        st,
		Logger:       logger,
		NewTransport: newTransport,
		Submit:       submit,
	})
	if err != nil {
		return err
	}
	if err := orch.CreateDefaultAgents(); err != nil {
		return fmt.Errorf("create agents: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := orch.Start(ctx); err != nil {
		return err
	}

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg.API.Port, orch, logger)
		apiServer.Start()
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if apiServer != nil {
		if err := apiServer.Stop(shutdownCtx); err != nil {
			logger.Warn("api shutdown failed", "error", err)
		}
	}
	return orch.Shutdown(shutdownCtx)
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

// transportFactory picks the bus implementation. An empty broker URL runs
// the whole plane on the in-process broker (single-binary deployment); a
// ws:// URL connects every agent to the external broker.
func transportFactory(cfg config.BusConfig, logger *slog.Logger) func() bus.Transport {
	if cfg.BrokerURL == "" {
		broker := bus.NewBroker(logger)
		return func() bus.Transport { return broker.NewTransport() }
	}
	return func() bus.Transport { return bus.NewWSTransport(cfg.BrokerURL, logger) }
}

// paperExecute is the built-in venue adapter: it fills the full size at
// the order's limit price. Market orders fill with no price attached.
// Real venue adapters replace this at the SubmitAndExecute call site.
func paperExecute(ctx context.Context, order *types.Order) (decimal.Decimal, *decimal.Decimal, string, error) {
	var price *decimal.Decimal
	if order.Price != nil {
		p := *order.Price
		price = &p
	}
	return order.Size, price, "paper-" + order.ID.String()[:8], nil
}
