package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/charleschow/execution-core/internal/adapters/outbound/paperbroker"
	"github.com/charleschow/execution-core/internal/config"
	"github.com/charleschow/execution-core/internal/core/broker"
	"github.com/charleschow/execution-core/internal/core/conflict"
	"github.com/charleschow/execution-core/internal/core/execution"
	"github.com/charleschow/execution-core/internal/core/order"
	"github.com/charleschow/execution-core/internal/core/ownership"
	"github.com/charleschow/execution-core/internal/core/recovery"
	"github.com/charleschow/execution-core/internal/core/strategy"
	"github.com/charleschow/execution-core/internal/events"
	"github.com/charleschow/execution-core/internal/fanout"
	"github.com/charleschow/execution-core/internal/store"
	"github.com/charleschow/execution-core/internal/telemetry"
)

func main() {
	cfg := config.Load()
	telemetry.Init(telemetry.ParseLogLevel(cfg.LogLevel))
	telemetry.Infof("Starting execution core")

	bus := events.NewBusWithCap(cfg.EventHistoryCap)

	// ── Strategy registry ───────────────────────────────────────
	defs, err := config.LoadStrategies(cfg.StrategiesPath)
	if err != nil {
		telemetry.Errorf("Failed to load strategies: %v", err)
		os.Exit(1)
	}
	registry := strategy.NewRegistry()
	for _, def := range defs {
		registry.Register(strategy.Strategy{
			ID:       def.ID,
			Name:     def.Name,
			Priority: def.Priority,
			Persona:  def.Persona,
			Active:   def.Active,
		})
	}
	telemetry.Infof("Loaded %d strategies", registry.Count())

	// ── Persistence ─────────────────────────────────────────────
	db, err := store.Open(cfg.StorePath)
	if err != nil {
		telemetry.Errorf("Failed to open store: %v", err)
		os.Exit(1)
	}
	defer db.Close()

	// ── Ownership + conflict arbitration ────────────────────────
	owners := ownership.NewService(db, bus, registry)
	if err := owners.Load(); err != nil {
		telemetry.Errorf("Failed to load ownerships: %v", err)
		os.Exit(1)
	}
	detector := conflict.NewDetector(owners, registry, bus)

	// ── Order manager ───────────────────────────────────────────
	mgr := order.NewManager(db, bus, detector)
	active, err := mgr.LoadActive()
	if err != nil {
		telemetry.Errorf("Failed to load active orders: %v", err)
		os.Exit(1)
	}
	telemetry.Infof("Loaded %d active orders", active)

	// ── Broker client ───────────────────────────────────────────
	var brokerClient broker.Client
	switch cfg.BrokerMode {
	case "paper":
		brokerClient = paperbroker.New()
		telemetry.Infof("Broker mode: paper")
	default:
		telemetry.Errorf("Unknown broker mode %q", cfg.BrokerMode)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Recovery — must finish before any new intent is accepted ─
	recoverer := recovery.NewService(mgr, brokerClient, bus,
		recovery.WithOrderTimeout(cfg.RecoveryOrderTimeout),
		recovery.WithParallelism(cfg.RecoveryParallelism),
		recovery.WithRateLimit(cfg.BrokerQueriesPerSec),
	)
	summary, err := recoverer.Run(ctx)
	if err != nil {
		telemetry.Errorf("Recovery aborted: %v", err)
		os.Exit(1)
	}
	if summary.Flagged > 0 {
		telemetry.Warnf("Recovery flagged %d orders for manual review", summary.Flagged)
	}

	// ── Execution pipeline (subscribes to order_intent) ─────────
	_ = execution.NewService(bus, mgr, registry, brokerClient)

	// ── Event fanout ────────────────────────────────────────────
	if cfg.FanoutEnabled {
		fanoutServer := fanout.NewServer(bus)
		go func() {
			if err := fanoutServer.ListenAndServe(fanout.Addr(cfg.FanoutHost, cfg.FanoutPort)); err != nil {
				telemetry.Errorf("Fanout server: %v", err)
			}
		}()
	}

	telemetry.Infof("Execution core ready")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	telemetry.Infof("Shutting down")
	cancel()
}
