// Strategy Runner — a deterministic execution core for time-triggered retail
// trading strategies. A strategy is (symbol, buy time, sell time, stop-loss,
// quantity); the runner buys at the buy time, exits at the sell time or the
// stop-loss, whichever comes first, with market orders.
//
// Architecture:
//
//	main.go                  — entry point: loads config, wires subsystems, waits for SIGINT/SIGTERM
//	engine/core.go           — orchestrator: worker pool over the event FIFO, crash recovery
//	engine/worker.go         — event pipeline: validate → lock → broker call → transition → audit
//	controller/controller.go — management surface: create/start/stop/update/status
//	runtime/store.go         — resident strategies, per-strategy locks, priority FIFO, price cache
//	sched/scheduler.go       — wall-clock BUY/SELL trigger timers
//	market/listener.go       — tick fan-in and the stop-loss comparator
//	broker/kite.go           — Kite Connect REST adapter (orders, session validation)
//	broker/feed.go           — tick WebSocket with auto-reconnect and re-subscribe
//	persist/                 — strategy definitions (JSON files) and the JSONL audit log
//	vault/vault.go           — AES-GCM encrypted broker credentials
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"strategy-runner/internal/broker"
	"strategy-runner/internal/config"
	"strategy-runner/internal/engine"
	"strategy-runner/internal/market"
	"strategy-runner/internal/persist"
	"strategy-runner/internal/runtime"
	"strategy-runner/internal/vault"
	"strategy-runner/pkg/types"
)

// noopSource is the tick source for dry-run without a feed endpoint.
type noopSource struct{}

func (noopSource) SubscribeTicks(string) error   { return nil }
func (noopSource) UnsubscribeTicks(string) error { return nil }

func main() {
	// Load config
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("TRADER_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	// Persistence
	repo, err := persist.OpenRepository(cfg.Store.DataDir)
	if err != nil {
		logger.Error("failed to open strategy repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()

	audit, err := persist.OpenAuditLog(cfg.Store.AuditDir)
	if err != nil {
		logger.Error("failed to open audit log", "error", err)
		os.Exit(1)
	}
	defer audit.Close()

	// Credentials vault (not needed in dry-run: the paper broker fills all)
	var credVault vault.CredentialVault
	if !cfg.DryRun {
		v, err := vault.Open(cfg.Vault.Path, cfg.Vault.MasterKey)
		if err != nil {
			logger.Error("failed to open credential vault", "error", err)
			os.Exit(1)
		}
		credVault = v
	}

	store := runtime.New(logger)

	// Tick feed → listener. The listener is constructed after the feed, so
	// the feed's callbacks close over the variable.
	var listener *market.Listener
	var feed *broker.WSFeed
	var source market.TickSource = noopSource{}
	if cfg.Brokers.Kite.WSURL != "" {
		feed = broker.NewWSFeed(cfg.Brokers.Kite.WSURL,
			func(tick types.Tick) { listener.OnTick(tick) },
			func(up bool) { listener.SetConnected(up) },
			logger,
		)
		source = feed
	}
	listener = market.NewListener(store, source, cfg.Market.StaleFeedAfter, logger)

	core := engine.New(engine.Options{
		Config:   *cfg,
		Store:    store,
		Repo:     repo,
		Audit:    audit,
		Vault:    credVault,
		Listener: listener,
		Logger:   logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if feed != nil {
		go func() {
			if err := feed.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("tick feed terminated", "error", err)
			}
		}()
	}

	if err := core.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}
	logger.Info("strategy runner started",
		"workers", cfg.Engine.Workers,
		"window", cfg.Market.WindowOpen.String()+"-"+cfg.Market.WindowClose.String(),
		"timezone", cfg.Market.Timezone,
		"dry_run", cfg.DryRun,
	)

	<-ctx.Done()
	logger.Info("received shutdown signal")

	core.Stop()
	if feed != nil {
		feed.Close()
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
