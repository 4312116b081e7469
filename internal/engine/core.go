// Package engine is the central orchestrator of the strategy runner.
//
// It wires together all subsystems:
//
//  1. The runtime store holds resident strategies, the event FIFO, and the
//     per-strategy locks.
//  2. The scheduler fires BUY/SELL events at each strategy's configured
//     times-of-day.
//  3. The market listener turns broker ticks into priority STOPLOSS events.
//  4. A fixed pool of workers drains the FIFO: validate → lock → place the
//     order → commit the transition → audit (see worker.go).
//  5. On startup the repository is walked and live strategies are
//     re-activated, including triggers missed while the process was down.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"strategy-runner/internal/broker"
	"strategy-runner/internal/config"
	"strategy-runner/internal/market"
	"strategy-runner/internal/persist"
	"strategy-runner/internal/runtime"
	"strategy-runner/internal/sched"
	"strategy-runner/internal/vault"
	"strategy-runner/pkg/types"
)

// BrokerResolver returns an order-placement client for a strategy. Injected
// so tests and dry-run mode can substitute the paper broker.
type BrokerResolver func(cfg types.StrategyConfig) (broker.Client, error)

// Core owns the worker pool and the strategy activation lifecycle.
type Core struct {
	cfg      config.Config
	store    *runtime.Store
	repo     persist.StrategyRepository
	audit    persist.AuditLog
	sched    *sched.Scheduler
	listener *market.Listener
	logger   *slog.Logger
	loc      *time.Location

	resolve BrokerResolver

	clientsMu sync.Mutex
	clients   map[string]broker.Client // "user/broker" → cached session

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Options bundles the engine's collaborators.
type Options struct {
	Config   config.Config
	Store    *runtime.Store
	Repo     persist.StrategyRepository
	Audit    persist.AuditLog
	Vault    vault.CredentialVault
	Listener *market.Listener
	Logger   *slog.Logger

	// Resolver overrides broker construction; nil gets the default
	// vault-backed resolver (or the paper broker in dry-run mode).
	Resolver BrokerResolver
}

// New wires a core. The scheduler is created here so its timers feed the
// store's FIFO directly.
func New(opts Options) *Core {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Core{
		cfg:      opts.Config,
		store:    opts.Store,
		repo:     opts.Repo,
		audit:    opts.Audit,
		sched:    sched.New(opts.Store, opts.Logger),
		listener: opts.Listener,
		logger:   opts.Logger.With("component", "engine"),
		loc:      opts.Config.Location(),
		clients:  make(map[string]broker.Client),
		ctx:      ctx,
		cancel:   cancel,
	}

	c.resolve = opts.Resolver
	if c.resolve == nil {
		if opts.Config.DryRun {
			paper := broker.NewPaperClient(opts.Logger)
			c.resolve = func(types.StrategyConfig) (broker.Client, error) { return paper, nil }
		} else {
			c.resolve = c.vaultResolver(opts.Vault)
		}
	}
	return c
}

// vaultResolver builds broker clients on demand, one cached session per
// (user, broker). A TokenInvalid failure evicts the cache entry so the next
// attempt re-reads the vault.
func (c *Core) vaultResolver(v vault.CredentialVault) BrokerResolver {
	return func(cfg types.StrategyConfig) (broker.Client, error) {
		key := cfg.UserID + "/" + cfg.Broker

		c.clientsMu.Lock()
		defer c.clientsMu.Unlock()
		if client, ok := c.clients[key]; ok {
			return client, nil
		}

		creds, err := v.Fetch(cfg.UserID, cfg.Broker)
		if err != nil {
			return nil, err
		}
		client, err := broker.New(cfg.Broker, creds, c.cfg.Brokers, c.logger)
		if err != nil {
			return nil, err
		}
		c.clients[key] = client
		return client, nil
	}
}

// Scheduler exposes the trigger timers (the controller reschedules on Update).
func (c *Core) Scheduler() *sched.Scheduler { return c.sched }

// ValidateBroker resolves the strategy's broker client and checks the
// session, so a dead token surfaces at Start instead of at the buy trigger.
func (c *Core) ValidateBroker(cfg types.StrategyConfig) error {
	client, err := c.resolve(cfg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.Engine.BrokerTimeout)
	defer cancel()
	return client.ValidateCredentials(ctx)
}

// Start recovers persisted strategies and launches the worker pool.
func (c *Core) Start() error {
	if err := c.recover(); err != nil {
		return fmt.Errorf("recover strategies: %w", err)
	}

	for i := 0; i < c.cfg.Engine.Workers; i++ {
		c.wg.Add(1)
		go func(id int) {
			defer c.wg.Done()
			c.runWorker(id)
		}(i)
	}

	c.logger.Info("engine started",
		"workers", c.cfg.Engine.Workers,
		"dry_run", c.cfg.DryRun,
	)
	return nil
}

// Stop shuts down in order: no new triggers, drain in-flight events, then
// stop the workers. Events still queued after the drain timeout are lost
// from the queue but remain reconstructible from the audit log.
func (c *Core) Stop() {
	c.logger.Info("shutting down...")

	// No new timer fires; ticks may still arrive but workers drain first.
	c.sched.Stop()

	deadline := time.Now().Add(c.cfg.Engine.DrainTimeout)
	for c.store.PendingEvents() > 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if n := c.store.PendingEvents(); n > 0 {
		c.logger.Warn("drain timeout, abandoning queued events", "pending", n)
	}

	c.cancel()
	c.wg.Wait()

	c.clientsMu.Lock()
	for _, client := range c.clients {
		client.Close()
	}
	c.clientsMu.Unlock()

	c.logger.Info("shutdown complete")
}

// Activate makes a strategy resident: load into the store, subscribe its
// symbol, and arm its timers. Used both by the controller's Start operation
// and by crash recovery (restored=true relaxes the in-the-past rules).
func (c *Core) Activate(cfg types.StrategyConfig, restored bool) error {
	if err := c.store.LoadStrategy(cfg); err != nil {
		return err
	}

	// Restore the persisted position for strategies that were already bought.
	if cfg.Lifecycle == types.LifecycleBought {
		err := c.store.WithLock(cfg.ID, c.cfg.Engine.LockWait, func(_ *types.StrategyConfig, st *types.RuntimeState) error {
			st.Lifecycle = types.LifecycleBought
			st.Position = types.PositionBought
			st.LastAction = types.ActionBuy
			return nil
		})
		if err != nil {
			c.store.UnloadStrategy(cfg.ID)
			return err
		}
	}

	if err := c.listener.Subscribe(cfg.Symbol); err != nil {
		c.store.UnloadStrategy(cfg.ID)
		return err
	}

	if err := c.armTimers(cfg, restored); err != nil {
		c.listener.Unsubscribe(cfg.Symbol)
		c.store.UnloadStrategy(cfg.ID)
		return err
	}
	return nil
}

// Deactivate removes a strategy from the live set: timers, queue entries,
// and the symbol subscription. The repository entry is untouched.
func (c *Core) Deactivate(id, symbol string) {
	c.sched.CancelAll(id)
	c.store.UnloadStrategy(id)
	c.listener.Unsubscribe(symbol)
}

// armTimers registers the BUY and SELL triggers for today. Past-due
// triggers are only legal during recovery, where they fire immediately
// (the process was down at the scheduled instant).
func (c *Core) armTimers(cfg types.StrategyConfig, restored bool) error {
	now := time.Now().In(c.loc)
	buyAt := cfg.BuyTime.On(now)
	sellAt := cfg.SellTime.On(now)
	bought := cfg.Lifecycle == types.LifecycleBought

	if !bought {
		switch {
		case now.Before(buyAt):
			if err := c.sched.Register(cfg.ID, types.EventBuy, buyAt); err != nil {
				return err
			}
		case restored && now.Before(sellAt) && c.inWindow(now):
			// Missed BUY while down, still inside the trading day.
			c.logger.Info("missed buy trigger, firing now", "strategy_id", cfg.ID, "scheduled", buyAt)
			c.store.EnqueueEvent(types.EventRecord{Kind: types.EventBuy, StrategyID: cfg.ID, Attempt: 1})
		case restored:
			// Whole day missed with no position: nothing left to do today.
			c.logger.Warn("trading day over, stopping strategy", "strategy_id", cfg.ID)
			c.store.EnqueueEvent(types.EventRecord{Kind: types.EventStop, StrategyID: cfg.ID, Attempt: 1, Reason: "missed trading day"})
			return nil
		default:
			return fmt.Errorf("%w: buy_time %s already passed", sched.ErrInThePast, cfg.BuyTime)
		}
	}

	if now.Before(sellAt) {
		return c.sched.Register(cfg.ID, types.EventSell, sellAt)
	}
	if bought {
		// Missed SELL while holding: exit immediately.
		c.logger.Warn("missed sell trigger with open position, selling now", "strategy_id", cfg.ID, "scheduled", sellAt)
		c.store.EnqueueEvent(types.EventRecord{Kind: types.EventSell, StrategyID: cfg.ID, Attempt: 1})
	}
	return nil
}

// inWindow reports whether t falls inside the configured trading window.
func (c *Core) inWindow(t time.Time) bool {
	local := t.In(c.loc)
	open := c.cfg.Market.WindowOpen.On(local)
	closeAt := c.cfg.Market.WindowClose.On(local)
	return !local.Before(open) && local.Before(closeAt)
}

// recover walks the repository and re-activates every strategy that was
// live when the process last stopped.
func (c *Core) recover() error {
	all, err := c.repo.LoadAll()
	if err != nil {
		return err
	}

	var restored int
	for _, cfg := range all {
		switch cfg.Lifecycle {
		case types.LifecycleRunning, types.LifecycleBought:
		default:
			continue
		}
		if err := c.Activate(cfg, true); err != nil {
			c.logger.Error("failed to restore strategy", "strategy_id", cfg.ID, "error", err)
			continue
		}
		restored++
	}

	if restored > 0 {
		c.logger.Info("strategies restored", "count", restored)
	}
	return nil
}

// runWorker drains the FIFO until shutdown.
func (c *Core) runWorker(id int) {
	logger := c.logger.With("worker", id)
	for {
		ev := c.store.DequeueEvent(c.ctx, time.Second)
		if c.ctx.Err() != nil {
			return
		}
		if ev == nil {
			continue
		}
		c.process(logger, *ev)
	}
}
