// Package controller is the management surface for strategies: create,
// start, stop, update, status. It owns definition-level rules (validation,
// immutability) and delegates execution to the engine; it never places
// orders itself.
package controller

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"strategy-runner/internal/config"
	"strategy-runner/internal/engine"
	"strategy-runner/internal/persist"
	"strategy-runner/internal/runtime"
	"strategy-runner/pkg/types"
)

var (
	// ErrAlreadyStarted is returned by Start for a live strategy.
	ErrAlreadyStarted = errors.New("strategy already started")
	// ErrTerminal is returned for operations on finished strategies.
	ErrTerminal = errors.New("strategy is in a terminal state")
	// ErrImmutable is returned when an update touches a frozen field.
	ErrImmutable = errors.New("field is immutable in the current state")
)

// UpdateRequest is a partial strategy update; nil fields are unchanged.
// Symbol and broker are never updatable: changing the instrument is a new
// strategy, not an edit.
type UpdateRequest struct {
	BuyTime  *types.TimeOfDay
	SellTime *types.TimeOfDay
	StopLoss *decimal.Decimal
	Quantity *int64
}

// Controller exposes the strategy management operations.
type Controller struct {
	cfg    config.Config
	core   *engine.Core
	store  *runtime.Store
	repo   persist.StrategyRepository
	logger *slog.Logger
	loc    *time.Location
}

// New creates a controller over the engine and its stores.
func New(cfg config.Config, core *engine.Core, store *runtime.Store, repo persist.StrategyRepository, logger *slog.Logger) *Controller {
	return &Controller{
		cfg:    cfg,
		core:   core,
		store:  store,
		repo:   repo,
		logger: logger.With("component", "controller"),
		loc:    cfg.Location(),
	}
}

// Create validates and persists a new strategy definition. The strategy is
// inert until Start.
func (c *Controller) Create(cfg types.StrategyConfig) (types.StrategyConfig, error) {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	cfg.Lifecycle = types.LifecycleCreated
	cfg.CreatedAt = time.Now()
	cfg.UpdatedAt = cfg.CreatedAt

	if err := cfg.Validate(); err != nil {
		return types.StrategyConfig{}, err
	}
	if _, err := c.repo.Load(cfg.ID); err == nil {
		return types.StrategyConfig{}, fmt.Errorf("strategy %s already exists", cfg.ID)
	}
	if err := c.repo.Save(cfg); err != nil {
		return types.StrategyConfig{}, err
	}

	c.logger.Info("strategy created",
		"strategy_id", cfg.ID,
		"symbol", cfg.Symbol,
		"buy_time", cfg.BuyTime.String(),
		"sell_time", cfg.SellTime.String(),
	)
	return cfg, nil
}

// Start activates a created (or stopped) strategy: the broker session is
// validated, the strategy becomes resident, its symbol is subscribed, and
// today's triggers are armed.
func (c *Controller) Start(id string) error {
	cfg, err := c.repo.Load(id)
	if err != nil {
		return err
	}
	if c.store.Resident(id) {
		return fmt.Errorf("%w: %s", ErrAlreadyStarted, id)
	}
	switch cfg.Lifecycle {
	case types.LifecycleSold, types.LifecycleExitedSL, types.LifecycleFailed:
		return fmt.Errorf("%w: %s is %s", ErrTerminal, id, cfg.Lifecycle)
	}
	if err := c.core.ValidateBroker(cfg); err != nil {
		return fmt.Errorf("broker session check: %w", err)
	}

	prev := cfg.Lifecycle
	cfg.Lifecycle = types.LifecycleRunning
	cfg.UpdatedAt = time.Now()
	if err := c.repo.Save(cfg); err != nil {
		return err
	}
	if err := c.core.Activate(cfg, false); err != nil {
		cfg.Lifecycle = prev
		if saveErr := c.repo.Save(cfg); saveErr != nil {
			c.logger.Error("failed to roll back lifecycle", "strategy_id", id, "error", saveErr)
		}
		return err
	}

	c.logger.Info("strategy started", "strategy_id", id, "symbol", cfg.Symbol)
	return nil
}

// Stop retires a strategy. For a resident strategy the STOP goes through
// the event queue so it serializes with any in-flight order; an open
// position is left as-is and flagged, never auto-sold. Idempotent.
func (c *Controller) Stop(id string) error {
	if c.store.Resident(id) {
		c.store.EnqueueEvent(types.EventRecord{Kind: types.EventStop, StrategyID: id, Attempt: 1})
		return nil
	}

	cfg, err := c.repo.Load(id)
	if err != nil {
		return err
	}
	if cfg.Lifecycle.IsTerminal() {
		return nil
	}
	cfg.Lifecycle = types.LifecycleStopped
	cfg.UpdatedAt = time.Now()
	return c.repo.Save(cfg)
}

// Update applies a partial edit. Rules:
//   - buy_time is frozen once the position has been entered (the trigger
//     already fired; rewriting history re-arms nothing),
//   - all updates re-validate the full config,
//   - pending timers are rescheduled to the new times.
func (c *Controller) Update(id string, req UpdateRequest) error {
	if !c.store.Resident(id) {
		return c.updateStored(id, req)
	}

	var updated types.StrategyConfig
	err := c.store.WithLock(id, c.cfg.Engine.LockWait, func(cfg *types.StrategyConfig, st *types.RuntimeState) error {
		if req.BuyTime != nil && st.Position != types.PositionNone {
			return fmt.Errorf("%w: buy_time after position entry", ErrImmutable)
		}
		applyUpdate(cfg, req)
		if err := cfg.Validate(); err != nil {
			return err
		}
		updated = *cfg
		return nil
	})
	if err != nil {
		return err
	}

	if err := c.repo.Save(updated); err != nil {
		return err
	}
	c.rescheduleTimers(updated, req)
	c.logger.Info("strategy updated", "strategy_id", id)
	return nil
}

// updateStored edits a non-resident strategy: repository only, no timers.
func (c *Controller) updateStored(id string, req UpdateRequest) error {
	cfg, err := c.repo.Load(id)
	if err != nil {
		return err
	}
	if cfg.Lifecycle.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminal, id, cfg.Lifecycle)
	}
	applyUpdate(&cfg, req)
	if err := cfg.Validate(); err != nil {
		return err
	}
	return c.repo.Save(cfg)
}

func applyUpdate(cfg *types.StrategyConfig, req UpdateRequest) {
	if req.BuyTime != nil {
		cfg.BuyTime = *req.BuyTime
	}
	if req.SellTime != nil {
		cfg.SellTime = *req.SellTime
	}
	if req.StopLoss != nil {
		cfg.StopLoss = types.RoundPrice(*req.StopLoss)
	}
	if req.Quantity != nil {
		cfg.Quantity = *req.Quantity
	}
	cfg.UpdatedAt = time.Now()
}

// rescheduleTimers moves pending triggers to the updated times. A timer
// that already fired stays fired. A pending trigger moved into the past
// fires immediately: dropping it would leave a bought strategy with no
// exit path.
func (c *Controller) rescheduleTimers(cfg types.StrategyConfig, req UpdateRequest) {
	now := time.Now().In(c.loc)
	if req.BuyTime != nil {
		c.rescheduleTimer(cfg.ID, types.EventBuy, cfg.BuyTime.On(now), now)
	}
	if req.SellTime != nil {
		c.rescheduleTimer(cfg.ID, types.EventSell, cfg.SellTime.On(now), now)
	}
}

func (c *Controller) rescheduleTimer(id string, kind types.EventKind, fireAt, now time.Time) {
	s := c.core.Scheduler()
	if !s.Pending(id, kind) {
		return
	}
	if !now.Before(fireAt) {
		s.Cancel(id, kind)
		c.store.EnqueueEvent(types.EventRecord{Kind: kind, StrategyID: id, Attempt: 1})
		c.logger.Warn("trigger moved into the past, firing now",
			"strategy_id", id, "kind", string(kind), "scheduled", fireAt)
		return
	}
	if err := s.Reschedule(id, kind, fireAt); err != nil {
		c.logger.Warn("trigger not rescheduled",
			"strategy_id", id, "kind", string(kind), "error", err)
	}
}

// GetStatus returns the live view for resident strategies, or a view
// reconstructed from the repository for inert ones.
func (c *Controller) GetStatus(id string) (types.RuntimeView, error) {
	if view, err := c.store.ReadRuntimeView(id); err == nil {
		return view, nil
	}

	cfg, err := c.repo.Load(id)
	if err != nil {
		return types.RuntimeView{}, err
	}
	return types.RuntimeView{
		Config: cfg,
		State: types.RuntimeState{
			Lifecycle: cfg.Lifecycle,
			Position:  positionFor(cfg.Lifecycle),
			UpdatedAt: cfg.UpdatedAt,
		},
	}, nil
}

// List returns every stored strategy definition.
func (c *Controller) List() ([]types.StrategyConfig, error) {
	return c.repo.LoadAll()
}

// positionFor derives the position implied by a persisted lifecycle.
func positionFor(l types.Lifecycle) types.PositionState {
	switch l {
	case types.LifecycleBought:
		return types.PositionBought
	case types.LifecycleSold:
		return types.PositionSold
	case types.LifecycleExitedSL:
		return types.PositionExitedSL
	default:
		return types.PositionNone
	}
}
