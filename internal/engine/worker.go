// worker.go is the event pipeline: one dequeued event in, at most one broker
// order out, exactly one audit row per attempt.
//
// The pipeline holds the per-strategy lock for the whole attempt, so a
// strategy never has two orders in flight. Preconditions are re-validated
// under the lock (the world may have moved between enqueue and dequeue), the
// broker call runs with a hard deadline, and the audit row is appended
// before the lock is released so the log orders strictly with state.
//
// Retry policy: at most MaxAttempts broker calls per logical intent.
// Transient failures re-enqueue a RETRY gated by the backoff; TokenInvalid
// and an exhausted budget abort the strategy (lifecycle failed) without
// another order.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"strategy-runner/internal/runtime"
	"strategy-runner/pkg/types"
)

func (c *Core) process(logger *slog.Logger, ev types.EventRecord) {
	switch ev.EffectiveKind() {
	case types.EventBuy, types.EventSell, types.EventStopLoss:
		c.processOrder(logger, ev)
	case types.EventStop:
		c.processStop(logger, ev)
	case types.EventSafetyAbort:
		c.processAbort(logger, ev)
	default:
		logger.Error("unhandled event kind", "kind", string(ev.Kind), "strategy_id", ev.StrategyID)
	}
}

// outcome carries what happened inside the lock out to the follow-up
// actions that must not run under it.
type outcome struct {
	terminal   bool
	skipped    string // reason, when the event was a no-op
	retryEvent *types.EventRecord
	symbol     string
}

func (c *Core) processOrder(logger *slog.Logger, ev types.EventRecord) {
	kind := ev.EffectiveKind()
	var out outcome

	err := c.store.WithLock(ev.StrategyID, c.cfg.Engine.LockWait, func(cfg *types.StrategyConfig, st *types.RuntimeState) error {
		out.symbol = cfg.Symbol

		if reason := precondition(kind, cfg, st, ev.TriggerPrice); reason != "" {
			out.skipped = reason
			return nil
		}
		if kind == types.EventBuy && !c.inWindow(time.Now()) {
			out.skipped = "outside trading window"
			return nil
		}

		order := buildOrder(kind, cfg)
		ack, placeErr := c.placeOrder(*cfg, order)
		if placeErr != nil {
			return c.handleFailure(logger, ev, cfg, st, placeErr, &out)
		}

		applyFill(kind, st, ack)
		cfg.Lifecycle = st.Lifecycle
		out.terminal = st.Lifecycle.IsTerminal()

		auditErr := c.audit.Append(types.OrderLogEntry{
			StrategyID: cfg.ID,
			UserID:     cfg.UserID,
			Kind:       kind,
			Attempt:    ev.Attempt,
			Symbol:     cfg.Symbol,
			Side:       order.Side,
			Quantity:   order.Quantity,
			Price:      ev.TriggerPrice,
			OrderID:    ack.OrderID,
			Outcome:    "accepted",
			BrokerBlob: ack.Raw,
		})
		if auditErr != nil {
			// An order now exists that the log cannot prove. Trading on is
			// worse than stopping: fail the strategy for the operator.
			logger.Error("audit append failed after accepted order",
				"strategy_id", cfg.ID,
				"order_id", ack.OrderID,
				"error", auditErr,
			)
			st.Lifecycle = types.LifecycleFailed
			cfg.Lifecycle = types.LifecycleFailed
			out.terminal = true
			return nil
		}

		logger.Info("order accepted",
			"strategy_id", cfg.ID,
			"kind", string(kind),
			"order_id", ack.OrderID,
			"attempt", ev.Attempt,
		)
		return nil
	})

	switch {
	case errors.Is(err, runtime.ErrLockTimeout):
		// Not an attempt; the event goes back for another pass.
		logger.Warn("lock wait exceeded, re-enqueueing", "strategy_id", ev.StrategyID, "kind", string(kind))
		c.store.EnqueueEvent(ev)
		return
	case errors.Is(err, runtime.ErrNotResident):
		logger.Warn("event for unloaded strategy dropped", "strategy_id", ev.StrategyID, "kind", string(kind))
		return
	case err != nil:
		logger.Error("event processing failed", "strategy_id", ev.StrategyID, "kind", string(kind), "error", err)
		return
	}

	if out.skipped != "" {
		logger.Info("event skipped",
			"strategy_id", ev.StrategyID, "kind", string(kind), "reason", out.skipped)
		c.appendAudit(logger, types.OrderLogEntry{
			StrategyID: ev.StrategyID,
			Kind:       kind,
			Attempt:    ev.Attempt,
			Symbol:     out.symbol,
			Outcome:    "skipped: " + out.skipped,
		})
		return
	}

	if out.retryEvent != nil {
		c.store.EnqueueEvent(*out.retryEvent)
		return
	}

	c.afterTransition(ev.StrategyID, kind, out)
}

// precondition returns a skip reason when the event no longer applies.
// Terminal lifecycles absorb everything; position gates the rest. STOPLOSS
// re-checks its trigger against the latest stop: the threshold may have
// been lowered while the event sat on the queue.
func precondition(kind types.EventKind, cfg *types.StrategyConfig, st *types.RuntimeState, trigger *decimal.Decimal) string {
	if st.Lifecycle.IsTerminal() {
		return "lifecycle " + string(st.Lifecycle)
	}
	switch kind {
	case types.EventBuy:
		if st.Position != types.PositionNone {
			return "position already " + string(st.Position)
		}
	case types.EventSell, types.EventStopLoss:
		if st.Position != types.PositionBought {
			return "no open position"
		}
		if kind == types.EventStopLoss && trigger != nil && trigger.GreaterThan(cfg.StopLoss) {
			return "trigger " + trigger.String() + " above stop " + cfg.StopLoss.String()
		}
	}
	return ""
}

func buildOrder(kind types.EventKind, cfg *types.StrategyConfig) types.Order {
	side := types.SELL
	if kind == types.EventBuy {
		side = types.BUY
	}
	return types.Order{
		Symbol:   cfg.Symbol,
		Side:     side,
		Quantity: cfg.Quantity,
		Type:     types.OrderTypeMarket,
		Tag:      cfg.ID,
	}
}

// placeOrder resolves the broker and runs the call under the configured
// deadline. Resolver failures (vault, unknown adapter) surface as broker
// errors so the retry policy treats them uniformly.
func (c *Core) placeOrder(cfg types.StrategyConfig, order types.Order) (types.OrderAck, error) {
	client, err := c.resolve(cfg)
	if err != nil {
		return types.OrderAck{}, types.NewBrokerError(types.BrokerTokenInvalid, err.Error(), "")
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.Engine.BrokerTimeout)
	defer cancel()
	return client.PlaceOrder(ctx, order)
}

// applyFill commits the post-order state for an accepted order.
func applyFill(kind types.EventKind, st *types.RuntimeState, ack types.OrderAck) {
	st.RetryCount = 0
	if ack.AvgPrice != nil {
		st.LastPrice = ack.AvgPrice
	}
	switch kind {
	case types.EventBuy:
		st.Position = types.PositionBought
		st.Lifecycle = types.LifecycleBought
		st.LastAction = types.ActionBuy
		st.LastBuyOrderID = ack.OrderID
	case types.EventSell:
		st.Position = types.PositionSold
		st.Lifecycle = types.LifecycleSold
		st.LastAction = types.ActionSell
		st.LastSellOrderID = ack.OrderID
	case types.EventStopLoss:
		st.Position = types.PositionExitedSL
		st.Lifecycle = types.LifecycleExitedSL
		st.LastAction = types.ActionStopLoss
		st.LastSellOrderID = ack.OrderID
	}
}

// handleFailure decides between RETRY and SAFETY_ABORT for a failed broker
// call. Runs under the strategy lock; the audit row lands before release.
func (c *Core) handleFailure(logger *slog.Logger, ev types.EventRecord, cfg *types.StrategyConfig, st *types.RuntimeState, placeErr error, out *outcome) error {
	kind := ev.EffectiveKind()

	var be *types.BrokerError
	retryable := errors.As(placeErr, &be) && be.Retryable()
	raw := ""
	if be != nil {
		raw = be.Raw
	}

	var auditErr error
	if retryable && ev.Attempt < c.cfg.Engine.MaxAttempts {
		st.RetryCount = ev.Attempt
		auditErr = c.audit.Append(types.OrderLogEntry{
			StrategyID: cfg.ID,
			UserID:     cfg.UserID,
			Kind:       types.EventRetry,
			Attempt:    ev.Attempt,
			Symbol:     cfg.Symbol,
			Outcome:    "retry: " + placeErr.Error(),
			BrokerBlob: raw,
		})
		if auditErr == nil {
			logger.Warn("broker call failed, retrying",
				"strategy_id", cfg.ID,
				"kind", string(kind),
				"attempt", ev.Attempt,
				"error", placeErr,
			)
			out.retryEvent = &types.EventRecord{
				Kind:         types.EventRetry,
				StrategyID:   cfg.ID,
				OriginalKind: kind,
				Attempt:      ev.Attempt + 1,
				TriggerPrice: ev.TriggerPrice,
				NotBefore:    time.Now().Add(c.cfg.Engine.RetryBackoff),
			}
			return nil
		}
		// An unlogged attempt must not be retried into more unlogged
		// attempts; fall through to the abort.
	}

	// Abort: no further orders for this strategy without operator action.
	reason := fmt.Sprintf("attempt %d/%d: %v", ev.Attempt, c.cfg.Engine.MaxAttempts, placeErr)
	if !retryable {
		reason = "unrecoverable: " + placeErr.Error()
	}
	if auditErr != nil {
		reason = "audit unavailable: " + auditErr.Error()
	}
	st.Lifecycle = types.LifecycleFailed
	st.RetryCount = ev.Attempt
	cfg.Lifecycle = types.LifecycleFailed
	out.terminal = true

	c.appendAudit(logger, types.OrderLogEntry{
		StrategyID: cfg.ID,
		UserID:     cfg.UserID,
		Kind:       types.EventSafetyAbort,
		Attempt:    ev.Attempt,
		Symbol:     cfg.Symbol,
		Outcome:    "aborted: " + reason,
		BrokerBlob: raw,
	})
	logger.Error("SAFETY ABORT",
		"strategy_id", cfg.ID,
		"kind", string(kind),
		"reason", reason,
		"position", string(st.Position),
	)
	return nil
}

// processStop retires a strategy: no more triggers, lifecycle stopped. An
// open position is left untouched and flagged for the operator; selling it
// automatically would turn an administrative action into a trade.
func (c *Core) processStop(logger *slog.Logger, ev types.EventRecord) {
	var symbol string
	var changed bool
	err := c.store.WithLock(ev.StrategyID, c.cfg.Engine.LockWait, func(cfg *types.StrategyConfig, st *types.RuntimeState) error {
		symbol = cfg.Symbol
		if st.Lifecycle.IsTerminal() {
			return nil
		}
		changed = true
		if st.Position == types.PositionBought {
			logger.Warn("strategy stopped with open position",
				"strategy_id", cfg.ID, "symbol", cfg.Symbol, "quantity", cfg.Quantity)
		}
		st.Lifecycle = types.LifecycleStopped
		cfg.Lifecycle = types.LifecycleStopped

		c.appendAudit(logger, types.OrderLogEntry{
			StrategyID: cfg.ID,
			UserID:     cfg.UserID,
			Kind:       types.EventStop,
			Symbol:     cfg.Symbol,
			Outcome:    "stopped",
		})
		return nil
	})
	if errors.Is(err, runtime.ErrLockTimeout) {
		c.store.EnqueueEvent(ev)
		return
	}
	if err != nil {
		logger.Error("stop failed", "strategy_id", ev.StrategyID, "error", err)
		return
	}
	if !changed {
		return
	}

	c.afterTransition(ev.StrategyID, types.EventStop, outcome{terminal: true, symbol: symbol})
}

// processAbort applies a SAFETY_ABORT that arrived as a queue event. Local
// aborts happen inline in handleFailure; this arm covers events enqueued by
// another component (or another process, the event shape crosses the wire).
func (c *Core) processAbort(logger *slog.Logger, ev types.EventRecord) {
	var symbol string
	var changed bool
	err := c.store.WithLock(ev.StrategyID, c.cfg.Engine.LockWait, func(cfg *types.StrategyConfig, st *types.RuntimeState) error {
		symbol = cfg.Symbol
		if st.Lifecycle.IsTerminal() {
			return nil
		}
		changed = true
		st.Lifecycle = types.LifecycleFailed
		cfg.Lifecycle = types.LifecycleFailed

		reason := ev.Reason
		if reason == "" {
			reason = "safety abort requested"
		}
		c.appendAudit(logger, types.OrderLogEntry{
			StrategyID: cfg.ID,
			UserID:     cfg.UserID,
			Kind:       types.EventSafetyAbort,
			Symbol:     cfg.Symbol,
			Outcome:    "aborted: " + reason,
		})
		logger.Error("SAFETY ABORT",
			"strategy_id", cfg.ID,
			"reason", reason,
			"position", string(st.Position),
		)
		return nil
	})
	if errors.Is(err, runtime.ErrLockTimeout) {
		c.store.EnqueueEvent(ev)
		return
	}
	if err != nil {
		logger.Error("abort failed", "strategy_id", ev.StrategyID, "error", err)
		return
	}
	if !changed {
		return
	}

	c.afterTransition(ev.StrategyID, types.EventSafetyAbort, outcome{terminal: true, symbol: symbol})
}

// afterTransition runs the follow-ups that must not happen under the
// strategy lock: persistence, timer cancellation, unsubscription.
func (c *Core) afterTransition(id string, kind types.EventKind, out outcome) {
	view, err := c.store.ReadRuntimeView(id)
	if err != nil {
		return
	}

	// Persist every lifecycle change so recovery sees the position: a BUY
	// fill must survive a crash, and a terminal state must not resurrect.
	cfg := view.Config
	cfg.Lifecycle = view.State.Lifecycle
	if err := c.repo.Save(cfg); err != nil {
		c.logger.Error("failed to persist lifecycle", "strategy_id", id, "error", err)
	}

	if !out.terminal {
		// BUY accepted: the SELL timer stays armed, the position is live.
		return
	}
	// Terminal lifecycles leave the live set entirely: timers, queue
	// entries, residency, and the symbol subscription all go. The
	// repository row above is what survives.
	c.Deactivate(id, out.symbol)
}

// appendAudit writes an advisory row (skips, stops, abort notices), logging
// loudly on failure. Rows that record broker calls are appended inline so
// their failure can fail the strategy.
func (c *Core) appendAudit(logger *slog.Logger, entry types.OrderLogEntry) {
	if err := c.audit.Append(entry); err != nil {
		logger.Error("audit append failed", "strategy_id", entry.StrategyID, "error", err)
	}
}
