// Package market bridges broker tick feeds and the runtime store. The
// Listener owns symbol subscriptions (refcounted across strategies) and the
// stop-loss comparator that runs on every tick.
package market

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"strategy-runner/internal/runtime"
	"strategy-runner/pkg/types"
)

// TickSource is the subscription surface of a broker feed.
type TickSource interface {
	SubscribeTicks(symbol string) error
	UnsubscribeTicks(symbol string) error
}

// Listener fans ticks into the price cache and emits priority STOPLOSS
// events for bought strategies whose threshold is crossed.
type Listener struct {
	store      *runtime.Store
	source     TickSource
	logger     *slog.Logger
	staleAfter time.Duration

	connected atomic.Bool

	mu   sync.Mutex
	refs map[string]int
}

// NewListener wires a listener to the store and a tick source. staleAfter
// bounds how old a tick may be and still drive stop-loss decisions.
func NewListener(store *runtime.Store, source TickSource, staleAfter time.Duration, logger *slog.Logger) *Listener {
	l := &Listener{
		store:      store,
		source:     source,
		logger:     logger.With("component", "market"),
		staleAfter: staleAfter,
		refs:       make(map[string]int),
	}
	l.connected.Store(true)
	return l
}

// Subscribe adds a reference to symbol, opening the upstream subscription
// on the first one.
func (l *Listener) Subscribe(symbol string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refs[symbol]++
	if l.refs[symbol] > 1 {
		return nil
	}
	if err := l.source.SubscribeTicks(symbol); err != nil {
		delete(l.refs, symbol)
		return fmt.Errorf("subscribe %s: %w", symbol, err)
	}
	l.logger.Info("symbol subscribed", "symbol", symbol)
	return nil
}

// Unsubscribe drops a reference, closing the upstream subscription when the
// last one goes. Unbalanced calls are ignored.
func (l *Listener) Unsubscribe(symbol string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	n, ok := l.refs[symbol]
	if !ok {
		return
	}
	if n > 1 {
		l.refs[symbol] = n - 1
		return
	}
	delete(l.refs, symbol)
	if err := l.source.UnsubscribeTicks(symbol); err != nil {
		l.logger.Warn("unsubscribe failed", "symbol", symbol, "error", err)
	}
	l.logger.Info("symbol unsubscribed", "symbol", symbol)
}

// Refs returns the reference count for a symbol.
func (l *Listener) Refs(symbol string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.refs[symbol]
}

// SetConnected records feed connectivity. While down, ticks that still
// arrive (late deliveries during teardown) do not drive stop-loss decisions.
func (l *Listener) SetConnected(up bool) {
	if l.connected.Swap(up) != up {
		if up {
			l.logger.Info("feed connected")
		} else {
			l.logger.Warn("feed disconnected, stop-loss evaluation suspended")
		}
	}
}

// OnTick is the hot path: update the price cache, then scan the symbol's
// resident strategies and enqueue STOPLOSS for any bought position at or
// below its threshold. No per-strategy lock is taken here; the engine
// worker re-validates position under the lock before selling.
func (l *Listener) OnTick(tick types.Tick) {
	price := types.RoundPrice(tick.Price)
	l.store.UpdatePrice(tick.Symbol, price, tick.At)

	if !l.connected.Load() {
		return
	}
	if age := time.Since(tick.At); age > l.staleAfter {
		l.logger.Warn("stale tick ignored for stop-loss",
			"symbol", tick.Symbol, "age", age)
		return
	}

	for _, id := range l.store.SymbolSubscribers(tick.Symbol) {
		view, err := l.store.ReadRuntimeView(id)
		if err != nil {
			continue
		}
		if view.State.Position != types.PositionBought {
			continue
		}
		if view.State.Lifecycle.IsTerminal() {
			continue
		}
		if price.GreaterThan(view.Config.StopLoss) {
			continue
		}

		trigger := price
		if l.store.EnqueueEvent(types.EventRecord{
			Kind:         types.EventStopLoss,
			StrategyID:   id,
			Attempt:      1,
			TriggerPrice: &trigger,
		}) {
			l.logger.Warn("stop-loss triggered",
				"strategy_id", id,
				"symbol", tick.Symbol,
				"price", price.String(),
				"stop_loss", view.Config.StopLoss.String(),
			)
		}
	}
}
