// Package runtime is the process-resident coordination hub for active
// strategies: the single source of truth for in-flight state.
//
// The Store owns four things:
//
//  1. the resident strategy map (config + mutable runtime state),
//  2. the per-strategy lock registry (all mutations are serialized per id),
//  3. the event FIFO with stop-loss priority, consumed by engine workers,
//  4. the latest-tick price cache and the symbol → strategies reverse index.
//
// Reads outside a lock get consistent snapshots; every write happens inside
// WithLock and becomes visible as a single step.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"strategy-runner/pkg/types"
)

var (
	// ErrAlreadyResident is returned by LoadStrategy for a live duplicate.
	ErrAlreadyResident = errors.New("strategy already resident")
	// ErrNotResident is returned for operations on unknown strategy ids.
	ErrNotResident = errors.New("strategy not resident")
)

// entry pairs a resident strategy's config with its runtime state.
type entry struct {
	cfg   types.StrategyConfig
	state types.RuntimeState
}

// Store is the runtime store. One instance per process.
type Store struct {
	logger *slog.Logger

	// mu guards resident and bySymbol. Per-strategy mutations additionally
	// hold the strategy's lock; mu alone only makes snapshots consistent.
	mu       sync.RWMutex
	resident map[string]*entry
	bySymbol map[string]map[string]struct{}

	pricesMu sync.RWMutex
	prices   map[string]types.Tick

	locks *lockRegistry
	queue *eventQueue
}

// New creates an empty runtime store.
func New(logger *slog.Logger) *Store {
	return &Store{
		logger:   logger.With("component", "runtime"),
		resident: make(map[string]*entry),
		bySymbol: make(map[string]map[string]struct{}),
		prices:   make(map[string]types.Tick),
		locks:    newLockRegistry(),
		queue:    newEventQueue(),
	}
}

// LoadStrategy atomically inserts cfg with fresh running state and registers
// it in the symbol index.
func (s *Store) LoadStrategy(cfg types.StrategyConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.resident[cfg.ID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyResident, cfg.ID)
	}

	s.resident[cfg.ID] = &entry{
		cfg: cfg,
		state: types.RuntimeState{
			Lifecycle: types.LifecycleRunning,
			Position:  types.PositionNone,
			UpdatedAt: time.Now(),
		},
	}
	if s.bySymbol[cfg.Symbol] == nil {
		s.bySymbol[cfg.Symbol] = make(map[string]struct{})
	}
	s.bySymbol[cfg.Symbol][cfg.ID] = struct{}{}

	s.logger.Info("strategy loaded",
		"strategy_id", cfg.ID,
		"symbol", cfg.Symbol,
		"buy_time", cfg.BuyTime.String(),
		"sell_time", cfg.SellTime.String(),
	)
	return nil
}

// UnloadStrategy removes a strategy from the store, the symbol index, and
// the queue. Idempotent.
func (s *Store) UnloadStrategy(id string) {
	s.mu.Lock()
	e, ok := s.resident[id]
	if ok {
		delete(s.resident, id)
		if subs := s.bySymbol[e.cfg.Symbol]; subs != nil {
			delete(subs, id)
			if len(subs) == 0 {
				delete(s.bySymbol, e.cfg.Symbol)
			}
		}
	}
	s.mu.Unlock()

	if ok {
		s.queue.drop(id)
		s.locks.remove(id)
		s.logger.Info("strategy unloaded", "strategy_id", id)
	}
}

// Resident reports whether the strategy is loaded.
func (s *Store) Resident(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.resident[id]
	return ok
}

// ResidentIDs returns the ids of all loaded strategies.
func (s *Store) ResidentIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.resident))
	for id := range s.resident {
		ids = append(ids, id)
	}
	return ids
}

// WithLock acquires the per-strategy lock (bounded by wait), hands fn a
// private copy of the config and state, and on success commits the copies
// back as a single visible step. The lock is released on every exit path,
// including panic; its lease TTL is max(wait, 30s) so a crashed holder is
// force-released by the next waiter.
func (s *Store) WithLock(id string, wait time.Duration, fn func(cfg *types.StrategyConfig, st *types.RuntimeState) error) error {
	lock := s.locks.get(id)
	if err := lock.acquire(wait, wait); err != nil {
		return err
	}
	defer lock.release()

	s.mu.RLock()
	e, ok := s.resident[id]
	if !ok {
		s.mu.RUnlock()
		return fmt.Errorf("%w: %s", ErrNotResident, id)
	}
	cfg := e.cfg
	st := e.state
	s.mu.RUnlock()

	if err := fn(&cfg, &st); err != nil {
		return err
	}

	st.UpdatedAt = time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok = s.resident[id]
	if !ok {
		// Unloaded while fn ran; nothing left to commit.
		return fmt.Errorf("%w: %s", ErrNotResident, id)
	}
	if cfg.Symbol != e.cfg.Symbol {
		// Symbol is immutable while resident; reindexing under a held
		// strategy lock would race the listener's index scans.
		return fmt.Errorf("%w: symbol change for resident strategy %s", types.ErrInvalidConfig, id)
	}
	e.cfg = cfg
	e.state = st
	return nil
}

// ReadRuntimeView returns a consistent snapshot without taking the
// per-strategy lock. Used by status polling and the tick hot path.
func (s *Store) ReadRuntimeView(id string) (types.RuntimeView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.resident[id]
	if !ok {
		return types.RuntimeView{}, fmt.Errorf("%w: %s", ErrNotResident, id)
	}
	return types.RuntimeView{Config: e.cfg, State: e.state}, nil
}

// EnqueueEvent appends an event to the FIFO (STOPLOSS inserts at the head).
// Missing id/timestamp are filled in. Returns false if the event coalesced
// with a queued duplicate for the same strategy and kind.
func (s *Store) EnqueueEvent(ev types.EventRecord) bool {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.EnqueuedAt.IsZero() {
		ev.EnqueuedAt = time.Now()
	}
	ok := s.queue.enqueue(ev)
	if !ok {
		s.logger.Debug("event coalesced",
			"strategy_id", ev.StrategyID, "kind", string(ev.Kind))
	}
	return ok
}

// DequeueEvent blocks up to wait for the next eligible event. Multiple
// workers may call this concurrently. Returns nil on deadline or ctx expiry.
func (s *Store) DequeueEvent(ctx context.Context, wait time.Duration) *types.EventRecord {
	return s.queue.dequeue(ctx, wait)
}

// PendingEvents returns the queue depth (drain checks, tests).
func (s *Store) PendingEvents() int {
	return s.queue.len()
}

// UpdatePrice stores the latest tick for a symbol, rounded to the core's
// fixed precision. Single writer per symbol (the market listener).
func (s *Store) UpdatePrice(symbol string, price decimal.Decimal, at time.Time) {
	tick := types.Tick{Symbol: symbol, Price: types.RoundPrice(price), At: at}
	s.pricesMu.Lock()
	s.prices[symbol] = tick
	s.pricesMu.Unlock()
}

// LastPrice returns the most recent tick for a symbol, if any.
func (s *Store) LastPrice(symbol string) (types.Tick, bool) {
	s.pricesMu.RLock()
	defer s.pricesMu.RUnlock()
	t, ok := s.prices[symbol]
	return t, ok
}

// SymbolSubscribers returns the ids of resident strategies on a symbol.
func (s *Store) SymbolSubscribers(symbol string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	subs := s.bySymbol[symbol]
	ids := make([]string, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	return ids
}
