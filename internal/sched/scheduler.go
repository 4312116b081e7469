// Package sched owns the wall-clock triggers that drive strategies: one
// timer per (strategy, trigger kind ∈ {BUY, SELL}). At fire time the timer
// enqueues the corresponding event into the runtime FIFO; it never places
// orders itself.
//
// Timers are derived state. Nothing here is persisted: on every process
// start the engine walks the repository's active strategies and re-registers
// whatever should still fire (see the recovery rules in engine.Core).
package sched

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"strategy-runner/pkg/types"
)

var (
	// ErrAlreadyRegistered is returned when a timer for the same
	// (strategy, kind) pair is already pending.
	ErrAlreadyRegistered = errors.New("scheduler: timer already registered")
	// ErrInThePast is returned for fire instants that have already passed.
	// Cold-start recovery bypasses this by enqueueing the event directly.
	ErrInThePast = errors.New("scheduler: fire time is in the past")
)

// maxSleep bounds a single timer sleep. Sleeping in chunks and recomputing
// time.Until against the wall clock keeps long waits from drifting when the
// host suspends or the clock steps.
const maxSleep = time.Minute

// Enqueuer is the slice of the runtime store the scheduler needs.
type Enqueuer interface {
	EnqueueEvent(ev types.EventRecord) bool
}

type timerKey struct {
	strategyID string
	kind       types.EventKind
}

type timerEntry struct {
	cancel context.CancelFunc
	fireAt time.Time
}

// Scheduler maintains the pending timer set.
type Scheduler struct {
	queue  Enqueuer
	logger *slog.Logger

	mu     sync.Mutex
	timers map[timerKey]*timerEntry

	ctx    context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler that fires events into queue.
func New(queue Enqueuer, logger *slog.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		queue:  queue,
		logger: logger.With("component", "scheduler"),
		timers: make(map[timerKey]*timerEntry),
		ctx:    ctx,
		stop:   cancel,
	}
}

// Register arms a timer that enqueues a kind event for the strategy at
// fireAt. Only BUY and SELL are schedulable.
func (s *Scheduler) Register(strategyID string, kind types.EventKind, fireAt time.Time) error {
	if kind != types.EventBuy && kind != types.EventSell {
		return fmt.Errorf("scheduler: kind %s is not schedulable", kind)
	}
	if time.Until(fireAt) < 0 {
		return fmt.Errorf("%w: %s %s at %s", ErrInThePast, strategyID, kind, fireAt)
	}
	return s.register(strategyID, kind, fireAt)
}

func (s *Scheduler) register(strategyID string, kind types.EventKind, fireAt time.Time) error {
	key := timerKey{strategyID: strategyID, kind: kind}

	s.mu.Lock()
	if _, ok := s.timers[key]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s %s", ErrAlreadyRegistered, strategyID, kind)
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.timers[key] = &timerEntry{cancel: cancel, fireAt: fireAt}
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runTimer(ctx, key, fireAt)

	s.logger.Debug("timer registered",
		"strategy_id", strategyID, "kind", string(kind), "fire_at", fireAt)
	return nil
}

// Cancel disarms the timer for (strategy, kind). Idempotent.
func (s *Scheduler) Cancel(strategyID string, kind types.EventKind) {
	key := timerKey{strategyID: strategyID, kind: kind}

	s.mu.Lock()
	entry, ok := s.timers[key]
	if ok {
		delete(s.timers, key)
	}
	s.mu.Unlock()

	if ok {
		entry.cancel()
		s.logger.Debug("timer cancelled", "strategy_id", strategyID, "kind", string(kind))
	}
}

// CancelAll disarms every timer for a strategy.
func (s *Scheduler) CancelAll(strategyID string) {
	s.Cancel(strategyID, types.EventBuy)
	s.Cancel(strategyID, types.EventSell)
}

// Reschedule atomically replaces the fire time for (strategy, kind).
func (s *Scheduler) Reschedule(strategyID string, kind types.EventKind, fireAt time.Time) error {
	s.Cancel(strategyID, kind)
	return s.Register(strategyID, kind, fireAt)
}

// Pending reports whether a timer is armed for (strategy, kind).
func (s *Scheduler) Pending(strategyID string, kind types.EventKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[timerKey{strategyID: strategyID, kind: kind}]
	return ok
}

// Stop cancels all timers and waits for their goroutines.
func (s *Scheduler) Stop() {
	s.stop()
	s.wg.Wait()
}

// runTimer sleeps until fireAt (re-anchoring to the wall clock at most
// every maxSleep) and then enqueues the event.
func (s *Scheduler) runTimer(ctx context.Context, key timerKey, fireAt time.Time) {
	defer s.wg.Done()

	for {
		d := time.Until(fireAt)
		if d <= 0 {
			break
		}
		if d > maxSleep {
			d = maxSleep
		}
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	s.mu.Lock()
	_, ok := s.timers[key]
	if ok {
		delete(s.timers, key)
	}
	s.mu.Unlock()
	if !ok || ctx.Err() != nil {
		// Raced with Cancel; the event must not fire.
		return
	}

	s.queue.EnqueueEvent(types.EventRecord{
		Kind:       key.kind,
		StrategyID: key.strategyID,
		Attempt:    1,
		EnqueuedAt: time.Now(),
	})
	s.logger.Info("timer fired",
		"strategy_id", key.strategyID,
		"kind", string(key.kind),
		"late_by", time.Since(fireAt),
	)
}
