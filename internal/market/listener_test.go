package market

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"strategy-runner/internal/runtime"
	"strategy-runner/pkg/types"
)

type fakeSource struct {
	mu     sync.Mutex
	subs   map[string]int
	failOn string
}

func newFakeSource() *fakeSource {
	return &fakeSource{subs: make(map[string]int)}
}

func (f *fakeSource) SubscribeTicks(symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if symbol == f.failOn {
		return errors.New("feed refused subscription")
	}
	f.subs[symbol]++
	return nil
}

func (f *fakeSource) UnsubscribeTicks(symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[symbol]--
	return nil
}

func (f *fakeSource) count(symbol string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[symbol]
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testStore(t *testing.T, strategies ...types.StrategyConfig) *runtime.Store {
	t.Helper()
	s := runtime.New(testLogger())
	for _, cfg := range strategies {
		if err := s.LoadStrategy(cfg); err != nil {
			t.Fatalf("LoadStrategy %s: %v", cfg.ID, err)
		}
	}
	return s
}

func strat(id, symbol, stopLoss string) types.StrategyConfig {
	return types.StrategyConfig{
		ID:       id,
		UserID:   "u1",
		Symbol:   symbol,
		BuyTime:  types.TimeOfDay{Hour: 9, Minute: 30},
		SellTime: types.TimeOfDay{Hour: 15, Minute: 15},
		StopLoss: decimal.RequireFromString(stopLoss),
		Quantity: 5,
		Broker:   "paper",
	}
}

func markBought(t *testing.T, s *runtime.Store, id string) {
	t.Helper()
	err := s.WithLock(id, time.Second, func(cfg *types.StrategyConfig, st *types.RuntimeState) error {
		st.Position = types.PositionBought
		st.Lifecycle = types.LifecycleBought
		st.LastAction = types.ActionBuy
		return nil
	})
	if err != nil {
		t.Fatalf("markBought %s: %v", id, err)
	}
}

func tickNow(symbol, price string) types.Tick {
	return types.Tick{
		Symbol: symbol,
		Price:  decimal.RequireFromString(price),
		At:     time.Now(),
	}
}

func TestSubscribeRefcounting(t *testing.T) {
	t.Parallel()
	src := newFakeSource()
	l := NewListener(testStore(t), src, 5*time.Second, testLogger())

	if err := l.Subscribe("INFY"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := l.Subscribe("INFY"); err != nil {
		t.Fatalf("Subscribe again: %v", err)
	}
	if n := src.count("INFY"); n != 1 {
		t.Errorf("upstream subscriptions = %d, want 1", n)
	}

	l.Unsubscribe("INFY")
	if n := src.count("INFY"); n != 1 {
		t.Errorf("upstream closed while refs remain, count = %d", n)
	}
	l.Unsubscribe("INFY")
	if n := src.count("INFY"); n != 0 {
		t.Errorf("upstream subscriptions after last unref = %d, want 0", n)
	}
	l.Unsubscribe("INFY") // unbalanced, ignored
}

func TestSubscribeUpstreamFailure(t *testing.T) {
	t.Parallel()
	src := newFakeSource()
	src.failOn = "INFY"
	l := NewListener(testStore(t), src, 5*time.Second, testLogger())

	if err := l.Subscribe("INFY"); err == nil {
		t.Fatal("Subscribe swallowed upstream error")
	}
	if n := l.Refs("INFY"); n != 0 {
		t.Errorf("refs after failed subscribe = %d, want 0", n)
	}
}

func TestOnTickTriggersStopLoss(t *testing.T) {
	t.Parallel()
	store := testStore(t, strat("s1", "INFY", "1500.00"))
	markBought(t, store, "s1")
	l := NewListener(store, newFakeSource(), 5*time.Second, testLogger())

	// Above threshold: nothing.
	l.OnTick(tickNow("INFY", "1500.05"))
	if n := store.PendingEvents(); n != 0 {
		t.Fatalf("events after above-threshold tick = %d, want 0", n)
	}

	// At threshold: trigger (crossing is <=, not <).
	l.OnTick(tickNow("INFY", "1500.00"))
	ev := store.DequeueEvent(context.Background(), time.Second)
	if ev == nil || ev.Kind != types.EventStopLoss || ev.StrategyID != "s1" {
		t.Fatalf("event = %+v, want STOPLOSS for s1", ev)
	}
	if ev.TriggerPrice == nil || ev.TriggerPrice.String() != "1500" {
		t.Errorf("trigger price = %v, want 1500", ev.TriggerPrice)
	}
}

func TestOnTickIgnoresUnboughtPositions(t *testing.T) {
	t.Parallel()
	store := testStore(t, strat("s1", "INFY", "1500.00"))
	l := NewListener(store, newFakeSource(), 5*time.Second, testLogger())

	l.OnTick(tickNow("INFY", "1400.00"))
	if n := store.PendingEvents(); n != 0 {
		t.Errorf("events for position=none strategy = %d, want 0", n)
	}
}

func TestOnTickCoalescesRepeatedTriggers(t *testing.T) {
	t.Parallel()
	store := testStore(t, strat("s1", "INFY", "1500.00"))
	markBought(t, store, "s1")
	l := NewListener(store, newFakeSource(), 5*time.Second, testLogger())

	l.OnTick(tickNow("INFY", "1499.00"))
	l.OnTick(tickNow("INFY", "1498.00"))
	l.OnTick(tickNow("INFY", "1497.00"))

	if n := store.PendingEvents(); n != 1 {
		t.Errorf("pending events = %d, want 1 (coalesced)", n)
	}
}

func TestOnTickFansOutPerStrategy(t *testing.T) {
	t.Parallel()
	store := testStore(t,
		strat("s1", "INFY", "1500.00"),
		strat("s2", "INFY", "1450.00"),
		strat("s3", "TCS", "9999.00"),
	)
	markBought(t, store, "s1")
	markBought(t, store, "s2")
	markBought(t, store, "s3")
	l := NewListener(store, newFakeSource(), 5*time.Second, testLogger())

	// 1480 crosses s1's threshold only.
	l.OnTick(tickNow("INFY", "1480.00"))
	ev := store.DequeueEvent(context.Background(), time.Second)
	if ev == nil || ev.StrategyID != "s1" {
		t.Fatalf("event = %+v, want STOPLOSS for s1 only", ev)
	}
	if n := store.PendingEvents(); n != 0 {
		t.Errorf("extra events = %d, want 0", n)
	}
}

func TestOnTickStaleSuppression(t *testing.T) {
	t.Parallel()
	store := testStore(t, strat("s1", "INFY", "1500.00"))
	markBought(t, store, "s1")
	l := NewListener(store, newFakeSource(), 5*time.Second, testLogger())

	old := types.Tick{
		Symbol: "INFY",
		Price:  decimal.RequireFromString("1400.00"),
		At:     time.Now().Add(-10 * time.Second),
	}
	l.OnTick(old)

	if n := store.PendingEvents(); n != 0 {
		t.Errorf("stale tick fired stop-loss, events = %d", n)
	}
	// The cache still records the price.
	if tick, ok := store.LastPrice("INFY"); !ok || tick.Price.String() != "1400" {
		t.Errorf("stale tick not cached: %+v ok=%v", tick, ok)
	}
}

func TestOnTickDisconnectedSuppression(t *testing.T) {
	t.Parallel()
	store := testStore(t, strat("s1", "INFY", "1500.00"))
	markBought(t, store, "s1")
	l := NewListener(store, newFakeSource(), 5*time.Second, testLogger())

	l.SetConnected(false)
	l.OnTick(tickNow("INFY", "1400.00"))
	if n := store.PendingEvents(); n != 0 {
		t.Errorf("disconnected feed fired stop-loss, events = %d", n)
	}

	l.SetConnected(true)
	l.OnTick(tickNow("INFY", "1400.00"))
	if n := store.PendingEvents(); n != 1 {
		t.Errorf("events after reconnect = %d, want 1", n)
	}
}
