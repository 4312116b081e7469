package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"strategy-runner/pkg/types"
)

func mkEvent(kind types.EventKind, strategyID string) types.EventRecord {
	return types.EventRecord{
		ID:         strategyID + "-" + string(kind),
		Kind:       kind,
		StrategyID: strategyID,
		Attempt:    1,
		EnqueuedAt: time.Now(),
	}
}

func TestQueueFIFOOrder(t *testing.T) {
	t.Parallel()
	q := newEventQueue()

	q.enqueue(mkEvent(types.EventBuy, "s1"))
	q.enqueue(mkEvent(types.EventSell, "s2"))
	q.enqueue(mkEvent(types.EventStop, "s3"))

	ctx := context.Background()
	for i, want := range []types.EventKind{types.EventBuy, types.EventSell, types.EventStop} {
		ev := q.dequeue(ctx, time.Second)
		if ev == nil {
			t.Fatalf("dequeue %d: got nil", i)
		}
		if ev.Kind != want {
			t.Errorf("dequeue %d: kind = %s, want %s", i, ev.Kind, want)
		}
	}
}

func TestQueueStopLossJumpsHead(t *testing.T) {
	t.Parallel()
	q := newEventQueue()

	q.enqueue(mkEvent(types.EventBuy, "s1"))
	q.enqueue(mkEvent(types.EventSell, "s2"))

	sl := mkEvent(types.EventStopLoss, "s3")
	price := decimal.RequireFromString("99.5000")
	sl.TriggerPrice = &price
	q.enqueue(sl)

	ev := q.dequeue(context.Background(), time.Second)
	if ev == nil || ev.Kind != types.EventStopLoss {
		t.Fatalf("head = %+v, want STOPLOSS", ev)
	}
}

func TestQueueStopLossOrderedAmongThemselves(t *testing.T) {
	t.Parallel()
	q := newEventQueue()

	q.enqueue(mkEvent(types.EventBuy, "s1"))
	q.enqueue(mkEvent(types.EventStopLoss, "sl-first"))
	q.enqueue(mkEvent(types.EventStopLoss, "sl-second"))

	ctx := context.Background()
	first := q.dequeue(ctx, time.Second)
	second := q.dequeue(ctx, time.Second)
	third := q.dequeue(ctx, time.Second)

	if first.StrategyID != "sl-first" || second.StrategyID != "sl-second" {
		t.Errorf("stop-loss order = %s, %s; want sl-first, sl-second",
			first.StrategyID, second.StrategyID)
	}
	if third.Kind != types.EventBuy {
		t.Errorf("third = %s, want BUY", third.Kind)
	}
}

func TestQueueCoalescesDuplicates(t *testing.T) {
	t.Parallel()
	q := newEventQueue()

	if !q.enqueue(mkEvent(types.EventStopLoss, "s1")) {
		t.Fatal("first enqueue coalesced")
	}
	if q.enqueue(mkEvent(types.EventStopLoss, "s1")) {
		t.Error("duplicate STOPLOSS for same strategy was not coalesced")
	}
	if !q.enqueue(mkEvent(types.EventSell, "s1")) {
		t.Error("different kind for same strategy wrongly coalesced")
	}
	if q.len() != 2 {
		t.Errorf("len = %d, want 2", q.len())
	}
}

func TestQueueRetryCoalescesWithOriginalKind(t *testing.T) {
	t.Parallel()
	q := newEventQueue()

	retry := mkEvent(types.EventRetry, "s1")
	retry.OriginalKind = types.EventBuy
	q.enqueue(retry)

	// A plain BUY for the same strategy is the same logical intent.
	if q.enqueue(mkEvent(types.EventBuy, "s1")) {
		t.Error("BUY was not coalesced with queued RETRY(BUY)")
	}
}

func TestQueueDequeueDeadline(t *testing.T) {
	t.Parallel()
	q := newEventQueue()

	start := time.Now()
	ev := q.dequeue(context.Background(), 50*time.Millisecond)
	if ev != nil {
		t.Fatalf("dequeue on empty queue = %+v, want nil", ev)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("dequeue returned after %v, want ~50ms wait", elapsed)
	}
}

func TestQueueNotBeforeGate(t *testing.T) {
	t.Parallel()
	q := newEventQueue()

	gated := mkEvent(types.EventRetry, "s1")
	gated.OriginalKind = types.EventBuy
	gated.NotBefore = time.Now().Add(80 * time.Millisecond)
	q.enqueue(gated)
	q.enqueue(mkEvent(types.EventSell, "s2"))

	ctx := context.Background()

	// The ungated SELL must not wait behind the gated RETRY.
	first := q.dequeue(ctx, time.Second)
	if first == nil || first.Kind != types.EventSell {
		t.Fatalf("first = %+v, want SELL", first)
	}

	second := q.dequeue(ctx, time.Second)
	if second == nil || second.Kind != types.EventRetry {
		t.Fatalf("second = %+v, want RETRY", second)
	}
	if time.Now().Before(gated.NotBefore) {
		t.Error("gated event dequeued before its NotBefore")
	}
}

func TestQueueWakesBlockedDequeue(t *testing.T) {
	t.Parallel()
	q := newEventQueue()

	got := make(chan *types.EventRecord, 1)
	go func() {
		got <- q.dequeue(context.Background(), 2*time.Second)
	}()

	time.Sleep(30 * time.Millisecond)
	q.enqueue(mkEvent(types.EventBuy, "s1"))

	select {
	case ev := <-got:
		if ev == nil || ev.Kind != types.EventBuy {
			t.Fatalf("got %+v, want BUY", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked dequeue was not woken by enqueue")
	}
}

func TestQueueDropStrategy(t *testing.T) {
	t.Parallel()
	q := newEventQueue()

	q.enqueue(mkEvent(types.EventBuy, "s1"))
	q.enqueue(mkEvent(types.EventSell, "s2"))
	q.enqueue(mkEvent(types.EventStopLoss, "s1"))

	q.drop("s1")

	if q.len() != 1 {
		t.Fatalf("len = %d, want 1", q.len())
	}
	ev := q.dequeue(context.Background(), time.Second)
	if ev.StrategyID != "s2" {
		t.Errorf("survivor = %s, want s2", ev.StrategyID)
	}

	// Dedup keys must be reclaimed by drop.
	if !q.enqueue(mkEvent(types.EventBuy, "s1")) {
		t.Error("enqueue after drop coalesced against a removed event")
	}
}
