// queue.go implements the runtime event FIFO with stop-loss priority.
//
// The queue is a slice-backed deque: most events append at the tail,
// STOPLOSS events insert at the head (behind any STOPLOSS already queued,
// preserving enqueue order among them). Multiple engine workers dequeue
// concurrently; a buffered wake channel avoids busy-waiting. RETRY events
// carry a NotBefore gate so backoff never blocks unrelated events behind it.
package runtime

import (
	"context"
	"sync"
	"time"

	"strategy-runner/pkg/types"
)

type eventQueue struct {
	mu      sync.Mutex
	items   []types.EventRecord
	pending map[string]struct{} // dedup keys of queued events
	wake    chan struct{}       // cap 1; nudged on enqueue
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		pending: make(map[string]struct{}),
		wake:    make(chan struct{}, 1),
	}
}

// enqueue adds an event, returning false if it coalesced with a queued
// duplicate for the same (strategy, kind). STOPLOSS goes to the head.
func (q *eventQueue) enqueue(ev types.EventRecord) bool {
	q.mu.Lock()
	key := ev.DedupKey()
	if _, dup := q.pending[key]; dup {
		q.mu.Unlock()
		return false
	}
	q.pending[key] = struct{}{}

	if ev.Kind == types.EventStopLoss {
		// Insert after the existing run of STOPLOSS events so that
		// stop-losses stay ordered by enqueue time among themselves.
		idx := 0
		for idx < len(q.items) && q.items[idx].Kind == types.EventStopLoss {
			idx++
		}
		q.items = append(q.items, types.EventRecord{})
		copy(q.items[idx+1:], q.items[idx:])
		q.items[idx] = ev
	} else {
		q.items = append(q.items, ev)
	}
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// dequeue pops the first eligible event (NotBefore has passed), blocking up
// to the deadline. Returns nil when the deadline or ctx expires first.
func (q *eventQueue) dequeue(ctx context.Context, wait time.Duration) *types.EventRecord {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()

	for {
		now := time.Now()
		q.mu.Lock()
		var nextGate time.Time
		for i, ev := range q.items {
			if !ev.NotBefore.IsZero() && ev.NotBefore.After(now) {
				if nextGate.IsZero() || ev.NotBefore.Before(nextGate) {
					nextGate = ev.NotBefore
				}
				continue
			}
			q.items = append(q.items[:i], q.items[i+1:]...)
			delete(q.pending, ev.DedupKey())
			q.mu.Unlock()
			return &ev
		}
		q.mu.Unlock()

		var gateTimer *time.Timer
		var gate <-chan time.Time
		if !nextGate.IsZero() {
			gateTimer = time.NewTimer(time.Until(nextGate))
			gate = gateTimer.C
		}

		select {
		case <-ctx.Done():
			stopTimer(gateTimer)
			return nil
		case <-deadline.C:
			stopTimer(gateTimer)
			return nil
		case <-q.wake:
			stopTimer(gateTimer)
		case <-gate:
		}
	}
}

// drop removes all queued events for a strategy. Used when a strategy is
// unloaded so stale triggers cannot resurrect it.
func (q *eventQueue) drop(strategyID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.items[:0]
	for _, ev := range q.items {
		if ev.StrategyID == strategyID {
			delete(q.pending, ev.DedupKey())
			continue
		}
		kept = append(kept, ev)
	}
	q.items = kept
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

func (q *eventQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
