// locks.go implements the per-strategy lock registry.
//
// Every mutation of a strategy's runtime state happens under its lock, which
// is created on demand and reclaimed when the strategy is unloaded. Each
// acquisition carries a TTL lease: if a holder crashes mid-transition (or a
// future multi-process deployment loses a worker), waiters forcibly release
// the stale lease once it expires instead of deadlocking forever.
package runtime

import (
	"errors"
	"sync"
	"time"
)

// ErrLockTimeout is returned when the per-strategy lock could not be
// acquired within the caller's deadline. Callers re-enqueue and retry.
var ErrLockTimeout = errors.New("strategy lock: acquisition timed out")

// minLeaseTTL is the floor for lease durations so a crashed holder always
// releases within a bounded interval.
const minLeaseTTL = 30 * time.Second

// stalePollInterval bounds how long a waiter sleeps before re-checking
// whether the current lease has gone stale.
const stalePollInterval = 100 * time.Millisecond

// strategyLock is one exclusive lock with lease metadata. The semaphore
// channel holds the lock token; the mutex only guards the lease expiry.
type strategyLock struct {
	sem chan struct{} // cap 1; full = held

	mu        sync.Mutex
	expiresAt time.Time // zero when unheld
}

func newStrategyLock() *strategyLock {
	return &strategyLock{sem: make(chan struct{}, 1)}
}

// acquire takes the lock, waiting up to wait. ttl is clamped to minLeaseTTL.
func (l *strategyLock) acquire(wait, ttl time.Duration) error {
	if ttl < minLeaseTTL {
		ttl = minLeaseTTL
	}
	deadline := time.NewTimer(wait)
	defer deadline.Stop()

	for {
		select {
		case l.sem <- struct{}{}:
			l.mu.Lock()
			l.expiresAt = time.Now().Add(ttl)
			l.mu.Unlock()
			return nil
		default:
		}

		// Held. Forcibly release if the lease expired (crashed holder).
		l.mu.Lock()
		if !l.expiresAt.IsZero() && time.Now().After(l.expiresAt) {
			l.expiresAt = time.Time{}
			select {
			case <-l.sem:
			default:
			}
			l.mu.Unlock()
			continue
		}
		l.mu.Unlock()

		poll := time.NewTimer(stalePollInterval)
		select {
		case l.sem <- struct{}{}:
			poll.Stop()
			l.mu.Lock()
			l.expiresAt = time.Now().Add(ttl)
			l.mu.Unlock()
			return nil
		case <-deadline.C:
			poll.Stop()
			return ErrLockTimeout
		case <-poll.C:
		}
	}
}

// release frees the lock. Safe to call once per successful acquire.
func (l *strategyLock) release() {
	l.mu.Lock()
	l.expiresAt = time.Time{}
	l.mu.Unlock()
	select {
	case <-l.sem:
	default:
	}
}

// lockRegistry maps strategy id → lock, creating entries on demand.
type lockRegistry struct {
	mu    sync.Mutex
	locks map[string]*strategyLock
}

func newLockRegistry() *lockRegistry {
	return &lockRegistry{locks: make(map[string]*strategyLock)}
}

func (r *lockRegistry) get(id string) *strategyLock {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[id]
	if !ok {
		l = newStrategyLock()
		r.locks[id] = l
	}
	return l
}

// remove reclaims the lock entry for an unloaded strategy. A goroutine still
// holding the old lock keeps its reference; new acquires get a fresh lock,
// which is safe because an unloaded strategy has no state left to guard.
func (r *lockRegistry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.locks, id)
}
