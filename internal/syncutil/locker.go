// Package syncutil collects the small synchronization primitives the rest of
// reactorcore is built on: a scoped-lock helper and a condition variable with
// a timed wait, mirroring the role spec.md assigns to "Synchronization
// primitives" as the lowest-level component in the system.
package syncutil

import (
	"sync"
	"time"
)

// Locked runs fn while holding mu, releasing it afterwards even on panic.
// A thin wrapper around defer mu.Unlock() — exists so call sites read as a
// single scoped block instead of a lock/defer pair, matching the "scoped-lock
// helper" spec.md calls out explicitly.
func Locked(mu *sync.Mutex, fn func()) {
	mu.Lock()
	defer mu.Unlock()
	fn()
}

// TimedCond wraps a sync.Cond with a Wait that can time out. sync.Cond itself
// has no timed variant; WaitTimeout adds one using a timer that fires
// Broadcast, the same technique queue.Queue.TimedPop uses for the worker
// pool's idle-pop; dbpool.Pool uses TimedCond itself for check-out timeouts.
type TimedCond struct {
	L  sync.Locker
	c  *sync.Cond
}

// NewTimedCond creates a TimedCond guarded by l.
func NewTimedCond(l sync.Locker) *TimedCond {
	return &TimedCond{L: l, c: sync.NewCond(l)}
}

// Wait blocks until Signal/Broadcast. Caller must hold L.
func (tc *TimedCond) Wait() {
	tc.c.Wait()
}

// WaitTimeout blocks until Signal/Broadcast or d elapses, whichever comes
// first. Caller must hold L. The timer's own Broadcast is indistinguishable
// from a real one by design (matching sync.Cond's spurious-wakeup contract);
// callers re-check their predicate against a deadline after this returns,
// the same pattern dbpool.Pool.CheckOut uses.
func (tc *TimedCond) WaitTimeout(d time.Duration) {
	timer := time.AfterFunc(d, tc.c.Broadcast)
	tc.c.Wait()
	timer.Stop()
}

// Signal wakes one waiter.
func (tc *TimedCond) Signal() { tc.c.Signal() }

// Broadcast wakes all waiters.
func (tc *TimedCond) Broadcast() { tc.c.Broadcast() }
