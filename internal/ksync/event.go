package ksync

import (
	"runtime"
	"sync/atomic"
)

// Event is a single atomic, edge-style trigger flag with no built-in
// waiters list (spec.md §4.5): Trigger and Reset are plain stores, and
// waiting is a caller-side poll rather than a wakeup callback, matching
// this core's "no generic cancel primitive" design (spec.md §5).
type Event struct {
	triggered atomic.Bool
}

// Trigger sets the event. Safe to call from interrupt context.
func (e *Event) Trigger() { e.triggered.Store(true) }

// Reset clears the event.
func (e *Event) Reset() { e.triggered.Store(false) }

// IsTriggered reports the event's current state without blocking.
func (e *Event) IsTriggered() bool { return e.triggered.Load() }

// Wait cooperatively spins until the event is triggered. Real thread
// context additionally yields to the scheduler between polls (see
// internal/sched's Await, which wraps this); Wait itself only promises
// progress, not fairness.
func (e *Event) Wait() {
	for !e.IsTriggered() {
		runtime.Gosched()
	}
}
