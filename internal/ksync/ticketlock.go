// Package ksync implements Luna's primitive synchronization layer: a FIFO
// ticket lock, an IRQ-saving wrapper around it, an edge-triggered Event,
// and a Promise built from the two (spec.md §4.5). Every atomic here uses
// sequential consistency, matching spec.md §5's ordering guarantee and this
// codebase's general comfort with sync/atomic over hand-rolled barriers.
package ksync

import (
	"runtime"
	"sync/atomic"
)

// TicketLock serves waiters in strict request order: two monotonic
// counters, nextTicket and serving. Acquire takes the next ticket and spins
// until it is being served; Release advances serving by one. This is the
// same fetch-add-then-spin shape as a Linux ticket spinlock, expressed with
// atomic.Uint32 instead of inline assembly since nothing in this codebase's
// lineage carries its own CPU primitives (see cpuinit for the boundary
// where real privileged instructions get wired in).
type TicketLock struct {
	nextTicket atomic.Uint32
	serving    atomic.Uint32
}

// Lock blocks until the caller holds the lock, in strict FIFO order.
func (t *TicketLock) Lock() {
	my := t.nextTicket.Add(1) - 1
	for t.serving.Load() != my {
		runtime.Gosched()
	}
}

// Unlock releases the lock, admitting the next ticket holder.
func (t *TicketLock) Unlock() {
	t.serving.Add(1)
}

// TryLock acquires the lock only if it is uncontended, without joining the
// ticket queue. Used by code that must not block (see IRQTicketLock
// callers in interrupt context that poll rather than wait).
func (t *TicketLock) TryLock() bool {
	serving := t.serving.Load()
	next := t.nextTicket.Load()
	if serving != next {
		return false
	}
	return t.nextTicket.CompareAndSwap(next, next+1)
}
