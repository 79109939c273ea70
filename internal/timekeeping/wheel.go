package timekeeping

import (
	"fmt"

	"github.com/lunakernel/luna/internal/ksync"
)

// TimerHandle is an arena+index handle into a Wheel's timer slab, per the
// Design Notes resolution against intrusive, this-anchored timers:
// cancellation is an index-and-generation check instead of a pointer
// comparison, so a Wheel can be implemented as a flat slice instead of a
// linked free list threaded through caller-owned structs.
type TimerHandle struct {
	index      uint32
	generation uint32
}

func (h TimerHandle) valid() bool { return h.generation != 0 }

type timerSlot struct {
	generation uint32
	deadline   uint64
	callback   func()
	armed      bool
	next       uint32 // free-list link when not armed; bucket link when armed
}

const wheelBuckets = 256

// Wheel is a tick-driven timer wheel: each call to Advance walks the
// buckets that fell due since the last tick and fires their callbacks.
// One internal/ksync.IRQTicketLock guards the whole structure, matching
// spec.md §4.8's "one IRQTicketLock for enqueue/dequeue" (per-timer
// start/stop/setup locking is the caller's responsibility, since a
// TimerHandle carries no pointer for a per-timer lock to live on).
type Wheel struct {
	mu       ksync.IRQTicketLock
	slots    []timerSlot
	freeHead uint32
	buckets  [wheelBuckets]uint32
	cursor   uint32
	tickNs   uint64
	now      uint64
}

const noSlot = ^uint32(0)

// NewWheel creates an empty wheel advancing in increments of tickNanos.
func NewWheel(tickNanos uint64) *Wheel {
	w := &Wheel{tickNs: tickNanos, freeHead: noSlot}
	for i := range w.buckets {
		w.buckets[i] = noSlot
	}
	return w
}

func (w *Wheel) allocSlot() uint32 {
	if w.freeHead != noSlot {
		idx := w.freeHead
		w.freeHead = w.slots[idx].next
		return idx
	}
	w.slots = append(w.slots, timerSlot{generation: 1})
	return uint32(len(w.slots) - 1)
}

// Arm schedules callback to run after delayNanos, returning a handle
// Cancel can later use to remove it before it fires.
func (w *Wheel) Arm(delayNanos uint64, callback func()) (TimerHandle, error) {
	if callback == nil {
		return TimerHandle{}, fmt.Errorf("timekeeping: nil timer callback")
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	idx := w.allocSlot()
	slot := &w.slots[idx]
	slot.deadline = w.now + delayNanos
	slot.callback = callback
	slot.armed = true

	ticks := delayNanos / w.tickNs
	bucket := (w.cursor + uint32(ticks)) % wheelBuckets
	slot.next = w.buckets[bucket]
	w.buckets[bucket] = idx

	return TimerHandle{index: idx, generation: slot.generation}, nil
}

// Cancel removes a still-pending timer. Returns false if it already
// fired or was never valid (including a stale handle from a slot that
// has since been reused, caught by the generation mismatch).
func (w *Wheel) Cancel(h TimerHandle) bool {
	if !h.valid() {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if int(h.index) >= len(w.slots) {
		return false
	}
	slot := &w.slots[h.index]
	if slot.generation != h.generation || !slot.armed {
		return false
	}
	slot.armed = false
	slot.callback = nil
	slot.generation++
	slot.next = w.freeHead
	w.freeHead = h.index
	return true
}

// Advance moves the wheel forward by one tick, firing and retiring every
// timer in the bucket that just came due. The scheduler's periodic timer
// IRQ handler calls this once per tick.
func (w *Wheel) Advance() {
	w.mu.Lock()
	bucket := w.cursor
	w.cursor = (w.cursor + 1) % wheelBuckets
	w.now += w.tickNs

	head := w.buckets[bucket]
	w.buckets[bucket] = noSlot
	var fired []func()
	for head != noSlot {
		slot := &w.slots[head]
		next := slot.next
		if slot.armed {
			fired = append(fired, slot.callback)
			slot.armed = false
			slot.callback = nil
			slot.generation++
			slot.next = w.freeHead
			w.freeHead = head
		}
		head = next
	}
	w.mu.Unlock()

	for _, fn := range fired {
		fn()
	}
}
