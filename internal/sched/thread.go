// Package sched implements Luna's cooperative per-CPU thread scheduler
// (spec.md §4.6): threads voluntarily yield or await an event; the
// scheduler never preempts. Context switching here is a goroutine handoff
// over a per-thread baton channel rather than a literal register-save
// trampoline — this module's lineage carries no assembly anywhere to
// ground a real `rsp`/`rip` switch on, and the baton handoff reproduces
// the same observable contract (round-robin idle queue, one runnable
// thread active at a time per scheduler, blocked threads invisible to the
// queue until their event fires) in a way that is actually exercisable
// under `go test`. internal/cpuinit is where a real kernel would instead
// splice in the platform-specific switch routine.
package sched

import "github.com/lunakernel/luna/internal/ksync"

// State is a Thread's scheduling state.
type State int

const (
	Idle State = iota
	Running
	Blocked
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// stackSize is the fixed, zero-filled stack spec.md §3 allocates for every
// spawned thread. Luna's sched package does not itself carve this memory
// (that is internal/heap's job once a thread is given a real call stack);
// it is recorded here so callers that do hand the scheduler a backing
// stack allocation know the size contract.
const StackSize = 16 * 1024

// Thread is one cooperative thread of execution on a single CPU. Threads
// never migrate between CPUs (spec.md §4.6); a Thread is always owned by
// exactly one Scheduler.
type Thread struct {
	id    uint64
	state State

	// currentEvent is the event this thread is waiting on while Blocked,
	// nil otherwise.
	currentEvent *ksync.Event

	baton chan struct{}
	fn    func()
	sched *Scheduler
}

// State returns the thread's current scheduling state.
func (t *Thread) State() State { return t.state }

// ID returns the thread's scheduler-assigned identity, stable for its
// lifetime.
func (t *Thread) ID() uint64 { return t.id }
