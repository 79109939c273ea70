package sched

import (
	"runtime"
	"sync"

	"github.com/lunakernel/luna/internal/ksync"
)

// Scheduler is one CPU's cooperative run queue: a list of Idle threads, a
// list of Blocked threads waiting on an event, and exactly one Running
// thread at a time. Threads never cross schedulers (spec.md §4.6).
type Scheduler struct {
	mu       sync.Mutex
	runnable []*Thread
	blocked  []*Thread
	current  *Thread
	nextID   uint64
}

// New creates a Scheduler whose initial current thread represents the
// caller (the CPU's boot context, before any thread has been spawned).
func New() *Scheduler {
	return &Scheduler{current: &Thread{state: Running, baton: make(chan struct{}, 1)}}
}

// ThisThread returns the thread currently running on this CPU.
func (s *Scheduler) ThisThread() *Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Spawn allocates a new thread running fn, enqueues it Idle, and returns
// immediately without running it. fn executes on its own goroutine, which
// blocks until the scheduler actually switches to it; if fn returns
// normally the thread is retired and the scheduler moves on to whichever
// thread is next runnable (spec.md §4.6: "panics if it returns" describes
// a *missing* trampoline guard, not a documented return path — fn here is
// expected to run until the caller's own logical exit, typically an
// infinite service loop that only leaves via yield/await).
func (s *Scheduler) Spawn(fn func()) *Thread {
	s.mu.Lock()
	s.nextID++
	t := &Thread{id: s.nextID, state: Idle, baton: make(chan struct{}, 1), fn: fn, sched: s}
	s.runnable = append(s.runnable, t)
	s.mu.Unlock()

	go func() {
		<-t.baton
		fn()
		s.retire(t)
	}()
	return t
}

// promoteTriggered moves every Blocked thread whose event has fired back
// onto the runnable queue, in the order they were found. Must be called
// with s.mu held.
func (s *Scheduler) promoteTriggered() {
	still := s.blocked[:0]
	for _, b := range s.blocked {
		if b.currentEvent != nil && b.currentEvent.IsTriggered() {
			b.state = Idle
			b.currentEvent = nil
			s.runnable = append(s.runnable, b)
		} else {
			still = append(still, b)
		}
	}
	s.blocked = still
}

// popRunnable removes and returns the head of the runnable queue
// (round-robin order), or nil if it is empty. Must be called with s.mu
// held.
func (s *Scheduler) popRunnable() *Thread {
	if len(s.runnable) == 0 {
		return nil
	}
	next := s.runnable[0]
	s.runnable = s.runnable[1:]
	return next
}

// Yield hands control to the next Idle thread in round-robin order. If
// the runnable queue is empty, Yield returns immediately and the caller
// continues running (spec.md §4.6).
func (s *Scheduler) Yield() {
	s.mu.Lock()
	s.promoteTriggered()
	next := s.popRunnable()
	if next == nil {
		s.mu.Unlock()
		return
	}
	cur := s.current
	cur.state = Idle
	s.runnable = append(s.runnable, cur)
	next.state = Running
	s.current = next
	s.mu.Unlock()

	next.baton <- struct{}{}
	<-cur.baton
}

// Await marks the current thread Blocked on e, records e as its
// current_event, and yields. The scheduler will not consider this thread
// runnable again until e.IsTriggered() (checked on every future
// Yield/Await/retire call) — there is no wakeup callback, matching
// ksync.Event's poll-based design.
func (s *Scheduler) Await(e *ksync.Event) {
	s.mu.Lock()
	s.promoteTriggered()

	cur := s.current
	cur.state = Blocked
	cur.currentEvent = e
	s.blocked = append(s.blocked, cur)

	next := s.popRunnable()
	if next == nil {
		// Nothing else runnable right now: spin here, re-checking for a
		// promotion, rather than deadlocking the CPU.
		for {
			if e.IsTriggered() {
				cur.state = Running
				cur.currentEvent = nil
				s.removeBlocked(cur)
				s.current = cur
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()
			runtime.Gosched()
			s.mu.Lock()
			s.promoteTriggered()
			if n := s.popRunnable(); n != nil {
				next = n
				break
			}
		}
	}

	next.state = Running
	s.current = next
	s.mu.Unlock()

	next.baton <- struct{}{}
	<-cur.baton
}

func (s *Scheduler) removeBlocked(t *Thread) {
	for i, b := range s.blocked {
		if b == t {
			s.blocked = append(s.blocked[:i], s.blocked[i+1:]...)
			return
		}
	}
}

// retire is called on a spawned thread's goroutine once its fn returns. It
// hands off to the next runnable thread, exactly like Yield, except the
// retiring thread is never requeued.
func (s *Scheduler) retire(t *Thread) {
	s.mu.Lock()
	s.promoteTriggered()
	next := s.popRunnable()
	if next == nil {
		s.current = nil
		s.mu.Unlock()
		return
	}
	next.state = Running
	s.current = next
	s.mu.Unlock()

	next.baton <- struct{}{}
}
