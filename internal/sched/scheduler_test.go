package sched_test

import (
	"testing"
	"time"

	"github.com/lunakernel/luna/internal/ksync"
	"github.com/lunakernel/luna/internal/sched"
)

func TestYieldRoundRobinsRunnableThreads(t *testing.T) {
	s := sched.New()

	var order []int
	done := make(chan struct{})

	var a, b *sched.Thread
	a = s.Spawn(func() {
		order = append(order, 1)
		s.Yield()
		order = append(order, 3)
	})
	b = s.Spawn(func() {
		order = append(order, 2)
		s.Yield()
		order = append(order, 4)
		close(done)
	})
	_ = a
	_ = b

	s.Yield() // boot -> a (runs 1, yields to b)
	s.Yield() // boot -> a again (runs 3, retires), cascading to b (runs 4, retires)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("threads never completed")
	}

	want := []int{1, 2, 3, 4}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestAwaitBlocksUntilEventTriggers(t *testing.T) {
	s := sched.New()
	var e ksync.Event

	woke := make(chan struct{})
	t1 := s.Spawn(func() {
		s.Await(&e)
		close(woke)
	})
	_ = t1

	s.Yield() // switch to t1, which immediately blocks in Await

	select {
	case <-woke:
		t.Fatalf("thread woke before the event was triggered")
	case <-time.After(20 * time.Millisecond):
	}

	e.Trigger()
	s.Yield() // give the scheduler a chance to promote and run it

	select {
	case <-woke:
	case <-time.After(time.Second):
		t.Fatalf("thread never woke after the event was triggered")
	}
}

func TestSpawnedThreadStartsIdle(t *testing.T) {
	s := sched.New()
	started := make(chan struct{})
	th := s.Spawn(func() {
		close(started)
	})
	if th.State() != sched.Idle {
		t.Fatalf("State() = %v, want Idle immediately after Spawn", th.State())
	}
}
