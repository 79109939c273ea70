package ksync_test

import (
	"testing"
	"time"

	"github.com/lunakernel/luna/internal/ksync"
)

func TestEventTriggerResetPoll(t *testing.T) {
	var e ksync.Event
	if e.IsTriggered() {
		t.Fatalf("fresh event reports triggered")
	}
	e.Trigger()
	if !e.IsTriggered() {
		t.Fatalf("event not triggered after Trigger")
	}
	e.Reset()
	if e.IsTriggered() {
		t.Fatalf("event still triggered after Reset")
	}
}

func TestEventWaitUnblocksOnTrigger(t *testing.T) {
	var e ksync.Event
	done := make(chan struct{})
	go func() {
		e.Wait()
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	e.Trigger()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Wait did not unblock after Trigger")
	}
}

func TestPromiseSetValueThenAwait(t *testing.T) {
	var p ksync.Promise[int]
	if p.Ready() {
		t.Fatalf("fresh promise reports ready")
	}
	p.SetValue(42)
	if !p.Ready() {
		t.Fatalf("promise not ready after SetValue")
	}
	if got := p.Await(); got != 42 {
		t.Fatalf("Await() = %d, want 42", got)
	}
	if p.Ready() {
		t.Fatalf("promise still ready after Await consumed it")
	}
}

func TestPromiseAwaitBlocksUntilSetValue(t *testing.T) {
	var p ksync.Promise[string]
	result := make(chan string)
	go func() {
		result <- p.Await()
	}()

	time.Sleep(10 * time.Millisecond)
	p.SetValue("ready")

	select {
	case got := <-result:
		if got != "ready" {
			t.Fatalf("Await() = %q, want %q", got, "ready")
		}
	case <-time.After(time.Second):
		t.Fatalf("Await did not unblock after SetValue")
	}
}
