package ksync

// Promise is an Event plus inline storage for a value of type T (spec.md
// §4.5). SetValue stores the value and triggers the event; Await waits for
// the trigger, resets it, and hands back the stored value — a Promise is
// meant for single-shot producer/consumer handoff, not a broadcast
// primitive, so Await consumes the value it returns.
type Promise[T any] struct {
	event Event
	value T
}

// SetValue stores v and triggers the promise's event. Safe to call from
// interrupt context, matching Event.Trigger.
func (p *Promise[T]) SetValue(v T) {
	p.value = v
	p.event.Trigger()
}

// Await blocks until SetValue has been called, then resets the promise for
// reuse and returns the value that was set.
func (p *Promise[T]) Await() T {
	p.event.Wait()
	v := p.value
	p.event.Reset()
	return v
}

// Ready reports whether a value is available without blocking.
func (p *Promise[T]) Ready() bool {
	return p.event.IsTriggered()
}
