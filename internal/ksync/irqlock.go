package ksync

// interruptsEnabled, disableInterrupts and restoreInterrupts are the
// CPU-privileged primitives IRQTicketLock is built on. Like the
// invalidate-TLB hooks in the paging engines, they default to no-ops so
// this package compiles and tests standalone; internal/cpuinit wires them
// to the real pushf/cli/popf sequence once the kernel has a CPU to run on.
var (
	interruptsEnabled = func() bool { return false }
	disableInterrupts = func() {}
	restoreInterrupts = func(wasEnabled bool) {}
)

// SetInterruptHooks installs the real interrupt-flag primitives. Called
// once during early boot, before any IrqTicketLock is taken from interrupt
// context.
func SetInterruptHooks(enabled func() bool, disable func(), restore func(wasEnabled bool)) {
	interruptsEnabled = enabled
	disableInterrupts = disable
	restoreInterrupts = restore
}

// IRQTicketLock wraps TicketLock with interrupt masking so a held section
// is guaranteed interrupt-free on the owning CPU (spec.md §4.5). Acquire
// order is: save the interrupt-enable flag, disable interrupts, then take
// the inner lock. Release order is the mirror image — release the inner
// lock first, then restore the saved flag — so the window between
// unlocking and re-enabling interrupts is as short as possible.
type IRQTicketLock struct {
	inner TicketLock
	saved bool
}

func (l *IRQTicketLock) Lock() {
	wasEnabled := interruptsEnabled()
	disableInterrupts()
	l.inner.Lock()
	l.saved = wasEnabled
}

func (l *IRQTicketLock) Unlock() {
	wasEnabled := l.saved
	l.inner.Unlock()
	restoreInterrupts(wasEnabled)
}
