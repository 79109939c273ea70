// Package panic is the kernel's single fatal-error path (spec.md §7).
// Every unrecoverable condition — an allocator invariant violated, an
// unhandled vCPU exit, an unknown CPU vendor — funnels through Fatal
// instead of returning up the call stack: there is no supervisor to
// restart a freestanding kernel, so the only reasonable response is to
// log everything useful and halt.
package panic

import (
	"fmt"
	"unsafe"

	"github.com/lunakernel/luna/internal/cpuinit"
	"github.com/lunakernel/luna/internal/debug"
)

// maxFrames bounds the base-pointer walk so a corrupted or cyclic frame
// chain can't loop forever before the halt.
const maxFrames = 64

// stackFrame is the layout a standard x86_64 frame-pointer prologue
// (push rbp; mov rbp, rsp) leaves on the stack: the caller's saved RBP
// immediately followed by the return address.
type stackFrame struct {
	savedBP uintptr
	retAddr uintptr
}

// walkFrames walks the RBP chain starting at bp, calling fn with each
// return address found. It stops at a nil/unaligned frame pointer or
// after maxFrames, whichever comes first — spec.md §7's "stack trace
// from rbp" has no length guarantee to honor beyond "best effort."
func walkFrames(bp uintptr, fn func(pc uintptr)) {
	for i := 0; i < maxFrames && bp != 0 && bp%8 == 0; i++ {
		frame := (*stackFrame)(unsafe.Pointer(bp))
		if frame.retAddr == 0 {
			break
		}
		fn(frame.retAddr)
		next := frame.savedBP
		if next <= bp {
			break // frame pointers must grow toward higher addresses
		}
		bp = next
	}
}

// Fatal logs reason and a best-effort stack trace, then halts this
// logical CPU forever. It does not return.
//
// reason should name the violated invariant, not restate the call site
// (spec.md §7's taxonomy treats these as the terminal category: no
// retry, no unwind, just a diagnosable halt).
func Fatal(reason string) {
	debug.Writef("panic", "fatal: %s", reason)

	bp := cpuinit.FramePointer()
	frame := 0
	walkFrames(bp, func(pc uintptr) {
		debug.Writef("panic", "  #%d 0x%016x", frame, uint64(pc))
		frame++
	})
	if frame == 0 {
		debug.Writef("panic", "  (no stack frames recovered)")
	}

	cpuinit.Halt()
}

// Fatalf formats reason before handing it to Fatal.
func Fatalf(format string, args ...any) {
	Fatal(fmt.Sprintf(format, args...))
}
