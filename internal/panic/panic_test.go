package panic

import (
	"testing"
	"unsafe"
)

// buildFrames lays out a synthetic RBP chain inside a Go-owned backing
// array, in the same shape a real x86_64 frame-pointer prologue would
// leave on the stack: each stackFrame's savedBP points at the next one
// and retAddr is whatever caller-supplied PC the test wants recovered.
func buildFrames(t *testing.T, retAddrs []uintptr) uintptr {
	t.Helper()
	frames := make([]stackFrame, len(retAddrs))
	for i := range frames {
		frames[i].retAddr = retAddrs[i]
	}
	for i := 0; i < len(frames)-1; i++ {
		frames[i].savedBP = uintptr(unsafe.Pointer(&frames[i+1]))
	}
	// keep frames alive for the duration of the walk
	t.Cleanup(func() { _ = frames })
	return uintptr(unsafe.Pointer(&frames[0]))
}

func TestWalkFramesCollectsReturnAddresses(t *testing.T) {
	want := []uintptr{0x1000, 0x2000, 0x3000}
	bp := buildFrames(t, want)

	var got []uintptr
	walkFrames(bp, func(pc uintptr) {
		got = append(got, pc)
	})

	if len(got) != len(want) {
		t.Fatalf("got %d frames, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("frame %d: got 0x%x want 0x%x", i, got[i], want[i])
		}
	}
}

func TestWalkFramesStopsAtZeroReturnAddress(t *testing.T) {
	bp := buildFrames(t, []uintptr{0x1000, 0, 0x3000})

	var got []uintptr
	walkFrames(bp, func(pc uintptr) {
		got = append(got, pc)
	})

	if len(got) != 1 {
		t.Fatalf("got %d frames, want 1 (walk should stop at the zero return address)", len(got))
	}
}

func TestWalkFramesStopsAtNilFramePointer(t *testing.T) {
	var got []uintptr
	walkFrames(0, func(pc uintptr) {
		got = append(got, pc)
	})
	if len(got) != 0 {
		t.Fatalf("got %d frames from a nil frame pointer, want 0", len(got))
	}
}

func TestWalkFramesBoundedByMaxFrames(t *testing.T) {
	retAddrs := make([]uintptr, maxFrames+10)
	for i := range retAddrs {
		retAddrs[i] = uintptr(0x1000 + i)
	}
	bp := buildFrames(t, retAddrs)

	count := 0
	walkFrames(bp, func(pc uintptr) { count++ })

	if count > maxFrames {
		t.Fatalf("walkFrames visited %d frames, want at most %d", count, maxFrames)
	}
}
