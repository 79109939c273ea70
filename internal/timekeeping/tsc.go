package timekeeping

import (
	"fmt"
	"sync/atomic"
)

// ReadTSC reads the CPU timestamp counter. Installed once at boot;
// defaults to returning zero so this package is importable from tests
// that never touch real hardware.
var readTSC = func() uint64 { return 0 }

// SetTSCReader installs the RDTSC-backed primitive. internal/cpuinit
// calls this during early boot, following the same function-variable
// seam convention the paging engines and ksync use for their own
// CPU-privileged hooks.
func SetTSCReader(fn func() uint64) {
	if fn != nil {
		readTSC = fn
	}
}

// tscHz is the calibrated TSC frequency in Hz, written once by Calibrate
// and read by every later Now()/NanosToTicks() call.
var tscHz atomic.Uint64

// Calibrate measures the TSC's rate against an HPET's main counter over
// sampleMillis milliseconds and stores the result for Now()/Since() to
// use. It must run once per boot, after HPET.New and before any timer is
// armed.
func Calibrate(h *HPET, sampleMillis uint64) error {
	if h == nil {
		return fmt.Errorf("timekeeping: nil HPET")
	}
	if sampleMillis == 0 {
		sampleMillis = 10
	}

	startCounter := h.Counter()
	startTSC := readTSC()

	targetFemtos := sampleMillis * 1_000_000_000_000
	for {
		elapsed := h.Counter() - startCounter
		if elapsed*h.periodFemtos >= targetFemtos {
			break
		}
	}

	endTSC := readTSC()
	elapsedNanos := h.NanosSince(startCounter, h.Counter())
	if elapsedNanos == 0 {
		return fmt.Errorf("timekeeping: HPET reported zero elapsed time during calibration")
	}

	hz := (endTSC - startTSC) * 1_000_000_000 / elapsedNanos
	if hz == 0 {
		return fmt.Errorf("timekeeping: calibration produced zero TSC frequency")
	}
	tscHz.Store(hz)
	return nil
}

// Now returns the current TSC reading, in raw ticks.
func Now() uint64 { return readTSC() }

// TicksToNanos converts a TSC tick count to nanoseconds using the
// calibrated frequency. Returns 0 if Calibrate has not run yet.
func TicksToNanos(ticks uint64) uint64 {
	hz := tscHz.Load()
	if hz == 0 {
		return 0
	}
	return ticks * 1_000_000_000 / hz
}

// NanosToTicks converts a nanosecond duration to a TSC tick count, for
// computing a deadline from now.
func NanosToTicks(nanos uint64) uint64 {
	hz := tscHz.Load()
	if hz == 0 {
		return 0
	}
	return nanos * hz / 1_000_000_000
}
