package cpuinit

import (
	"fmt"

	"github.com/lunakernel/luna/internal/bootmap"
)

// Local-APIC register offsets and ICR bits used by StartAPs. Callers pass
// the already-mapped xAPIC window in through LAPIC, since
// internal/cpuinit has no mapping authority of its own.
const (
	lapicRegICR0    = 0x300
	lapicRegICR1    = 0x310
	icrDeliverInit  = 0x4500
	icrDeliverSIPI  = 0x4600
	icrAssert       = 1 << 14
	icrLevel        = 1 << 15
	icrDestShiftHi  = 24
)

// LAPIC is the minimal local-APIC register window StartAPs needs: the two
// ICR halves used to send INIT/SIPI, addressed as byte offsets into the
// caller-mapped MMIO page.
type LAPIC struct {
	Write func(reg uint32, value uint32)
	Read  func(reg uint32) uint32
}

func (l LAPIC) sendIPI(destAPICID uint32, icrLow uint32) {
	l.Write(lapicRegICR1, destAPICID<<icrDestShiftHi)
	l.Write(lapicRegICR0, icrLow|icrAssert|icrLevel)
	for l.Read(lapicRegICR0)&icrAssert != 0 {
	}
}

// ApEntry is the function an application processor starts running at
// once it reaches 64-bit mode on its SIPI vector, with its own per-CPU
// block already bound (spec.md §4.7).
type ApEntry func(cpu *CpuData)

// StartAPs wakes every secondary CPU described by the loader's SMP tag
// with the standard INIT-SIPI-SIPI sequence, per spec.md §4.7. sipiVector
// is the page-aligned physical address (0x00 - 0xff000, step 0x1000) of
// the real-mode trampoline the loader placed there; entry is invoked by
// each AP after it reaches long mode on its own stack.
//
// The trampoline itself is out of this package's scope: it is loader
// boot code, not kernel code, and differs per loader (spec.md §1 treats
// the loader hand-off as a fixed, already-solved boundary).
func StartAPs(lapic LAPIC, smp bootmap.SMPInfo, sipiVector uint32, entry ApEntry) ([]*CpuData, error) {
	if sipiVector&0xfff != 0 {
		return nil, fmt.Errorf("cpuinit: SIPI vector 0x%x is not page aligned", sipiVector)
	}
	vector := uint8(sipiVector >> 12)

	cpus := make([]*CpuData, 0, len(smp.CPUs))
	for _, info := range smp.CPUs {
		if info.LAPICID == smp.BSPLAPICID {
			continue
		}
		cpu := &CpuData{LAPICID: info.LAPICID, KernelRSP: info.TargetStack}
		cpus = append(cpus, cpu)

		publishApHandoff(info.TargetStack, info.GotoAddress, cpu, entry)

		lapic.sendIPI(info.LAPICID, icrDeliverInit)
		spinDelay()
		lapic.sendIPI(info.LAPICID, icrDeliverSIPI|uint32(vector))
		spinDelay()
		lapic.sendIPI(info.LAPICID, icrDeliverSIPI|uint32(vector))
		spinDelay()
	}
	return cpus, nil
}

// apHandoff is what publishApHandoff writes at GotoAddress: the loader's
// trampoline reads it once the AP is in long mode, then calls entry with
// cpu as its sole argument.
type apHandoff struct {
	cpu   *CpuData
	entry ApEntry
}

// publishApHandoff and spinDelay are intentionally trivial: the real
// mechanism (writing the handoff word the loader's trampoline polls, and
// burning a calibrated number of cycles between IPIs) is loader- and
// platform-specific and belongs with the trampoline, not here. This
// package only needs a seam a concrete loader integration can replace.
var publishApHandoffFunc = func(targetStack, gotoAddress uint64, cpu *CpuData, entry ApEntry) {}

func publishApHandoff(targetStack, gotoAddress uint64, cpu *CpuData, entry ApEntry) {
	publishApHandoffFunc(targetStack, gotoAddress, cpu, entry)
}

// SetApHandoffPublisher installs the loader-specific mechanism that
// writes an AP's stack/entry pair where its trampoline will find it.
func SetApHandoffPublisher(fn func(targetStack, gotoAddress uint64, cpu *CpuData, entry ApEntry)) {
	if fn != nil {
		publishApHandoffFunc = fn
	}
}

var spinDelayFunc = func() {
	for i := 0; i < 200000; i++ {
	}
}

func spinDelay() { spinDelayFunc() }
