// Package cpuinit brings a CPU from the loader's hand-off state to a
// fully initialized Luna execution context: GDT, IDT, TSS, the per-CPU
// data block, and — for every secondary CPU — the SMP wake-up sequence
// described in spec.md §4.7. It is also where the CPU-privileged
// primitives other packages only reach through function-variable seams
// (paging's invalidation hooks, ksync's interrupt masking, timekeeping's
// TSC reader) get
// their real implementation, because this is the one package allowed to
// know it is running on bare metal rather than under `go test`.
package cpuinit

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/lunakernel/luna/internal/ksync"
	"github.com/lunakernel/luna/internal/paging/cpupaging"
	"github.com/lunakernel/luna/internal/paging/ept"
	"github.com/lunakernel/luna/internal/paging/iopaging"
	"github.com/lunakernel/luna/internal/paging/npt"
	"github.com/lunakernel/luna/internal/paging/slpaging"
	"github.com/lunakernel/luna/internal/timekeeping"
)

// Vendor identifies the CPU manufacturer, read once at boot from CPUID
// leaf 0's EBX/ECX/EDX string. spec.md §7 lists "unknown CPU vendor" as a
// fatal panic: every code path that branches on VMX vs SVM funnels
// through this type instead of re-deriving the string.
type Vendor int

const (
	VendorUnknown Vendor = iota
	VendorIntel
	VendorAMD
)

func (v Vendor) String() string {
	switch v {
	case VendorIntel:
		return "GenuineIntel"
	case VendorAMD:
		return "AuthenticAMD"
	default:
		return "unknown"
	}
}

var detectedVendor atomic.Int32

// DetectVendor reads CPUID leaf 0 and caches the result. Called once by
// the BSP during early boot; later callers (including every AP) get the
// cached value instead of re-issuing CPUID.
func DetectVendor() Vendor {
	if v := Vendor(detectedVendor.Load()); v != VendorUnknown {
		return v
	}
	_, b, c, d := cpuid(0)
	v := classifyVendor(b, c, d)
	detectedVendor.Store(int32(v))
	return v
}

func classifyVendor(ebx, ecx, edx uint32) Vendor {
	switch {
	case ebx == 0x756e6547 && edx == 0x49656e69 && ecx == 0x6c65746e: // "GenuineIntel"
		return VendorIntel
	case ebx == 0x68747541 && edx == 0x69746e65 && ecx == 0x444d4163: // "AuthenticAMD"
		return VendorAMD
	default:
		return VendorUnknown
	}
}

// HasVMX reports whether CPUID leaf 1 ECX bit 5 (VMX) is set.
func HasVMX() bool {
	_, _, c, _ := cpuid(1)
	return c&(1<<5) != 0
}

// HasSVM reports whether CPUID leaf 0x8000_0001 ECX bit 2 (SVM) is set.
func HasSVM() bool {
	_, _, c, _ := cpuid(0x80000001)
	return c&(1<<2) != 0
}

// Halt masks interrupts and parks this logical CPU in HLT forever. It is
// the terminal call of internal/panic's fatal handler (spec.md §7); it
// never returns, so every caller treats it the same as os.Exit.
func Halt() {
	haltLoopAsm()
}

// FramePointer returns the calling function's saved RBP, the head of the
// base-pointer chain internal/panic walks to print a stack trace
// (spec.md §7 "stack trace from rbp").
func FramePointer() uint64 {
	return readBPAsm()
}

// installOnce guards InstallInvalidationHooks, which wires the real CPU-privileged
// invalidation primitives into every paging engine's function-variable
// seam (spec.md §4.2 "Engine-specific rules"). Calling it twice is
// harmless; only the first call matters.
var installOnce sync.Once

// InstallInvalidationHooks must run once, after the CPU is in long mode
// and before any paging.Context is mutated. It is separate from Init so
// host-side golden-file tests (cmd/lunaimg) can exercise paging.Context
// against paging.MemStore without ever touching real CPU instructions.
func InstallInvalidationHooks() {
	installOnce.Do(func() {
		cpupaging.SetInvalidateHook(invlpg)
		npt.SetInvalidateHook(invlpga)
		ept.SetInvalidateHook(invept)
		iopaging.SetFlushHook(func(deviceID uint16) { flushIOTLBAMDVi(deviceID) })
		slpaging.SetFlushHook(func(domainID uint16) { flushIOTLBVTD(domainID) })
		ksync.SetInterruptHooks(interruptsEnabled, disableInterrupts, restoreInterrupts)
		timekeeping.SetTSCReader(rdtscAsm)
	})
}

// Init performs the full per-CPU bring-up sequence for one logical CPU:
// build and load its GDT, TSS and IDT, install the per-CPU data block
// reachable through the CPU-local base register, and calibrate nothing
// else — timer and scheduler bring-up are separate packages layered on
// top (internal/timekeeping, internal/sched).
func Init(cpu *CpuData) error {
	if cpu == nil {
		return fmt.Errorf("cpuinit: nil CpuData")
	}
	vendor := DetectVendor()
	if vendor == VendorUnknown {
		panic("cpuinit: unknown CPU vendor")
	}
	cpu.Vendor = vendor

	cpu.GDT = NewGDT(&cpu.TSS)
	cpu.GDT.Load()
	loadTSS(cpu.GDT.TSSSelector())

	cpu.IDT = NewIDT()
	cpu.IDT.Load()
	bindActiveIDT(int(cpu.LAPICID), cpu.IDT)

	installPerCPU(cpu)

	return nil
}
