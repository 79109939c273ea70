package cpuinit

import "unsafe"

// TSS is the x86_64 task-state segment. Luna never task-switches through
// it; only RSP0 (the stack loaded on a ring3->ring0 transition) and the
// IST slots (stacks for NMI/double-fault/machine-check) are live.
type TSS struct {
	reserved0 uint32
	RSP0      uint64
	RSP1      uint64
	RSP2      uint64
	reserved1 uint64
	IST       [7]uint64
	reserved2 uint64
	reserved3 uint16
	IOMapBase uint16
}

// CpuData is the per-logical-CPU block each CPU's GS base points at. The
// loader hands the BSP its own instance; StartAPs allocates one per AP
// before sending the INIT-SIPI-SIPI sequence (spec.md §4.7).
type CpuData struct {
	Self      *CpuData // first word: GS:0 always reads its own address
	LAPICID   uint32
	Vendor    Vendor
	GDT       *GDT
	IDT       *IDT
	TSS       TSS
	KernelRSP uint64 // RSP0 value, refreshed whenever the scheduler switches threads
}

const msrGSBase = 0xC0000101

// installPerCPU loads cpu's address into IA32_GS_BASE so every later
// access through GS:0 resolves back to this struct, then seeds RSP0
// with the kernel stack currently in use so the first ring transition
// on this CPU already has a valid target.
func installPerCPU(cpu *CpuData) {
	cpu.Self = cpu
	wrmsr(msrGSBase, uint64(uintptr(unsafe.Pointer(cpu))))
	cpu.TSS.RSP0 = cpu.KernelRSP
}
