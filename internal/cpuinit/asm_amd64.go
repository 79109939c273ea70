//go:build amd64

package cpuinit

// These declarations are Go-asm-ABI primitives implemented in
// asm_amd64.s, following the same convention the teacher project uses
// to keep privileged/architecture-specific operations behind a thin
// Go-callable boundary (its KVM backend isolates raw ioctls per-arch in
// kvm_amd64.go/kvm_arm64.go the same way).

//go:noescape
func cpuid(leaf uint32) (eax, ebx, ecx, edx uint32)

//go:noescape
func rdmsr(msr uint32) uint64

//go:noescape
func wrmsr(msr uint32, value uint64)

//go:noescape
func rdtscAsm() uint64

//go:noescape
func invlpgAsm(va uint64)

//go:noescape
func invlpgaAsm(va uint64, asid uint32)

//go:noescape
func ineptAsm(eptPointer uint64) uint64

//go:noescape
func lgdtAsm(descriptor uint64)

//go:noescape
func lidtAsm(descriptor uint64)

//go:noescape
func ltrAsm(selector uint16)

//go:noescape
func outb(port uint16, value uint8)

//go:noescape
func inb(port uint16) uint8

//go:noescape
func pushfAsm() uint64

//go:noescape
func cliAsm()

//go:noescape
func popfAsm(flags uint64)

//go:noescape
func haltLoopAsm()

//go:noescape
func readBPAsm() uint64

// invlpg invalidates a single CPU TLB entry. Installed as CpuPaging's
// invalidation hook (spec.md §4.2: "invlpg per VA").
func invlpg(va uint64) { invlpgAsm(va) }

// invlpga invalidates a single NPT TLB entry for the given ASID
// (spec.md §4.2: "invlpga(asid, va)").
func invlpga(asid uint16, va uint64) { invlpgaAsm(va, uint32(asid)) }

// invept performs an INVEPT single-context invalidation for the EPT
// pointer value (spec.md §4.2: "invept single-context").
func invept(eptPointer uint64) { ineptAsm(eptPointer) }

const flagsIF = 1 << 9

// interruptsEnabled, disableInterrupts and restoreInterrupts back
// ksync.SetInterruptHooks (spec.md §4.5's IRQTicketLock save/disable/
// restore sequence).
func interruptsEnabled() bool { return pushfAsm()&flagsIF != 0 }

func disableInterrupts() { cliAsm() }

func restoreInterrupts(wasEnabled bool) {
	flags := pushfAsm()
	if wasEnabled {
		flags |= flagsIF
	} else {
		flags &^= flagsIF
	}
	popfAsm(flags)
}

// flushIOTLBAMDVi and flushIOTLBVTD are placeholders for the host-side
// IOTLB flush primitive each IOMMU flavor requires after a mapping
// change (spec.md §4.2: "host must flush IOTLB"). The real flush goes
// through each IOMMU's own command/invalidation queue MMIO registers,
// which live in the out-of-scope IOMMU driver this kernel's core
// composes with (see spec.md §1); the hook here exists so paging's
// SetFlushHook has a concrete non-nil target once that driver is wired.
var (
	flushIOTLBAMDViFunc = func(deviceID uint16) {}
	flushIOTLBVTDFunc   = func(domainID uint16) {}
)

func flushIOTLBAMDVi(deviceID uint16) { flushIOTLBAMDViFunc(deviceID) }
func flushIOTLBVTD(domainID uint16)   { flushIOTLBVTDFunc(domainID) }

// SetIOMMUFlushHooks lets the IOMMU driver collaborator install its real
// invalidation-queue primitives once it is brought up.
func SetIOMMUFlushHooks(amdVi func(deviceID uint16), vtd func(domainID uint16)) {
	if amdVi != nil {
		flushIOTLBAMDViFunc = amdVi
	}
	if vtd != nil {
		flushIOTLBVTDFunc = vtd
	}
}
