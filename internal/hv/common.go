// Package hv defines Luna's VmCore contracts (spec.md §4.9): the
// per-vCPU run loop, the guest-physical address space, and the
// PIO/MMIO/PCI-config device contracts emulated devices implement.
//
// Unlike the teacher project, which selects among hosted hypervisor
// backends (KVM/HVF/WHP) at runtime, Luna always runs as the hypervisor
// itself: internal/hv/native is the only VirtualMachine implementation,
// chosen between a VMX and an SVM code path by CPUID vendor string, not
// by host OS. The interfaces below are kept in the teacher's shape
// (VirtualMachine/VirtualCPU/Device/ExitContext) so that
// internal/chipset and internal/devices need no redesign, only a new
// implementation underneath them.
package hv

import (
	"context"
	"fmt"
	"io"

	"github.com/lunakernel/luna/internal/timeslice"
)

var (
	ErrVMHalted              = fmt.Errorf("virtual machine halted")
	ErrHypervisorUnsupported = fmt.Errorf("hypervisor unsupported on this CPU")
	ErrGuestTripleFault      = fmt.Errorf("guest triple fault")
	ErrUnsupportedInstr      = fmt.Errorf("unsupported instruction for emulation")
	ErrGuestRequestedReboot  = fmt.Errorf("guest requested reboot")
)

// CpuArchitecture names the guest architecture a VirtualMachine targets.
// Luna is x86_64-only (spec.md §1 Non-goals: "non-x86 targets"); the type
// survives as a single-valued enum because ComputeConfigHash-style
// call sites and the teacher's AddressSpace constructor both take it as
// a parameter.
type CpuArchitecture string

const ArchitectureX86_64 CpuArchitecture = "x86_64"

// Register names an AMD64 general-purpose or control register exposed
// through SetRegisters/GetRegisters.
type Register uint64

const (
	RegisterInvalid Register = iota
	RegisterRax
	RegisterRbx
	RegisterRcx
	RegisterRdx
	RegisterRsi
	RegisterRdi
	RegisterRsp
	RegisterRbp
	RegisterR8
	RegisterR9
	RegisterR10
	RegisterR11
	RegisterR12
	RegisterR13
	RegisterR14
	RegisterR15
	RegisterRip
	RegisterRflags
	RegisterCr0
	RegisterCr3
	RegisterCr4
	RegisterEfer
)

var registerNames = map[Register]string{
	RegisterRax: "RAX", RegisterRbx: "RBX", RegisterRcx: "RCX", RegisterRdx: "RDX",
	RegisterRsi: "RSI", RegisterRdi: "RDI", RegisterRsp: "RSP", RegisterRbp: "RBP",
	RegisterR8: "R8", RegisterR9: "R9", RegisterR10: "R10", RegisterR11: "R11",
	RegisterR12: "R12", RegisterR13: "R13", RegisterR14: "R14", RegisterR15: "R15",
	RegisterRip: "RIP", RegisterRflags: "RFLAGS",
	RegisterCr0: "CR0", RegisterCr3: "CR3", RegisterCr4: "CR4", RegisterEfer: "EFER",
}

func (r Register) String() string {
	if name, ok := registerNames[r]; ok {
		return name
	}
	return fmt.Sprintf("Register(0x%X)", uint64(r))
}

// RegisterValue is a register's content; currently always 64-bit.
type RegisterValue interface{ isRegisterValue() }

// Register64 is a plain 64-bit RegisterValue.
type Register64 uint64

func (r Register64) isRegisterValue() {}

// ExitContext is passed to every device callback on a VM-exit so the
// callback can correlate its access with the exit that caused it
// (spec.md §5: "handlers may not block").
type ExitContext interface {
	SetExitTimeslice(id timeslice.TimesliceID)
	VCPU() VirtualCPU
}

// VirtualCPU is one vCPU's saved state plus its run loop entry point
// (spec.md §4.9 "VM main loop").
type VirtualCPU interface {
	VirtualMachine() VirtualMachine
	ID() int

	SetRegisters(regs map[Register]RegisterValue) error
	GetRegisters(regs map[Register]RegisterValue) error

	// Run drives VM-entry/VM-exit/classify/inject until ctx is canceled
	// or the guest halts/triple-faults.
	Run(ctx context.Context) error
}

// MMIORegion is a [Address, Address+Size) guest-physical range served by
// one device (spec.md §3 IovmmRegion's sibling on the MMIO dispatch
// side).
type MMIORegion struct {
	Address uint64
	Size    uint64
}

// Device is the minimum any emulated device must implement to be added
// to a VirtualMachine.
type Device interface {
	Init(vm VirtualMachine) error
}

// DeviceTemplate constructs and initializes a Device against a concrete
// VirtualMachine, the way the teacher's AddDeviceFromTemplate callers
// defer device construction until a VM (and its memory layout) exists.
type DeviceTemplate interface {
	Create(vm VirtualMachine) (Device, error)
}

// DeviceSnapshot is an opaque device-private snapshot of volatile
// register state, used only for live debugging/inspection — Luna has no
// persisted state across boots (spec.md §6).
type DeviceSnapshot interface{}

// DeviceSnapshotter is implemented by devices whose register state is
// worth capturing for inspection (e.g. the IOAPIC's redirection table).
type DeviceSnapshotter interface {
	Device

	DeviceId() string

	CaptureSnapshot() (DeviceSnapshot, error)
	RestoreSnapshot(snap DeviceSnapshot) error
}

// VirtualMachineAmd64 is VirtualMachine with the AMD64-only IRQ line
// injection call. Since Luna targets only x86_64, every VirtualMachine
// in this tree satisfies it, but devices written against the teacher's
// multi-arch interface still assert for it explicitly.
type VirtualMachineAmd64 interface {
	VirtualMachine

	SetIRQ(irqLine uint32, level bool) error
}

// MemoryMappedIODevice implements the MMIO driver contract from spec.md
// §6.
type MemoryMappedIODevice interface {
	Device

	MMIORegions() []MMIORegion

	ReadMMIO(ctx ExitContext, addr uint64, data []byte) error
	WriteMMIO(ctx ExitContext, addr uint64, data []byte) error
}

// SimpleMMIODevice adapts two closures to MemoryMappedIODevice, the way
// the teacher's chipset test doubles do.
type SimpleMMIODevice struct {
	Regions []MMIORegion

	ReadFunc  func(ctx ExitContext, addr uint64, data []byte) error
	WriteFunc func(ctx ExitContext, addr uint64, data []byte) error
}

func (d SimpleMMIODevice) MMIORegions() []MMIORegion { return d.Regions }
func (d SimpleMMIODevice) ReadMMIO(ctx ExitContext, addr uint64, data []byte) error {
	if d.ReadFunc != nil {
		return d.ReadFunc(ctx, addr, data)
	}
	return fmt.Errorf("unhandled read from MMIO address 0x%X", addr)
}
func (d SimpleMMIODevice) WriteMMIO(ctx ExitContext, addr uint64, data []byte) error {
	if d.WriteFunc != nil {
		return d.WriteFunc(ctx, addr, data)
	}
	return fmt.Errorf("unhandled write to MMIO address 0x%X", addr)
}
func (d SimpleMMIODevice) Init(vm VirtualMachine) error { return nil }

// X86IOPortDevice implements the PIO driver contract from spec.md §6.
type X86IOPortDevice interface {
	Device

	IOPorts() []uint16

	ReadIOPort(ctx ExitContext, port uint16, data []byte) error
	WriteIOPort(ctx ExitContext, port uint16, data []byte) error
}

// SimpleX86IOPortDevice adapts two closures to X86IOPortDevice.
type SimpleX86IOPortDevice struct {
	Ports []uint16

	ReadFunc  func(ctx ExitContext, port uint16, data []byte) error
	WriteFunc func(ctx ExitContext, port uint16, data []byte) error
}

func (d SimpleX86IOPortDevice) IOPorts() []uint16 { return d.Ports }
func (d SimpleX86IOPortDevice) ReadIOPort(ctx ExitContext, port uint16, data []byte) error {
	if d.ReadFunc != nil {
		return d.ReadFunc(ctx, port, data)
	}
	return fmt.Errorf("unhandled read from I/O port 0x%X", port)
}
func (d SimpleX86IOPortDevice) WriteIOPort(ctx ExitContext, port uint16, data []byte) error {
	if d.WriteFunc != nil {
		return d.WriteFunc(ctx, port, data)
	}
	return fmt.Errorf("unhandled write to I/O port 0x%X", port)
}
func (d SimpleX86IOPortDevice) Init(vm VirtualMachine) error { return nil }

var (
	_ MemoryMappedIODevice = SimpleMMIODevice{}
	_ X86IOPortDevice      = SimpleX86IOPortDevice{}
)

// PCIConfigDevice implements the PCI-config driver contract from
// spec.md §6: one device answers for a (bus, slot, func) tuple.
type PCIConfigDevice interface {
	Device

	ReadPCIConfig(ctx ExitContext, reg uint16, size int) (uint32, error)
	WritePCIConfig(ctx ExitContext, reg uint16, value uint32, size int) error
}

// MemoryRegion is an addressable byte range, usually guest RAM backed by
// kernel heap allocations.
type MemoryRegion interface {
	io.ReaderAt
	io.WriterAt

	Size() uint64
}

// VirtualMachine owns one guest's second-level page table, its vCPUs,
// and its device dispatch fabric (spec.md §3 Vm).
type VirtualMachine interface {
	io.ReaderAt
	io.WriterAt
	io.Closer

	Architecture() CpuArchitecture

	MemorySize() uint64
	MemoryBase() uint64

	VirtualCPUCall(id int, f func(vcpu VirtualCPU) error) error
	VCPUCount() int

	SetIRQ(irqLine uint32, level bool) error

	AddDevice(dev Device) error

	AllocateMemory(physAddr, size uint64) (MemoryRegion, error)
}
