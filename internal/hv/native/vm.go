// Package native is Luna's VmCore runtime (spec.md §4.9): it implements
// hv.VirtualMachine/hv.VirtualCPU directly against hardware
// virtualization (VMX or SVM, chosen by CPU vendor) rather than against
// a host hypervisor ioctl interface, since a freestanding kernel has no
// host underneath it. vm.go owns the per-VM dispatch fabric (flat PIO
// table, ordered MMIO map, PCI-config map) and device registration;
// vcpu.go owns the per-vCPU run loop built on top of it.
package native

import (
	"fmt"
	"sync"

	"github.com/google/btree"
	"github.com/lunakernel/luna/internal/hv"
)

// pioTableSize is the full 16-bit I/O port space (spec.md §4.9: "flat
// 64 K-entry map port -> driver*").
const pioTableSize = 1 << 16

// mmioBinding is one registered MMIO region, ordered by base address so
// the dispatch map can be walked as a btree.BTreeG item the same way
// internal/chipset.mmioBinding does (same ordered-range-lookup need,
// applied to this package's own dispatch fabric instead of chipset's).
type mmioBinding struct {
	base, size uint64
	device     hv.MemoryMappedIODevice
}

func (b mmioBinding) Less(other mmioBinding) bool { return b.base < other.base }

type pciKey struct {
	bus, slot, fn uint8
}

// SecondLevelContext is the narrow slice of paging.Context a
// virtualMachine needs to wire a second-level translation root into its
// vCPUs' backends: just the root's physical address, so this package
// never imports paging/ept or paging/npt directly and stays agnostic to
// which one the caller constructed (spec.md §4.9: "EPT or NPT context").
type SecondLevelContext interface {
	RootPhysAddr() uint64
}

// Config describes the fixed, construction-time shape of a
// virtualMachine: its guest-physical memory window and second-level
// translation context. Devices and vCPUs are added afterward through
// AddDevice and AddVCPU.
type Config struct {
	MemoryBase uint64
	MemorySize uint64
	SecondLevel SecondLevelContext
}

// virtualMachine implements hv.VirtualMachine (spec.md §3 Vm): one
// guest's second-level page table, vCPU array, and PIO/MMIO/PCI-config
// dispatch fabric. Dispatch-map mutation happens only at
// device-registration time, under vmMu (spec.md §5: "mutations happen
// at device-registration time under vm-wide lock").
type virtualMachine struct {
	memBase, memSize uint64
	secondLevel      SecondLevelContext

	vmMu sync.RWMutex
	pio  [pioTableSize]hv.X86IOPortDevice
	mmio *btree.BTreeG[mmioBinding]
	pci  map[pciKey]hv.PCIConfigDevice

	memRegions []*guestMemory

	vcpuMu sync.Mutex
	vcpus  []*virtualCPU

	irq AbstractIRQListener

	closed bool
}

// New constructs an empty virtualMachine ready for AddDevice/AddVCPU
// calls. cfg.SecondLevel is nil-able only for tests that exercise PIO/
// MMIO dispatch without a real EPT/NPT context.
func New(cfg Config) *virtualMachine {
	return &virtualMachine{
		memBase:     cfg.MemoryBase,
		memSize:     cfg.MemorySize,
		secondLevel: cfg.SecondLevel,
		mmio:        btree.NewG(32, mmioBinding.Less),
		pci:         make(map[pciKey]hv.PCIConfigDevice),
		irq:         newPendingIRQAggregator(),
	}
}

func (vm *virtualMachine) Architecture() hv.CpuArchitecture { return hv.ArchitectureX86_64 }
func (vm *virtualMachine) MemorySize() uint64               { return vm.memSize }
func (vm *virtualMachine) MemoryBase() uint64                { return vm.memBase }

func (vm *virtualMachine) VCPUCount() int {
	vm.vcpuMu.Lock()
	defer vm.vcpuMu.Unlock()
	return len(vm.vcpus)
}

func (vm *virtualMachine) VirtualCPUCall(id int, f func(vcpu hv.VirtualCPU) error) error {
	vm.vcpuMu.Lock()
	if id < 0 || id >= len(vm.vcpus) {
		vm.vcpuMu.Unlock()
		return fmt.Errorf("native: no vCPU %d", id)
	}
	v := vm.vcpus[id]
	vm.vcpuMu.Unlock()
	return f(v)
}

// AddVCPU constructs a new vCPU against this VM using the given VMX/SVM
// backend (built by the caller from cpuinit.Vendor, since only that
// package can tell VMX apart from SVM) and returns its index.
func (vm *virtualMachine) AddVCPU(be backend) (int, error) {
	if be == nil {
		return 0, fmt.Errorf("native: AddVCPU requires a non-nil backend")
	}
	if vm.secondLevel != nil {
		be.SetSecondLevel(vm.secondLevel.RootPhysAddr())
	}
	vm.vcpuMu.Lock()
	defer vm.vcpuMu.Unlock()
	id := len(vm.vcpus)
	v := &virtualCPU{id: id, vm: vm, backend: be}
	vm.vcpus = append(vm.vcpus, v)
	return id, nil
}

// AddDevice registers dev against whichever of the PIO/MMIO/PCI-config
// dispatch fabrics its concrete type implements, then calls Init
// (spec.md §3/§9: one registry, devices opt into the transports they
// serve rather than a class hierarchy of device kinds).
func (vm *virtualMachine) AddDevice(dev hv.Device) error {
	if dev == nil {
		return fmt.Errorf("native: AddDevice requires a non-nil device")
	}
	if err := dev.Init(vm); err != nil {
		return fmt.Errorf("native: device init: %w", err)
	}

	vm.vmMu.Lock()
	defer vm.vmMu.Unlock()

	if pio, ok := dev.(hv.X86IOPortDevice); ok {
		for _, port := range pio.IOPorts() {
			if vm.pio[port] != nil {
				return fmt.Errorf("native: I/O port 0x%04x already claimed", port)
			}
			vm.pio[port] = pio
		}
	}

	if mmio, ok := dev.(hv.MemoryMappedIODevice); ok {
		for _, region := range mmio.MMIORegions() {
			if region.Size == 0 {
				return fmt.Errorf("native: MMIO region at 0x%x has zero size", region.Address)
			}
			binding := mmioBinding{base: region.Address, size: region.Size, device: mmio}
			var overlap bool
			vm.mmio.AscendGreaterOrEqual(mmioBinding{}, func(b mmioBinding) bool {
				if b.base >= region.Address+region.Size {
					return false
				}
				if b.base+b.size > region.Address {
					overlap = true
					return false
				}
				return true
			})
			if overlap {
				return fmt.Errorf("native: MMIO region 0x%x-0x%x overlaps an existing one",
					region.Address, region.Address+region.Size-1)
			}
			vm.mmio.ReplaceOrInsert(binding)
		}
	}

	return nil
}

// AddPCIDevice registers a PCI-config-space driver for one (bus, slot,
// function) tuple (spec.md §6: "a PCI driver implements pci_write/
// pci_read"). It is separate from AddDevice because hv.PCIConfigDevice
// needs the location the caller enumerated the device at, which a
// generic Device has no field for.
func (vm *virtualMachine) AddPCIDevice(bus, slot, fn uint8, dev hv.PCIConfigDevice) error {
	if dev == nil {
		return fmt.Errorf("native: AddPCIDevice requires a non-nil device")
	}
	if err := dev.Init(vm); err != nil {
		return fmt.Errorf("native: PCI device init: %w", err)
	}
	key := pciKey{bus: bus, slot: slot, fn: fn}
	vm.vmMu.Lock()
	defer vm.vmMu.Unlock()
	if _, exists := vm.pci[key]; exists {
		return fmt.Errorf("native: PCI function %02x:%02x.%x already registered", bus, slot, fn)
	}
	vm.pci[key] = dev
	return nil
}

// ReadPCIConfig/WritePCIConfig implement the (bus,slot,func) dispatch
// side of spec.md §6's PCI contract: nonexistent functions return
// all-ones on reads, exactly as the legacy CF8/CFC and ECAM front-ends
// require from the underlying bridge.
func (vm *virtualMachine) ReadPCIConfig(ctx hv.ExitContext, bus, slot, fn uint8, reg uint16, size int) (uint32, error) {
	vm.vmMu.RLock()
	dev, ok := vm.pci[pciKey{bus: bus, slot: slot, fn: fn}]
	vm.vmMu.RUnlock()
	if !ok {
		return 0xffff_ffff, nil
	}
	return dev.ReadPCIConfig(ctx, reg, size)
}

func (vm *virtualMachine) WritePCIConfig(ctx hv.ExitContext, bus, slot, fn uint8, reg uint16, value uint32, size int) error {
	vm.vmMu.RLock()
	dev, ok := vm.pci[pciKey{bus: bus, slot: slot, fn: fn}]
	vm.vmMu.RUnlock()
	if !ok {
		return nil // spec.md §6: writes to nonexistent functions are ignored
	}
	return dev.WritePCIConfig(ctx, reg, value, size)
}

func (vm *virtualMachine) SetIRQ(irqLine uint32, level bool) error {
	vm.irq.SetIRQ(uint8(irqLine), level)
	return nil
}

// AllocateMemory carves a new guest-RAM-backed MemoryRegion; real boot
// wires this to the kernel heap plus the guest's EPT/NPT mapping, this
// package's own implementation is host bytes so VM-dispatch logic is
// unit-testable without a running kernel underneath it.
func (vm *virtualMachine) AllocateMemory(physAddr, size uint64) (hv.MemoryRegion, error) {
	if size == 0 {
		return nil, fmt.Errorf("native: AllocateMemory size must be non-zero")
	}
	region := newGuestMemory(physAddr, size)
	vm.vmMu.Lock()
	vm.memRegions = append(vm.memRegions, region)
	vm.vmMu.Unlock()
	return region, nil
}

func (vm *virtualMachine) regionFor(addr uint64) *guestMemory {
	vm.vmMu.RLock()
	defer vm.vmMu.RUnlock()
	for _, r := range vm.memRegions {
		if addr >= r.base && addr < r.base+r.Size() {
			return r
		}
	}
	return nil
}

func (vm *virtualMachine) ReadAt(p []byte, off int64) (int, error) {
	r := vm.regionFor(uint64(off))
	if r == nil {
		return 0, fmt.Errorf("native: no guest memory region backs 0x%x", off)
	}
	return r.ReadAt(p, off-int64(r.base))
}

func (vm *virtualMachine) WriteAt(p []byte, off int64) (int, error) {
	r := vm.regionFor(uint64(off))
	if r == nil {
		return 0, fmt.Errorf("native: no guest memory region backs 0x%x", off)
	}
	return r.WriteAt(p, off-int64(r.base))
}

func (vm *virtualMachine) Close() error {
	vm.vmMu.Lock()
	defer vm.vmMu.Unlock()
	vm.closed = true
	return nil
}

var (
	_ hv.VirtualMachine     = (*virtualMachine)(nil)
	_ hv.VirtualMachineAmd64 = (*virtualMachine)(nil)
)
