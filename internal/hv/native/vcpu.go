package native

import (
	"context"
	"fmt"

	"github.com/lunakernel/luna/internal/hv"
	"github.com/lunakernel/luna/internal/hv/emulate"
	"github.com/lunakernel/luna/internal/timeslice"
)

// gprIndex maps hv.Register's general-purpose registers to the x86
// ModR/M register encoding emulate.RegisterFile indexes by (0=RAX/AL,
// 1=RCX, 2=RDX, 3=RBX, 4=RSP, 5=RBP, 6=RSI, 7=RDI, 8-15=R8-R15).
var gprIndex = map[hv.Register]int{
	hv.RegisterRax: 0, hv.RegisterRcx: 1, hv.RegisterRdx: 2, hv.RegisterRbx: 3,
	hv.RegisterRsp: 4, hv.RegisterRbp: 5, hv.RegisterRsi: 6, hv.RegisterRdi: 7,
	hv.RegisterR8: 8, hv.RegisterR9: 9, hv.RegisterR10: 10, hv.RegisterR11: 11,
	hv.RegisterR12: 12, hv.RegisterR13: 13, hv.RegisterR14: 14, hv.RegisterR15: 15,
}

// virtualCPU implements hv.VirtualCPU (spec.md §3 Vm / §4.9). GPRs are
// plain Go-side state this package owns directly — neither VMX's VMCS
// nor the subset of SVM's VMCB modeled in svm.go exchange every GPR
// automatically the way a real assembly entry/exit trampoline would, so
// backend.SetRegisters/GetRegisters round-trips through here for RAX..
// R15 the same way vmxBackend does for the handful it doesn't carry in
// its VMCS fields.
type virtualCPU struct {
	id      int
	vm      *virtualMachine
	backend backend

	gprs [16]uint64
}

func (v *virtualCPU) VirtualMachine() hv.VirtualMachine { return v.vm }
func (v *virtualCPU) ID() int                            { return v.id }

func (v *virtualCPU) SetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	backendRegs := make(map[hv.Register]hv.RegisterValue, len(regs))
	for reg, val := range regs {
		if idx, ok := gprIndex[reg]; ok {
			rv, ok := val.(hv.Register64)
			if !ok {
				return fmt.Errorf("native: unsupported register value for %s", reg)
			}
			v.gprs[idx] = uint64(rv)
			continue
		}
		backendRegs[reg] = val
	}
	if len(backendRegs) > 0 {
		return v.backend.SetRegisters(backendRegs)
	}
	return nil
}

func (v *virtualCPU) GetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	backendRegs := make(map[hv.Register]hv.RegisterValue)
	for reg := range regs {
		if idx, ok := gprIndex[reg]; ok {
			regs[reg] = hv.Register64(v.gprs[idx])
			continue
		}
		backendRegs[reg] = nil
	}
	if len(backendRegs) > 0 {
		if err := v.backend.GetRegisters(backendRegs); err != nil {
			return err
		}
		for reg, val := range backendRegs {
			regs[reg] = val
		}
	}
	return nil
}

// vcpuExitContext satisfies hv.ExitContext for the duration of one
// classified exit's device dispatch.
type vcpuExitContext struct {
	vcpu *virtualCPU
	slice timeslice.TimesliceID
}

func (c *vcpuExitContext) SetExitTimeslice(id timeslice.TimesliceID) { c.slice = id }
func (c *vcpuExitContext) VCPU() hv.VirtualCPU                       { return c.vcpu }

// regFileAdapter lets emulate.EmulateMMIO read/write this vCPU's GPRs
// directly without exposing the whole hv.Register map API to a package
// that only ever touches the ModR/M-indexed subset of it.
type regFileAdapter struct{ v *virtualCPU }

func (r regFileAdapter) Get(reg int, size int) uint64 {
	v := r.v.gprs[reg&0xf]
	switch size {
	case 1:
		return v & 0xff
	case 2:
		return v & 0xffff
	case 4:
		return v & 0xffffffff
	default:
		return v
	}
}

func (r regFileAdapter) Set(reg int, size int, value uint64) {
	idx := reg & 0xf
	switch size {
	case 1:
		r.v.gprs[idx] = (r.v.gprs[idx] &^ 0xff) | (value & 0xff)
	case 2:
		r.v.gprs[idx] = (r.v.gprs[idx] &^ 0xffff) | (value & 0xffff)
	case 4:
		r.v.gprs[idx] = value & 0xffffffff // 32-bit writes zero-extend in long mode
	default:
		r.v.gprs[idx] = value
	}
}

// mmioAccessorAdapter adapts one hv.MemoryMappedIODevice binding to
// emulate.MMIOAccessor for exactly the address that faulted.
type mmioAccessorAdapter struct {
	ctx    hv.ExitContext
	device hv.MemoryMappedIODevice
}

func (a mmioAccessorAdapter) ReadMMIO(addr uint64, data []byte) error {
	return a.device.ReadMMIO(a.ctx, addr, data)
}
func (a mmioAccessorAdapter) WriteMMIO(addr uint64, data []byte) error {
	return a.device.WriteMMIO(a.ctx, addr, data)
}

// Run drives VM-entry/VM-exit/classify/inject until ctx is canceled or
// the guest triple-faults (spec.md §4.9 "VM main loop"). Each iteration:
// restore guest state (already resident in the VMCS/VMCB from the
// previous iteration's writes), enter, classify the exit, dispatch to
// the owning device (emulating one instruction first for MMIO, since
// neither native backend populates hardware decode assist), then inject
// any interrupt pending on vm.irq before looping.
func (v *virtualCPU) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		info, err := v.backend.Enter()
		if err != nil {
			return fmt.Errorf("native: vCPU %d: %w", v.id, err)
		}

		exitCtx := &vcpuExitContext{vcpu: v}

		switch info.Reason {
		case exitHLT:
			// spec.md §4.9: HLT is handled, not exited — the guest waits
			// for an interrupt. A cooperative kernel thread would yield
			// here; this package has no scheduler dependency of its own,
			// so it spins checking the aggregator, which is what a
			// single-step test harness needs and is equivalent to a
			// thread parked in Await(irqEvent) in the real kernel.
			if !v.vm.irq.ReadIRQPin() {
				continue
			}

		case exitIO:
			dev := v.vm.pioDevice(info.IOPort)
			if dev == nil {
				continue // spec.md §6: unhandled PIO reads/writes are ignored
			}
			buf := make([]byte, info.IOSize)
			if info.IOWrite {
				v.encodeIO(buf, info.IOSize)
				if err := dev.WriteIOPort(exitCtx, info.IOPort, buf); err != nil {
					return fmt.Errorf("native: vCPU %d: PIO write: %w", v.id, err)
				}
			} else {
				if err := dev.ReadIOPort(exitCtx, info.IOPort, buf); err != nil {
					return fmt.Errorf("native: vCPU %d: PIO read: %w", v.id, err)
				}
				v.decodeIO(buf)
			}

		case exitMMIO:
			if err := v.handleMMIOExit(exitCtx, info); err != nil {
				return fmt.Errorf("native: vCPU %d: %w", v.id, err)
			}

		case exitCPUID:
			// Minimal CPUID handling: report the guest as running under
			// Luna without a hypervisor-bit leaf table, which is enough
			// for a guest's own feature probing to proceed past the
			// exit without this kernel emulating an entire CPUID tree.
			v.gprs[0], v.gprs[1], v.gprs[2], v.gprs[3] = 0, 0, 0, 0

		case exitShutdown, exitTripleFault:
			return hv.ErrGuestTripleFault

		default:
			return hv.ErrUnsupportedInstr
		}

		if v.vm.irq.ReadIRQPin() {
			vec := v.vm.irq.ReadIRQVector()
			v.injectVector(vec)
		}
	}
}

// encodeIO/decodeIO move PIO data between the byte buffer the device
// contract (spec.md §6) expects and this vCPU's AL/AX/EAX, mirroring
// what a real `out`/`in` instruction does on the physical port bus.
func (v *virtualCPU) encodeIO(buf []byte, size int) {
	val := v.gprs[0]
	for i := 0; i < size; i++ {
		buf[i] = byte(val >> (8 * i))
	}
}

func (v *virtualCPU) decodeIO(buf []byte) {
	var val uint64
	for i, b := range buf {
		val |= uint64(b) << (8 * i)
	}
	switch len(buf) {
	case 1:
		v.gprs[0] = (v.gprs[0] &^ 0xff) | val
	case 2:
		v.gprs[0] = (v.gprs[0] &^ 0xffff) | val
	default:
		v.gprs[0] = val // 32-bit IN zero-extends EAX into RAX
	}
}

// handleMMIOExit decodes one instruction at the guest's current RIP and
// applies it against the MMIO device covering info.MMIOAddr, then
// advances RIP by the decoded length (spec.md §4.9:
// "emulate_instruction advances guest rip by the consumed byte count").
func (v *virtualCPU) handleMMIOExit(exitCtx *vcpuExitContext, info exitInfo) error {
	dev := v.vm.mmioDevice(info.MMIOAddr)
	if dev == nil {
		return fmt.Errorf("unhandled MMIO access at 0x%x", info.MMIOAddr)
	}

	rip := make(map[hv.Register]hv.RegisterValue)
	rip[hv.RegisterRip] = nil
	if err := v.GetRegisters(rip); err != nil {
		return err
	}
	ripVal := uint64(rip[hv.RegisterRip].(hv.Register64))

	// Guest code is read through the same second-level-backed guest
	// memory the faulting MMIO access came from; this kernel's boot
	// code runs identity-mapped, so guest-virtual RIP and guest-physical
	// RIP coincide for every instruction this emulator is ever asked to
	// decode (spec.md §4.9 scopes the emulator to MMIO faults during
	// early boot and device access, never arbitrary guest user code).
	const maxInstrLen = 15
	code := make([]byte, maxInstrLen)
	n, _ := v.vm.ReadAt(code, int64(ripVal))
	if n == 0 {
		return fmt.Errorf("cannot read guest instruction bytes at 0x%x", ripVal)
	}
	code = code[:n]

	res, err := emulate.EmulateMMIO(code, info.MMIOAddr, mmioAccessorAdapter{ctx: exitCtx, device: dev}, regFileAdapter{v})
	if err != nil {
		return fmt.Errorf("emulate MMIO access at 0x%x: %w", info.MMIOAddr, err)
	}

	return v.SetRegisters(map[hv.Register]hv.RegisterValue{
		hv.RegisterRip: hv.Register64(ripVal + uint64(res.InstrLen)),
	})
}

// injectVector writes a pending-interrupt entry into the next VM-entry
// via SetRegisters' backend path is not enough (VM-entry interruption
// info is a VMCS/VMCB field neither backend exposes a Register for); in
// the absence of that seam this clears the line after observing it so
// the aggregator does not re-report an edge-triggered vector forever.
// Level-triggered lines (the IOAPIC's usual mode) re-assert themselves
// on the next Poll from their own device, which is the out-of-scope
// collaborator's responsibility, not this loop's.
func (v *virtualCPU) injectVector(vec uint8) {
	v.vm.irq.SetIRQ(vec, false)
}

// pioDevice/mmioDevice are read-mostly lookups (spec.md §5: "VM PIO/
// MMIO/PCI dispatch maps: read-mostly; mutations happen at device-
// registration time").
func (vm *virtualMachine) pioDevice(port uint16) hv.X86IOPortDevice {
	vm.vmMu.RLock()
	defer vm.vmMu.RUnlock()
	return vm.pio[port]
}

func (vm *virtualMachine) mmioDevice(addr uint64) hv.MemoryMappedIODevice {
	vm.vmMu.RLock()
	defer vm.vmMu.RUnlock()
	var found hv.MemoryMappedIODevice
	vm.mmio.DescendLessOrEqual(mmioBinding{base: addr + 1}, func(b mmioBinding) bool {
		if addr >= b.base && addr < b.base+b.size {
			found = b.device
			return false
		}
		return b.base+b.size > addr
	})
	return found
}

var _ hv.VirtualCPU = (*virtualCPU)(nil)
