package native

import (
	"fmt"

	"github.com/lunakernel/luna/internal/hv"
)

// vmcsField names the subset of the Intel SDM's VMCS encoding space this
// backend actually touches — enough to run a flat, long-mode guest and
// classify the handful of exit reasons virtualCPU.Run branches on. The
// full encoding space is in the thousands; spec.md §4.9 scopes the VM
// loop to PIO/MMIO/CPUID/MSR/HLT/shutdown/EPT-violation, so that is all
// this field list carries.
type vmcsField uint64

const (
	fieldGuestRIP      vmcsField = 0x681e
	fieldGuestRSP      vmcsField = 0x681c
	fieldGuestRFLAGS   vmcsField = 0x6820
	fieldGuestCR0      vmcsField = 0x6800
	fieldGuestCR3      vmcsField = 0x6802
	fieldGuestCR4      vmcsField = 0x6804
	fieldEPTPointer    vmcsField = 0x201a
	fieldExitReason    vmcsField = 0x4402
	fieldExitQual      vmcsField = 0x6400
	fieldGuestPhysAddr vmcsField = 0x2400
	fieldExitInstrLen  vmcsField = 0x440c
	fieldVMEntryIntInfo vmcsField = 0x4016
)

// vmxExitReason is the low 16 bits of fieldExitReason (bit 31 flags a
// VM-entry failure, which this backend surfaces as an error instead).
type vmxExitReason uint16

const (
	vmxExitCPUID        vmxExitReason = 10
	vmxExitHLT          vmxExitReason = 12
	vmxExitIOInstr      vmxExitReason = 30
	vmxExitMSRRead      vmxExitReason = 31
	vmxExitMSRWrite     vmxExitReason = 32
	vmxExitEPTViolation vmxExitReason = 48
	vmxExitTripleFault  vmxExitReason = 2
)

// vmxBackend drives one vCPU's VMX (Intel VT-x) context: one VMCS region
// per vCPU, VMLAUNCH the first entry and VMRESUME thereafter (the VMCS
// "launched" flag the SDM requires software to track itself).
type vmxBackend struct {
	vmcsPhys   uint64
	launched   bool
	regs       map[hv.Register]hv.RegisterValue
	eptPointer uint64
}

// newVMXBackend takes ownership of a zeroed, 4 KiB-aligned physical page
// to use as this vCPU's VMCS region; the caller (virtualCPU construction)
// allocates it from the kernel heap/PMM the same way every other
// page-table-shaped structure in this tree is allocated.
func newVMXBackend(vmcsPhys uint64) (*vmxBackend, error) {
	if vmcsPhys == 0 {
		return nil, fmt.Errorf("native: vmx backend requires a non-zero VMCS region")
	}
	if vmclearAsm(vmcsPhys) == 0 {
		return nil, fmt.Errorf("native: VMCLEAR failed for VMCS at 0x%x", vmcsPhys)
	}
	if vmptrldAsm(vmcsPhys) == 0 {
		return nil, fmt.Errorf("native: VMPTRLD failed for VMCS at 0x%x", vmcsPhys)
	}
	return &vmxBackend{vmcsPhys: vmcsPhys}, nil
}

func vmwrite(field vmcsField, value uint64) error {
	if vmwriteAsm(uint64(field), value) == 0 {
		return fmt.Errorf("native: VMWRITE field 0x%x failed", field)
	}
	return nil
}

func vmread(field vmcsField) (uint64, error) {
	value, ok := vmreadAsm(uint64(field))
	if ok == 0 {
		return 0, fmt.Errorf("native: VMREAD field 0x%x failed", field)
	}
	return value, nil
}

func (b *vmxBackend) SetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	for reg, val := range regs {
		v, ok := val.(hv.Register64)
		if !ok {
			return fmt.Errorf("native: vmx SetRegisters: unsupported value for %s", reg)
		}
		field, ok := vmxGuestField(reg)
		if !ok {
			// General-purpose registers live in the host-saved scratch
			// area the assembly trampoline restores before VMLAUNCH/
			// VMRESUME, not in the VMCS itself; kept in Go-side state.
			if b.regs == nil {
				b.regs = make(map[hv.Register]hv.RegisterValue)
			}
			b.regs[reg] = val
			continue
		}
		if err := vmwrite(field, uint64(v)); err != nil {
			return err
		}
	}
	return nil
}

func (b *vmxBackend) GetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	for reg := range regs {
		field, ok := vmxGuestField(reg)
		if !ok {
			if v, ok := b.regs[reg]; ok {
				regs[reg] = v
			}
			continue
		}
		value, err := vmread(field)
		if err != nil {
			return err
		}
		regs[reg] = hv.Register64(value)
	}
	return nil
}

// vmxGuestField maps the subset of hv.Register that lives directly in
// the VMCS guest-state area. GPRs (RAX..R15) are not VMCS fields on VMX
// at all — they live in the guest-state save area the entry/exit
// trampoline swaps, tracked in b.regs here since this backend has no
// assembly trampoline of its own to own that memory.
func vmxGuestField(reg hv.Register) (vmcsField, bool) {
	switch reg {
	case hv.RegisterRip:
		return fieldGuestRIP, true
	case hv.RegisterRsp:
		return fieldGuestRSP, true
	case hv.RegisterRflags:
		return fieldGuestRFLAGS, true
	case hv.RegisterCr0:
		return fieldGuestCR0, true
	case hv.RegisterCr3:
		return fieldGuestCR3, true
	case hv.RegisterCr4:
		return fieldGuestCR4, true
	default:
		return 0, false
	}
}

func (b *vmxBackend) SetSecondLevel(rootPhysAddr uint64) {
	// EPTP bits 0-2 select memory type (6 = write-back) and bits 3-5 the
	// page-walk length minus one (3 for a 4-level EPT, matching this
	// kernel's internal/paging/ept.Ops.NumLevels).
	const (
		eptMemTypeWB   = 6
		eptWalkLenM1   = 3 << 3
	)
	b.eptPointer = rootPhysAddr | eptMemTypeWB | eptWalkLenM1
	_ = vmwrite(fieldEPTPointer, b.eptPointer)
}

func (b *vmxBackend) Enter() (exitInfo, error) {
	var ok uint8
	if !b.launched {
		ok = vmlaunchAsm()
		b.launched = ok != 0
	} else {
		ok = vmresumeAsm()
	}
	if ok == 0 {
		return exitInfo{}, fmt.Errorf("native: VMLAUNCH/VMRESUME failed for VMCS at 0x%x", b.vmcsPhys)
	}

	reasonField, err := vmread(fieldExitReason)
	if err != nil {
		return exitInfo{}, err
	}
	reason := vmxExitReason(reasonField & 0xffff)

	info := exitInfo{}
	switch reason {
	case vmxExitHLT:
		info.Reason = exitHLT
	case vmxExitCPUID:
		info.Reason = exitCPUID
	case vmxExitTripleFault:
		info.Reason = exitTripleFault
	case vmxExitIOInstr:
		qual, err := vmread(fieldExitQual)
		if err != nil {
			return exitInfo{}, err
		}
		info.Reason = exitIO
		info.IOPort = uint16((qual >> 16) & 0xffff)
		info.IOWrite = qual&(1<<3) == 0
		switch qual & 0x7 {
		case 0:
			info.IOSize = 1
		case 1:
			info.IOSize = 2
		case 3:
			info.IOSize = 4
		default:
			info.IOSize = 1
		}
	case vmxExitEPTViolation:
		addr, err := vmread(fieldGuestPhysAddr)
		if err != nil {
			return exitInfo{}, err
		}
		qual, err := vmread(fieldExitQual)
		if err != nil {
			return exitInfo{}, err
		}
		info.Reason = exitMMIO
		info.MMIOAddr = addr
		info.MMIOWrite = qual&(1<<1) != 0
	default:
		info.Reason = exitUnknown
	}
	return info, nil
}

var _ backend = (*vmxBackend)(nil)
