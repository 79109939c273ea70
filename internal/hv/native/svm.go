package native

import (
	"fmt"
	"unsafe"

	"github.com/lunakernel/luna/internal/hv"
)

// svmControlArea mirrors the first part of an AMD-V VMCB (Virtual
// Machine Control Block) that this backend actually reads or writes:
// intercept bitmaps are left zeroed (intercept everything not explicitly
// cleared) except the handful spec.md §4.9 needs to let through to the
// guest, plus exit-info and the nested-paging (NPT) control fields.
// Field offsets follow the AMD64 Architecture Programmer's Manual Vol.
// 2's VMCB layout.
type svmControlArea struct {
	interceptCR      uint32
	interceptDR      uint32
	interceptExc     uint32
	interceptMisc1   uint32
	interceptMisc2   uint32
	_                [0x3c]byte
	exitCode         uint64
	exitInfo1        uint64
	exitInfo2        uint64
	exitIntInfo      uint64
	_                [0x10]byte
	npEnable         uint64
	_                [0x10]byte
	eventInj         uint64
	ncr3             uint64
	_                [0x20]byte
}

// svmStateSaveArea mirrors the guest-visible register block VMRUN/
// VMSAVE/VMLOAD exchange; only the fields this backend's SetRegisters/
// GetRegisters exposes are modeled here.
type svmStateSaveArea struct {
	_      [0x58]byte
	cr0    uint64
	cr2    uint64
	cr3    uint64
	cr4    uint64
	_      [0x18]byte
	rflags uint64
	rip    uint64
	_      [0x58]byte
	rsp    uint64
}

const svmStateSaveAreaOffset = 0x400

// svmVMCB is the in-memory layout of one 4 KiB VMCB page.
type svmVMCB struct {
	ctrl  svmControlArea
	_     [svmStateSaveAreaOffset - unsafe.Sizeof(svmControlArea{})]byte
	state svmStateSaveArea
}

const (
	svmInterceptVMRUN = 1 << 0

	svmInterceptIOIO = 1 << 27 // within interceptMisc1
	svmInterceptHLT  = 1 << 24 // within interceptMisc1
	svmInterceptCPUID = 1 << 18

	svmExitCPUID       = 0x72
	svmExitHLT         = 0x78
	svmExitIOIO        = 0x7b
	svmExitNPF         = 0x400
	svmExitShutdown    = 0x7f
	svmExitVMRUNFailed = ^uint64(0)
)

// svmBackend drives one vCPU's SVM (AMD-V) context over a single VMCB
// page mapped at a kernel-virtual address; vmmap is the physical address
// VMRUN/VMSAVE/VMLOAD take (AMD's "implicit RAX" convention, same as
// vmrunAsm's signature says).
type svmBackend struct {
	vmcb     *svmVMCB
	vmcbPhys uint64
	regs     map[hv.Register]hv.RegisterValue
}

// newSVMBackend takes ownership of a zeroed VMCB page, already mapped at
// vmcbVirt / physically located at vmcbPhys, and programs the intercept
// bitmap with the handful of exits spec.md §4.9's VM loop classifies.
func newSVMBackend(vmcbVirt uintptr, vmcbPhys uint64) (*svmBackend, error) {
	if vmcbVirt == 0 || vmcbPhys == 0 {
		return nil, fmt.Errorf("native: svm backend requires a mapped VMCB page")
	}
	vmcb := (*svmVMCB)(unsafe.Pointer(vmcbVirt))
	*vmcb = svmVMCB{}
	vmcb.ctrl.interceptMisc1 = svmInterceptVMRUN | svmInterceptIOIO | svmInterceptHLT | svmInterceptCPUID
	return &svmBackend{vmcb: vmcb, vmcbPhys: vmcbPhys}, nil
}

func (b *svmBackend) SetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	for reg, val := range regs {
		v, ok := val.(hv.Register64)
		if !ok {
			return fmt.Errorf("native: svm SetRegisters: unsupported value for %s", reg)
		}
		switch reg {
		case hv.RegisterRip:
			b.vmcb.state.rip = uint64(v)
		case hv.RegisterRsp:
			b.vmcb.state.rsp = uint64(v)
		case hv.RegisterRflags:
			b.vmcb.state.rflags = uint64(v)
		case hv.RegisterCr0:
			b.vmcb.state.cr0 = uint64(v)
		case hv.RegisterCr3:
			b.vmcb.state.cr3 = uint64(v)
		case hv.RegisterCr4:
			b.vmcb.state.cr4 = uint64(v)
		default:
			if b.regs == nil {
				b.regs = make(map[hv.Register]hv.RegisterValue)
			}
			b.regs[reg] = val
		}
	}
	return nil
}

func (b *svmBackend) GetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	for reg := range regs {
		switch reg {
		case hv.RegisterRip:
			regs[reg] = hv.Register64(b.vmcb.state.rip)
		case hv.RegisterRsp:
			regs[reg] = hv.Register64(b.vmcb.state.rsp)
		case hv.RegisterRflags:
			regs[reg] = hv.Register64(b.vmcb.state.rflags)
		case hv.RegisterCr0:
			regs[reg] = hv.Register64(b.vmcb.state.cr0)
		case hv.RegisterCr3:
			regs[reg] = hv.Register64(b.vmcb.state.cr3)
		case hv.RegisterCr4:
			regs[reg] = hv.Register64(b.vmcb.state.cr4)
		default:
			if v, ok := b.regs[reg]; ok {
				regs[reg] = v
			}
		}
	}
	return nil
}

func (b *svmBackend) SetSecondLevel(rootPhysAddr uint64) {
	b.vmcb.ctrl.npEnable = 1
	b.vmcb.ctrl.ncr3 = rootPhysAddr
}

func (b *svmBackend) Enter() (exitInfo, error) {
	clgiAsm()
	vmloadAsm(b.vmcbPhys)
	vmrunAsm(b.vmcbPhys)
	vmsaveAsm(b.vmcbPhys)
	stgiAsm()

	switch b.vmcb.ctrl.exitCode {
	case svmExitHLT:
		return exitInfo{Reason: exitHLT}, nil
	case svmExitCPUID:
		return exitInfo{Reason: exitCPUID}, nil
	case svmExitShutdown:
		return exitInfo{Reason: exitShutdown}, nil
	case svmExitIOIO:
		info := b.vmcb.ctrl.exitInfo1
		ioInfo := exitInfo{
			Reason:  exitIO,
			IOPort:  uint16(info >> 16),
			IOWrite: info&0x1 == 0,
		}
		switch {
		case info&(1<<4) != 0:
			ioInfo.IOSize = 1
		case info&(1<<5) != 0:
			ioInfo.IOSize = 2
		case info&(1<<6) != 0:
			ioInfo.IOSize = 4
		default:
			ioInfo.IOSize = 1
		}
		return ioInfo, nil
	case svmExitNPF:
		return exitInfo{
			Reason:    exitMMIO,
			MMIOAddr:  b.vmcb.ctrl.exitInfo2,
			MMIOWrite: b.vmcb.ctrl.exitInfo1&(1<<1) != 0,
		}, nil
	case svmExitVMRUNFailed:
		return exitInfo{}, fmt.Errorf("native: VMRUN failed for VMCB at 0x%x", b.vmcbPhys)
	default:
		return exitInfo{Reason: exitUnknown}, nil
	}
}

var _ backend = (*svmBackend)(nil)
