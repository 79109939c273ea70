// Package native is Luna's VMX/SVM vCPU backend (spec.md §4.9): it
// implements hv.VirtualMachine/hv.VirtualCPU the way the teacher's
// internal/hv/kvm implements them against /dev/kvm, except every
// operation that KVM does by issuing an ioctl into the host kernel is
// instead a direct VMX (VMLAUNCH/VMRESUME/VMREAD/VMWRITE/VMCLEAR) or SVM
// (VMRUN) instruction issued from Luna's own kernel context — there is
// no host underneath a freestanding kernel to ioctl into.
//
// backend is chosen once per boot by CPU vendor (internal/cpuinit.Vendor):
// vmxBackend on Intel, svmBackend on AMD. Both satisfy the same narrow
// interface so virtualCPU.Run never branches on vendor itself, mirroring
// how the teacher's kvm_amd64.go/kvm_arm64.go share one virtualCPU.Run
// shape across architectures by varying only the exit-classification
// switch.
package native

import "github.com/lunakernel/luna/internal/hv"

// exitReason classifies why a backend's Enter returned control to Go,
// collapsing the much larger VMX/SVM exit-reason encodings down to the
// cases virtualCPU.Run actually branches on (mirrors kvm_amd64.go's
// kvmExitReason switch).
type exitReason int

const (
	exitUnknown exitReason = iota
	exitHLT
	exitIO
	exitMMIO
	exitShutdown
	exitTripleFault
	exitCPUID
)

// exitInfo carries the decoded fields a classified exit needs. Only the
// fields relevant to Reason are populated, matching the teacher's
// per-reason exit-data union (kvmExitIoData/kvmExitMMIOData) collapsed
// into one Go struct since there is no C union to mirror here.
type exitInfo struct {
	Reason exitReason

	IOPort  uint16
	IOSize  int
	IOWrite bool
	IOData  []byte

	MMIOAddr  uint64
	MMIOWrite bool
	MMIOData  []byte

	CPUIDLeaf    uint32
	CPUIDSubleaf uint32
}

// backend drives one vCPU's hardware-virtualization context: register
// access plus the VM-entry/VM-exit primitive itself. virtualCPU.Run owns
// the exit-classification and device-dispatch loop; backend owns nothing
// but talking to VMX/SVM.
type backend interface {
	SetRegisters(regs map[hv.Register]hv.RegisterValue) error
	GetRegisters(regs map[hv.Register]hv.RegisterValue) error

	// SetEPTPointer/SetNPTPointer install the second-level translation
	// root (spec.md §4.9's EPT/NPT paging.Context) that guest physical
	// addresses resolve through; each backend only implements the one
	// that applies to it, the other a no-op, so virtualCPU can call a
	// single SetSecondLevel without a vendor switch.
	SetSecondLevel(rootPhysAddr uint64)

	// Enter runs the guest until the next VM-exit and returns it
	// classified. A non-nil error means the backend itself failed (e.g.
	// VMLAUNCH consistency-check failure), distinct from a guest fault
	// that a classified exitInfo already describes.
	Enter() (exitInfo, error)
}
