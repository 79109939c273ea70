// Package iopaging instantiates the generic paging.Context for the AMD-Vi
// IOMMU's device I/O page tables (AMD-Vi second-level/io-paging), the
// fourth of the four parallel translation domains in spec.md. It serves
// DMA-remapped device addresses rather than CPU or guest-physical ones.
package iopaging

import "github.com/lunakernel/luna/internal/paging"

const (
	bitPresent = 1 << 0
	bitRead    = 1 << 1
	bitWrite   = 1 << 2

	nextLevelShift = 9
	nextLevelMask  = 0x7 << nextLevelShift

	bitCoherent = 1 << 12

	frameMask = 0x000F_FFFF_FFFF_F000
)

// FlushIOTLB must be called by the host after any mutation: unlike the CPU
// and NPT/EPT engines, the AMD-Vi architecture does not self-invalidate —
// spec.md §3 says plainly "host must flush IOTLB". Invalidate here only
// marks the context dirty; the actual flush is the caller's responsibility
// (the Iovmm layer, which batches it across the allocation it just built).
var FlushIOTLB = func(deviceID uint16) {}

// SetFlushHook installs the real IOTLB-flush primitive for a given device.
func SetFlushHook(fn func(deviceID uint16)) { FlushIOTLB = fn }

// Ops implements paging.EntryOps for IoPaging.
type Ops struct {
	NumLevels int
	DeviceID  uint16
}

var _ paging.EntryOps = Ops{}

func (Ops) Present(e paging.Entry) bool { return uint64(e)&bitPresent != 0 }

func (Ops) Intermediate(child paging.PhysAddr, childLevel int) paging.Entry {
	bits := uint64(child)&frameMask | bitPresent | bitRead | bitWrite
	bits |= uint64(childLevel) << nextLevelShift
	return paging.Entry(bits)
}

func (Ops) Leaf(frame paging.PhysAddr, flags paging.Flags) paging.Entry {
	// Leaves always carry next_level = 0 and coherent = 1 (spec.md §4.2).
	bits := uint64(frame)&frameMask | bitPresent | bitRead | bitCoherent
	if flags&paging.FlagWrite != 0 {
		bits |= bitWrite
	}
	return paging.Entry(bits)
}

func (Ops) Frame(e paging.Entry) paging.PhysAddr {
	return paging.PhysAddr(uint64(e) & frameMask)
}

func (Ops) WithFlags(e paging.Entry, flags paging.Flags) paging.Entry {
	bits := uint64(e) & (frameMask | nextLevelMask | bitCoherent)
	bits |= bitPresent | bitRead
	if flags&paging.FlagWrite != 0 {
		bits |= bitWrite
	}
	return paging.Entry(bits)
}

func (o Ops) Invalidate(ctx *paging.Context, va paging.VirtAddr) {
	// No per-address invalidation instruction exists for this engine; the
	// host batches an IOTLB flush via FlushIOTLB instead.
}

func (o Ops) Levels() int { return o.NumLevels }
