// Package npt instantiates the generic paging.Context for AMD-V nested
// page tables: guest-physical to host-physical translation for AMD SVM
// guests, the second of the four parallel translation domains in spec.md.
package npt

import "github.com/lunakernel/luna/internal/paging"

const (
	bitPresent = 1 << 0
	bitWrite   = 1 << 1
	bitUser    = 1 << 2
	bitNX      = 1 << 63

	frameMask = 0x000F_FFFF_FFFF_F000
)

// invalidateASID is swapped out in tests; production wires it to
// `invlpga(asid, va)`.
var invalidateASID = func(asid uint16, va uint64) {}

// SetInvalidateHook installs the real invlpga primitive.
func SetInvalidateHook(fn func(asid uint16, va uint64)) { invalidateASID = fn }

// Ops implements paging.EntryOps for Npt. Its bit layout is identical to
// CpuPaging (spec.md §3); what differs is invalidation, which is keyed by
// ASID rather than a bare virtual address.
type Ops struct {
	NumLevels int
}

var _ paging.EntryOps = Ops{}

func (Ops) Present(e paging.Entry) bool { return uint64(e)&bitPresent != 0 }

func (Ops) Intermediate(child paging.PhysAddr, childLevel int) paging.Entry {
	return paging.Entry(uint64(child)&frameMask | bitPresent | bitWrite | bitUser)
}

func (Ops) Leaf(frame paging.PhysAddr, flags paging.Flags) paging.Entry {
	bits := uint64(frame)&frameMask | bitPresent
	if flags&paging.FlagWrite != 0 {
		bits |= bitWrite
	}
	if flags&paging.FlagUser != 0 {
		bits |= bitUser
	}
	if flags&paging.FlagExecute == 0 {
		bits |= bitNX
	}
	return paging.Entry(bits)
}

func (Ops) Frame(e paging.Entry) paging.PhysAddr {
	return paging.PhysAddr(uint64(e) & frameMask)
}

func (Ops) WithFlags(e paging.Entry, flags paging.Flags) paging.Entry {
	bits := uint64(e) & (frameMask | bitPresent)
	if flags&paging.FlagWrite != 0 {
		bits |= bitWrite
	}
	if flags&paging.FlagUser != 0 {
		bits |= bitUser
	}
	if flags&paging.FlagExecute == 0 {
		bits |= bitNX
	}
	return paging.Entry(bits)
}

func (o Ops) Invalidate(ctx *paging.Context, va paging.VirtAddr) {
	invalidateASID(ctx.ASID, uint64(va))
}

func (o Ops) Levels() int { return o.NumLevels }
