// Package ept instantiates the generic paging.Context for Intel VT-x's
// Extended Page Table: guest-physical to host-physical translation for
// Intel VMX guests, the third of the four parallel translation domains in
// spec.md.
package ept

import "github.com/lunakernel/luna/internal/paging"

const (
	bitRead    = 1 << 0
	bitWrite   = 1 << 1
	bitExecute = 1 << 2

	memTypeShift = 3
	memTypeMask  = 0x7 << memTypeShift

	frameMask = 0x000F_FFFF_FFFF_F000

	// MemTypeWriteBack is the default EPT memory type for ordinary guest
	// RAM mappings.
	MemTypeWriteBack = 6
)

// invalidateContext is swapped out in tests; production wires it to
// `invept` with the single-context variant, issued on every mutation
// (spec.md §4.2).
var invalidateContext = func(eptPointer uint64) {}

// SetInvalidateHook installs the real invept primitive.
func SetInvalidateHook(fn func(eptPointer uint64)) { invalidateContext = fn }

// Ops implements paging.EntryOps for Ept.
type Ops struct {
	NumLevels int
	// EPTPointer identifies this context's EPTP value for invept; it is
	// supplied by the VM runtime once the context's root is known.
	EPTPointer uint64
}

var _ paging.EntryOps = Ops{}

func (Ops) Present(e paging.Entry) bool {
	return uint64(e)&(bitRead|bitWrite|bitExecute) != 0
}

func (Ops) Intermediate(child paging.PhysAddr, childLevel int) paging.Entry {
	// Intermediate EPT entries must have R=W=X=1 (spec.md §4.2).
	return paging.Entry(uint64(child)&frameMask | bitRead | bitWrite | bitExecute)
}

func (Ops) Leaf(frame paging.PhysAddr, flags paging.Flags) paging.Entry {
	bits := uint64(frame)&frameMask | uint64(MemTypeWriteBack)<<memTypeShift
	if flags&paging.FlagPresent != 0 {
		bits |= bitRead
	}
	if flags&paging.FlagWrite != 0 {
		bits |= bitWrite
	}
	if flags&paging.FlagExecute != 0 {
		bits |= bitExecute
	}
	return paging.Entry(bits)
}

func (Ops) Frame(e paging.Entry) paging.PhysAddr {
	return paging.PhysAddr(uint64(e) & frameMask)
}

func (Ops) WithFlags(e paging.Entry, flags paging.Flags) paging.Entry {
	bits := uint64(e) & (frameMask | memTypeMask)
	if flags&paging.FlagPresent != 0 {
		bits |= bitRead
	}
	if flags&paging.FlagWrite != 0 {
		bits |= bitWrite
	}
	if flags&paging.FlagExecute != 0 {
		bits |= bitExecute
	}
	return paging.Entry(bits)
}

func (o Ops) Invalidate(ctx *paging.Context, va paging.VirtAddr) {
	invalidateContext(o.EPTPointer)
}

func (o Ops) Levels() int { return o.NumLevels }
