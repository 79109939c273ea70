// Package slpaging instantiates the generic paging.Context for Intel VT-d's
// second-level (device) page tables, the IOMMU's io-paging domain on Intel
// platforms, mirroring iopaging's role for AMD-Vi.
package slpaging

import "github.com/lunakernel/luna/internal/paging"

const (
	bitRead    = 1 << 0
	bitWrite   = 1 << 1
	bitExecute = 1 << 2

	extMemTypeShift = 3
	extMemTypeMask  = 0x7 << extMemTypeShift

	bitSnoop = 1 << 11

	frameMask = 0x000F_FFFF_FFFF_F000
)

// FlushIOTLB is called by the host after any mutation, same as AMD-Vi's
// equivalent in package iopaging: VT-d also requires an explicit IOTLB
// flush rather than self-invalidating.
var FlushIOTLB = func(domainID uint16) {}

func SetFlushHook(fn func(domainID uint16)) { FlushIOTLB = fn }

// flushCache writes back a table line from the CPU cache when the IOMMU is
// non-coherent (spec.md §4.2's SlPaging rule); production wires this to
// CLFLUSH.
var flushCache = func(addr uint64) {}

// SetCacheFlushHook installs the real cache-line-flush primitive, used only
// when Ops.NonCoherent is true.
func SetCacheFlushHook(fn func(addr uint64)) { flushCache = fn }

// Ops implements paging.EntryOps for SlPaging.
type Ops struct {
	NumLevels int
	DomainID  uint16
	// NonCoherent is true when the platform's VT-d unit does not snoop the
	// CPU cache, requiring every table write to be flushed explicitly.
	NonCoherent bool
}

var _ paging.EntryOps = Ops{}

func (Ops) Present(e paging.Entry) bool {
	return uint64(e)&(bitRead|bitWrite|bitExecute) != 0
}

func (o Ops) Intermediate(child paging.PhysAddr, childLevel int) paging.Entry {
	e := uint64(child)&frameMask | bitRead | bitWrite | bitExecute
	if o.NonCoherent {
		flushCache(uint64(child))
	}
	return paging.Entry(e)
}

func (o Ops) Leaf(frame paging.PhysAddr, flags paging.Flags) paging.Entry {
	bits := uint64(frame) & frameMask
	if flags&paging.FlagPresent != 0 {
		bits |= bitRead
	}
	if flags&paging.FlagWrite != 0 {
		bits |= bitWrite
	}
	if flags&paging.FlagExecute != 0 {
		bits |= bitExecute
	}
	if o.NonCoherent {
		bits |= bitSnoop
	}
	return paging.Entry(bits)
}

func (Ops) Frame(e paging.Entry) paging.PhysAddr {
	return paging.PhysAddr(uint64(e) & frameMask)
}

func (o Ops) WithFlags(e paging.Entry, flags paging.Flags) paging.Entry {
	bits := uint64(e) & (frameMask | extMemTypeMask | bitSnoop)
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
	// Same story as AMD-Vi: no per-address invalidation, host flushes the
	// IOTLB out of band via FlushIOTLB.
}

func (o Ops) Levels() int { return o.NumLevels }
