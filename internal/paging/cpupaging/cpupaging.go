// Package cpupaging instantiates the generic paging.Context for the CPU's
// own page tables (4-level or 5-level long mode paging), the first of the
// four parallel translation domains named in spec.md.
package cpupaging

import "github.com/lunakernel/luna/internal/paging"

const (
	bitPresent = 1 << 0
	bitWrite   = 1 << 1
	bitUser    = 1 << 2
	bitPWT     = 1 << 3
	bitPCD     = 1 << 4
	bitPAT     = 1 << 7
	bitNX      = 1 << 63

	frameMask = 0x000F_FFFF_FFFF_F000
	cacheMask = bitPWT | bitPCD | bitPAT
)

// CacheMode selects a leaf entry's PAT/PCD/PWT encoding. Luna's PAT MSR is
// set up at boot so index 0 is the usual write-back type, index 4
// (PAT bit set, PCD/PWT clear) is write-combining, and PCD set alone is
// strong uncacheable — the same three-way split spec.md §4.4's Iovmm
// caller chooses between.
type CacheMode uint8

const (
	CacheWriteBack CacheMode = iota
	CacheUncacheable
	CacheWriteCombining
)

func cacheBits(mode CacheMode) uint64 {
	switch mode {
	case CacheUncacheable:
		return bitPCD
	case CacheWriteCombining:
		return bitPAT
	default:
		return 0
	}
}

// SetCaching overrides va's leaf cache-type bits without disturbing its
// permission bits, via paging.Context.MutateLeaf. Used by Iovmm to mark a
// DMA buffer uncacheable or write-combining after it has already been
// mapped read/write.
func SetCaching(ctx *paging.Context, va paging.VirtAddr, mode CacheMode) error {
	return ctx.MutateLeaf(va, func(e paging.Entry) paging.Entry {
		return paging.Entry(uint64(e)&^uint64(cacheMask) | cacheBits(mode))
	})
}

// invalidatePage is swapped out in tests; production wires it to the
// `invlpg` instruction via a small asm shim in internal/cpuinit.
var invalidatePage = func(va uint64) {}

// SetInvalidateHook lets boot code install the real `invlpg` primitive once
// the kernel is far enough along to execute privileged instructions.
func SetInvalidateHook(fn func(va uint64)) { invalidatePage = fn }

// Ops implements paging.EntryOps for CpuPaging.
type Ops struct {
	// NumLevels is 4 for legacy long-mode paging, 5 when LA57 is enabled
	// (spec.md §3's canonical-address split at bit 47 vs bit 56 follows
	// directly from this).
	NumLevels int
}

var _ paging.EntryOps = Ops{}

func (Ops) Present(e paging.Entry) bool { return uint64(e)&bitPresent != 0 }

func (Ops) Intermediate(child paging.PhysAddr, childLevel int) paging.Entry {
	// Intermediate entries are always maximally permissive; restrictions
	// apply only at the leaf (spec.md §3).
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
	bits := uint64(e) & (frameMask | bitPresent | cacheMask)
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

func (Ops) Invalidate(ctx *paging.Context, va paging.VirtAddr) {
	invalidatePage(uint64(va))
}

func (o Ops) Levels() int { return o.NumLevels }
