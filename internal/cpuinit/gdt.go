package cpuinit

import "unsafe"

// segmentDescriptor is a single 8-byte GDT entry. Luna runs exclusively
// in 64-bit long mode, so the code/data descriptors only need the
// access byte and the long-mode (L) flag; base/limit are ignored by the
// CPU for anything but the TSS descriptor.
type segmentDescriptor uint64

func flatDescriptor(access, flags uint8) segmentDescriptor {
	var d uint64
	d |= uint64(access) << 40
	d |= uint64(flags&0xf) << 52
	return segmentDescriptor(d)
}

const (
	accessPresent   = 1 << 7
	accessCode      = 1<<4 | 1<<3
	accessData      = 1<<4 | 1<<1
	accessExec      = 1 << 3
	accessRW        = 1 << 1
	accessDPL0      = 0 << 5
	flagLongMode    = 1 << 1
	flagGranularity = 1 << 3
)

// GDTSelector values, fixed across every CPU so code loaded once can be
// shared: null, kernel code, kernel data, then a per-CPU TSS descriptor.
const (
	SelectorNull       = 0x00
	SelectorKernelCode = 0x08
	SelectorKernelData = 0x10
	SelectorTSS        = 0x18
)

// tssDescriptor is the 16-byte (two-slot) TSS system descriptor required
// in long mode, since a TSS base address no longer fits an 8-byte entry.
type tssDescriptor struct {
	lo uint64
	hi uint64
}

func newTSSDescriptor(base uint64, limit uint32) tssDescriptor {
	var lo uint64
	lo |= uint64(limit & 0xffff)
	lo |= (base & 0xffffff) << 16
	lo |= uint64(0x89) << 40 // present, DPL0, type=available 64-bit TSS
	lo |= uint64((limit>>16)&0xf) << 48
	lo |= ((base >> 24) & 0xff) << 56
	hi := base >> 32
	return tssDescriptor{lo: lo, hi: hi}
}

// GDT holds the flat descriptor table every CPU loads: null, kernel
// code, kernel data, and a TSS descriptor pointing at that CPU's own
// TSS (spec.md §4.7: "GDT ... with a per-CPU TSS descriptor").
type GDT struct {
	entries [3]segmentDescriptor
	tss     tssDescriptor
	table   [5]uint64 // entries[0..2] followed by the two TSS slots, contiguous for LGDT
}

// NewGDT builds a GDT bound to tss. The caller owns tss's lifetime; it
// must outlive every Load() of the returned GDT.
func NewGDT(tss *TSS) *GDT {
	g := &GDT{
		entries: [3]segmentDescriptor{
			0,
			flatDescriptor(accessPresent|accessCode|accessExec|accessRW|accessDPL0, flagLongMode),
			flatDescriptor(accessPresent|accessData|accessRW|accessDPL0, 0),
		},
	}
	base := uint64(uintptr(unsafe.Pointer(tss)))
	limit := uint32(unsafe.Sizeof(*tss)) - 1
	g.tss = newTSSDescriptor(base, limit)
	g.table[0] = uint64(g.entries[0])
	g.table[1] = uint64(g.entries[1])
	g.table[2] = uint64(g.entries[2])
	g.table[3] = g.tss.lo
	g.table[4] = g.tss.hi
	return g
}

// gdtDescriptor is the 10-byte pseudo-descriptor LGDT reads: a 16-bit
// limit followed by a 64-bit linear base address.
type gdtDescriptor struct {
	limit uint16
	base  uint64
}

// Load installs g as the active GDT with LGDT. It does not reload CS, SS
// or the data segment registers; they keep the selectors they held
// before the call.
func (g *GDT) Load() {
	desc := gdtDescriptor{
		limit: uint16(len(g.table)*8 - 1),
		base:  uint64(uintptr(unsafe.Pointer(&g.table[0]))),
	}
	lgdtAsm(uint64(uintptr(unsafe.Pointer(&desc))))
}

// TSSSelector returns the selector the just-loaded GDT assigned the TSS.
func (g *GDT) TSSSelector() uint16 {
	return SelectorTSS
}

// loadTSS loads the task register with the TSS selector, making the
// CPU honor TSS.RSP0/IST on the next privilege-level or exception entry.
func loadTSS(selector uint16) {
	ltrAsm(selector)
}
