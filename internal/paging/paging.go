// Package paging implements Luna's generic multi-level page-table engine:
// one walk/map/unmap/protect/destroy algorithm shared by all four hardware
// address-translation domains named in spec.md (CPU paging, AMD nested
// paging, Intel EPT, and the IOMMU second-level/io-paging engines). Each
// domain supplies an EntryOps implementation describing its own entry bit
// layout and invalidation instruction; the walk itself never varies.
package paging

import "fmt"

// PhysAddr and VirtAddr are opaque 64-bit addresses. Canonical-form checks
// differ between 4-level and 5-level paging, so they are parameterized by
// the number of address bits rather than hardcoded to one split.
type PhysAddr uint64
type VirtAddr uint64

// entriesPerTable is fixed at 512 (9 index bits) across every engine this
// kernel instantiates; none of them use a different table fan-out.
const entriesPerTable = 512

// Entry is one 64-bit bit-packed page-table record. Its meaning is entirely
// defined by the owning Context's EntryOps; paging itself never interprets
// the bits directly.
type Entry uint64

// Table is one page-table page: 512 entries, always 4 KiB and always owned
// by exactly one Context.
type Table [entriesPerTable]Entry

// Flags is the common, engine-independent permission set from spec.md §4.2.
// Each EntryOps translates Flags into its own bit layout.
type Flags uint8

const (
	FlagPresent Flags = 1 << iota
	FlagWrite
	FlagExecute
	FlagUser
)

// TableStore is the memory backend a Context walks through: it allocates
// zeroed table frames, frees them, and exposes a live view of a table's 512
// entries. Production code implements TableStore over the kernel's direct
// physical map (phys_map_base + frame address); tests implement it over a
// plain Go map, which is what makes the shared walk algorithm checkable
// without real page tables.
type TableStore interface {
	Alloc() (PhysAddr, error)
	Free(PhysAddr)
	Table(PhysAddr) *Table
}

// EntryOps is the per-engine capability set from spec.md §9's Design Notes:
// present?, set, clear, permissions, frame, invalidate. CpuPaging, Npt, Ept,
// IoPaging and SlPaging each provide one; Context and the walker are
// generic over the interface value, not over a type parameter, matching
// this codebase's general preference for interface-based polymorphism.
type EntryOps interface {
	// Present reports whether e is a populated (non-absent) entry, using
	// whatever bits this engine treats as its presence test (P bit for
	// CpuPaging/Npt, R|W|X != 0 for Ept, an explicit present bit for
	// IoPaging/SlPaging).
	Present(e Entry) bool

	// Intermediate returns an entry pointing at a child table frame with
	// the most permissive access the engine allows for non-leaf entries.
	// childLevel is the paging level of the table child points at (spec.md
	// §4.2's IoPaging next_level field needs this; every other engine
	// ignores it).
	Intermediate(child PhysAddr, childLevel int) Entry

	// Leaf returns a populated leaf entry for frame with the given
	// engine-translated permission flags.
	Leaf(frame PhysAddr, flags Flags) Entry

	// Frame extracts the physical frame (next table, or leaf page) an
	// entry points at. The frame field means the same thing — "physical
	// address of the next table or leaf, right-shifted by 12" — in every
	// engine (spec.md §3).
	Frame(e Entry) PhysAddr

	// WithFlags rewrites only the permission bits of a leaf entry,
	// leaving its frame field untouched. Used by Protect.
	WithFlags(e Entry, flags Flags) Entry

	// Invalidate flushes any cached translation for va after ctx was
	// mutated. Engines differ sharply here: invlpg, invlpga(asid, va),
	// invept, or "the host must flush the IOTLB" for the IOMMU engines,
	// which defer the actual flush to their caller.
	Invalidate(ctx *Context, va VirtAddr)

	// Levels returns the page-table depth this engine walks: 3, 4 or 5.
	Levels() int
}

// Context is one instance of a translation engine with its own root table.
// A Context never shares tables with another Context; the root's physical
// address is stable for the Context's lifetime (spec.md §3).
type Context struct {
	Ops   EntryOps
	Store TableStore
	Root  PhysAddr

	// ASID is consulted only by engines (Npt) whose Invalidate implementation
	// needs it; engines that ignore it leave it zero.
	ASID uint16
}

// NewContext allocates an empty root table and returns a fresh Context for
// the given engine.
func NewContext(ops EntryOps, store TableStore) (*Context, error) {
	root, err := store.Alloc()
	if err != nil {
		return nil, fmt.Errorf("paging: allocate root table: %w", err)
	}
	return &Context{Ops: ops, Store: store, Root: root}, nil
}

// CanonicalSplitBit is the bit index at which the canonical-address sign
// extension starts: 47 in 4-level paging, 56 in 5-level paging (spec.md
// §3). Callers pick the split that matches the Context's Levels().
func CanonicalSplitBit(levels int) uint {
	if levels >= 5 {
		return 56
	}
	return 47
}

// Canonicalize sign-extends va from its canonical split bit, as required
// before using it as a CPU-visible virtual address.
func Canonicalize(va VirtAddr, levels int) VirtAddr {
	bit := CanonicalSplitBit(levels)
	if uint64(va)&(1<<bit) == 0 {
		return VirtAddr(uint64(va) &^ (^uint64(0) << (bit + 1)))
	}
	return VirtAddr(uint64(va) | (^uint64(0) << (bit + 1)))
}

// IsCanonical reports whether va is already in canonical form for the given
// paging depth.
func IsCanonical(va VirtAddr, levels int) bool {
	return va == Canonicalize(va, levels)
}

func indexFor(va VirtAddr, level int) int {
	shift := uint(9*(level-1) + 12)
	return int((uint64(va) >> shift) & 0x1FF)
}

// walk descends from the root toward level 1, optionally creating
// intermediate tables, and returns the leaf entry's table and index. It is
// the single algorithm shared by Map, Unmap, Protect and GetPhys (spec.md
// §4.2, step 1-3).
func (c *Context) walk(va VirtAddr, create bool) (*Table, int, error) {
	tbl := c.Store.Table(c.Root)
	for level := c.Ops.Levels(); level >= 2; level-- {
		idx := indexFor(va, level)
		entry := tbl[idx]

		if !c.Ops.Present(entry) {
			if !create {
				return nil, 0, errNotMapped
			}
			childFrame, err := c.Store.Alloc()
			if err != nil {
				return nil, 0, fmt.Errorf("paging: allocate intermediate table: %w", err)
			}
			tbl[idx] = c.Ops.Intermediate(childFrame, level-1)
			entry = tbl[idx]
		}

		tbl = c.Store.Table(c.Ops.Frame(entry))
	}

	return tbl, indexFor(va, 1), nil
}

var errNotMapped = fmt.Errorf("paging: address not mapped")

// Map establishes va -> pa with the given permission flags, creating any
// missing intermediate tables along the way, writes the frame, and
// invalidates the engine's cached translation for va.
func (c *Context) Map(pa PhysAddr, va VirtAddr, flags Flags) error {
	tbl, idx, err := c.walk(va, true)
	if err != nil {
		return fmt.Errorf("paging: map 0x%x: %w", va, err)
	}
	tbl[idx] = c.Ops.Leaf(pa, flags|FlagPresent)
	c.Ops.Invalidate(c, va)
	return nil
}

// Unmap clears the leaf mapping for va and returns the physical address it
// used to point to, or 0 if va was not mapped.
func (c *Context) Unmap(va VirtAddr) PhysAddr {
	tbl, idx, err := c.walk(va, false)
	if err != nil {
		return 0
	}
	entry := tbl[idx]
	if !c.Ops.Present(entry) {
		return 0
	}
	old := c.Ops.Frame(entry)
	tbl[idx] = 0
	c.Ops.Invalidate(c, va)
	return old
}

// Protect updates only the permission bits of va's leaf entry; the frame
// field is left unchanged. Returns an error if va is not currently mapped.
func (c *Context) Protect(va VirtAddr, flags Flags) error {
	tbl, idx, err := c.walk(va, false)
	if err != nil {
		return fmt.Errorf("paging: protect 0x%x: %w", va, err)
	}
	entry := tbl[idx]
	if !c.Ops.Present(entry) {
		return fmt.Errorf("paging: protect 0x%x: %w", va, errNotMapped)
	}
	tbl[idx] = c.Ops.WithFlags(entry, flags|FlagPresent)
	c.Ops.Invalidate(c, va)
	return nil
}

// MutateLeaf applies fn to va's current leaf entry and writes back the
// result, then invalidates va. It is the escape hatch engines use for bits
// paging.Flags does not model generically — CpuPaging's PAT/PCD/PWT caching
// bits being the motivating case (spec.md §4.4's Iovmm needs to override a
// host mapping's cache type without touching its permission bits).
func (c *Context) MutateLeaf(va VirtAddr, fn func(Entry) Entry) error {
	tbl, idx, err := c.walk(va, false)
	if err != nil {
		return fmt.Errorf("paging: mutate leaf 0x%x: %w", va, err)
	}
	entry := tbl[idx]
	if !c.Ops.Present(entry) {
		return fmt.Errorf("paging: mutate leaf 0x%x: %w", va, errNotMapped)
	}
	tbl[idx] = fn(entry)
	c.Ops.Invalidate(c, va)
	return nil
}

// GetPhys translates va to its physical address plus the page offset, or
// returns 0 if va is unmapped.
func (c *Context) GetPhys(va VirtAddr) PhysAddr {
	tbl, idx, err := c.walk(va, false)
	if err != nil {
		return 0
	}
	entry := tbl[idx]
	if !c.Ops.Present(entry) {
		return 0
	}
	offset := PhysAddr(uint64(va) & 0xFFF)
	return c.Ops.Frame(entry) | offset
}

// Destroy frees every intermediate table this Context allocated via a
// post-order traversal, then frees the root itself. Leaf frames (the
// mapped memory, as opposed to the tables describing it) are the caller's
// responsibility and are never touched here, since a Context does not own
// the memory it maps — only the tables that describe the mapping.
func (c *Context) Destroy() {
	c.destroyLevel(c.Root, c.Ops.Levels())
	c.Store.Free(c.Root)
}

func (c *Context) destroyLevel(frame PhysAddr, level int) {
	if level <= 1 {
		return
	}
	tbl := c.Store.Table(frame)
	for _, entry := range tbl {
		if !c.Ops.Present(entry) {
			continue
		}
		child := c.Ops.Frame(entry)
		if level > 2 {
			c.destroyLevel(child, level-1)
		}
		c.Store.Free(child)
	}
}
