package heap

import "fmt"

// slabPageSize is the unit a SlabPool grows by. It matches pmm.FrameSize so
// a slab page can be backed by exactly one physical frame in production.
const slabPageSize = 0x1000

// SlabPool is a free-list allocator for one fixed object size. Freed cells
// store the address of the next free cell in their first 8 bytes — the
// classic intrusive free list — except the "pointer" is an offset into a
// Memory rather than a raw machine address, since Memory is the only thing
// this package is allowed to touch directly (see memory.go).
type SlabPool struct {
	mem         Memory
	objectSize  uint64
	objectAlign uint64

	// allocPage hands out the base address of a fresh slabPageSize page.
	// It is owned by the Heap that created this pool, not the pool
	// itself: every pool in a Heap's chain shares the same underlying
	// Memory, so page bases must come from one monotonic cursor across
	// all pools, or two pools can hand out overlapping addresses.
	allocPage func() (VirtAddr, error)

	freeHead VirtAddr
	pages    []VirtAddr
	inUse    int
}

// NewSlabPool creates a pool for objects of objectSize bytes aligned to
// align, rounded up so every cell can hold a free-list link and stays a
// multiple of its alignment. (size, align) is the pool's lookup key in the
// owning Heap's pools chain. allocPage is the Heap's shared page cursor;
// every pool of that Heap must be given the same one.
func NewSlabPool(mem Memory, objectSize, align uint64, allocPage func() (VirtAddr, error)) *SlabPool {
	if align == 0 {
		align = 8
	}
	effective := objectSize
	if effective < 8 {
		effective = 8
	}
	effective = alignUp(effective, align)
	effective = alignUp(effective, 8)
	return &SlabPool{mem: mem, objectSize: effective, objectAlign: align, allocPage: allocPage}
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

// ObjectSize returns the (rounded) size of objects this pool hands out.
func (p *SlabPool) ObjectSize() uint64 { return p.objectSize }

// Matches reports whether this pool is the right fit for a request of the
// given (size, align): its effective object size must already cover size,
// and its alignment must be a multiple of the request's.
func (p *SlabPool) Matches(size, align uint64) bool {
	if align == 0 {
		align = 8
	}
	return p.objectSize >= size && p.objectAlign%align == 0
}

// Owns reports whether addr was handed out by one of this pool's pages —
// used by Heap.Free to find which pool a pointer belongs to.
func (p *SlabPool) Owns(addr VirtAddr) bool {
	for _, base := range p.pages {
		if addr >= base && addr < base+slabPageSize {
			return true
		}
	}
	return false
}

// InUse returns the number of objects currently allocated from this pool.
func (p *SlabPool) InUse() int { return p.inUse }

func (p *SlabPool) growPage() error {
	base, err := p.allocPage()
	if err != nil {
		return fmt.Errorf("heap: slab pool: %w", err)
	}
	p.pages = append(p.pages, base)

	count := slabPageSize / p.objectSize
	for i := uint64(0); i < count; i++ {
		cell := base + VirtAddr(i*p.objectSize)
		next := VirtAddr(0)
		if i+1 < count {
			next = base + VirtAddr((i+1)*p.objectSize)
		}
		writeU64(p.mem, cell, uint64(next))
	}
	// Chain this page's last cell onto whatever was already free.
	last := base + VirtAddr((count-1)*p.objectSize)
	writeU64(p.mem, last, uint64(p.freeHead))
	p.freeHead = base
	return nil
}

// Alloc returns a zeroed object from the pool, growing it by one page if
// the free list is empty.
func (p *SlabPool) Alloc() (VirtAddr, error) {
	if p.freeHead == InvalidAddr {
		if err := p.growPage(); err != nil {
			return InvalidAddr, err
		}
	}
	cell := p.freeHead
	p.freeHead = VirtAddr(readU64(p.mem, cell))
	zeroFill(p.mem, cell, p.objectSize)
	p.inUse++
	return cell, nil
}

// Free returns addr to the pool's free list. addr must have come from a
// prior Alloc on this same pool; Free does not validate ownership, matching
// the teacher's heap code which trusts its caller (spec.md §4.3's "Non-goal:
// double-free detection").
func (p *SlabPool) Free(addr VirtAddr) {
	writeU64(p.mem, addr, uint64(p.freeHead))
	p.freeHead = addr
	p.inUse--
}
