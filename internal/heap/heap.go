package heap

import (
	"fmt"

	"github.com/lunakernel/luna/internal/ksync"
)

// Heap is Hmm: the two-tier allocator from spec.md §4.3. Requests below
// LargeThreshold are served by a chain of SlabPools keyed by (size, align);
// everything else goes to the large-allocation tier. All operations are
// serialized under a single IRQ-saving ticket lock because the heap is used
// from both thread and interrupt context.
type Heap struct {
	lock  ksync.IRQTicketLock
	mem   Memory
	pools []*SlabPool
	large *largeAllocator

	// slabBudget bytes starting at offset 0 are reserved for the slab
	// layer; the large allocator is given the remainder of mem so the
	// two tiers never collide. nextSlabPage is the single monotonic
	// cursor shared by every SlabPool in pools — pools must never
	// compute their own page bases, or two pools would both start
	// handing out page 0 of the same backing mem.
	slabBudget   uint64
	nextSlabPage VirtAddr
}

// New creates a Heap over mem. slabBudget bytes starting at offset 0 are
// reserved for the slab layer; the rest of mem backs large allocations.
// The slab region's first page is never handed out, so no allocation
// returns 0, the failure sentinel.
func New(mem Memory, slabBudget uint64) *Heap {
	return &Heap{
		mem:          mem,
		large:        newLargeAllocator(mem, VirtAddr(slabBudget)),
		slabBudget:   slabBudget,
		nextSlabPage: slabPageSize,
	}
}

// allocSlabPage hands the next slabPageSize page in the slab region to
// whichever SlabPool is growing. It is the one place page bases are
// computed, so every pool this Heap owns draws from the same cursor.
func (h *Heap) allocSlabPage() (VirtAddr, error) {
	base := h.nextSlabPage
	if uint64(base)+slabPageSize > h.slabBudget {
		return InvalidAddr, fmt.Errorf("heap: slab region exhausted its %d-byte budget", h.slabBudget)
	}
	h.nextSlabPage += slabPageSize
	return base, nil
}

// Alloc returns a zero-filled region of at least size bytes aligned to
// align (align must be a power of two; 0 means "word aligned").
func (h *Heap) Alloc(size, align uint64) (VirtAddr, error) {
	h.lock.Lock()
	defer h.lock.Unlock()

	if size >= LargeThreshold {
		addr, err := h.large.alloc(size)
		if err != nil {
			return InvalidAddr, fmt.Errorf("heap: alloc %d: %w", size, err)
		}
		return addr, nil
	}

	for _, p := range h.pools {
		if p.Matches(size, align) {
			return p.Alloc()
		}
	}

	pool := NewSlabPool(h.mem, size, align, h.allocSlabPage)
	addr, err := pool.Alloc()
	if err != nil {
		return InvalidAddr, fmt.Errorf("heap: alloc %d: %w", size, err)
	}
	h.pools = append(h.pools, pool)
	return addr, nil
}

// Free returns addr to whichever pool or large-alloc record owns it. Per
// spec.md §8, freeing a pointer this heap did not hand out is
// implementation-defined; this Heap treats it as a silent no-op rather than
// panicking, since a freestanding kernel heap cannot afford to crash on a
// caller bug it has no way to distinguish from memory corruption.
func (h *Heap) Free(addr VirtAddr) {
	h.lock.Lock()
	defer h.lock.Unlock()

	for _, p := range h.pools {
		if p.Owns(addr) {
			p.Free(addr)
			return
		}
	}
	if h.large.owns(addr) {
		h.large.free(addr)
	}
}

// Stats summarizes the heap's current composition, useful for diagnostics
// and tests.
type Stats struct {
	Pools       int
	LargeAllocs int
}

func (h *Heap) Stats() Stats {
	h.lock.Lock()
	defer h.lock.Unlock()
	return Stats{Pools: len(h.pools), LargeAllocs: len(h.large.records)}
}
