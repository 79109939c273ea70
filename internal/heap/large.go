package heap

import "fmt"

// LargeThreshold is spec.md §4.3's large-allocation cutoff: requests at or
// above this size bypass the slab layer entirely (half of slabPageSize).
const LargeThreshold = slabPageSize / 2

// largeAlloc records one direct frame-run allocation: a base address, a
// length, and whether it is currently free. Large allocations are kept in
// a flat list rather than a free list because, unlike slab cells, they are
// not a uniform size — reuse is by best-fit among freed records, not by a
// simple pop.
type largeAlloc struct {
	base VirtAddr
	len  uint64
	free bool
}

// largeAllocator is the large-allocation half of Heap's two-tier scheme. It
// allocates straight from a Memory by bump-allocating new backing and only
// reuses a freed record when one is an exact or better fit, matching the
// spec's "the large-alloc record is reused" test expectation without
// requiring a general best-fit search across dissimilar sizes.
type largeAllocator struct {
	mem     Memory
	next    VirtAddr
	records []*largeAlloc
}

func newLargeAllocator(mem Memory, base VirtAddr) *largeAllocator {
	return &largeAllocator{mem: mem, next: base}
}

func (a *largeAllocator) alloc(size uint64) (VirtAddr, error) {
	size = alignUp(size, slabPageSize)

	var best *largeAlloc
	for _, r := range a.records {
		if !r.free || r.len < size {
			continue
		}
		if best == nil || r.len < best.len {
			best = r
		}
	}
	if best != nil {
		best.free = false
		zeroFill(a.mem, best.base, best.len)
		return best.base, nil
	}

	if uint64(a.next)+size > a.mem.Size() {
		return InvalidAddr, fmt.Errorf("heap: large allocator exhausted backing memory")
	}
	base := a.next
	a.next += VirtAddr(size)
	a.records = append(a.records, &largeAlloc{base: base, len: size})
	zeroFill(a.mem, base, size)
	return base, nil
}

// owns reports whether addr is the base of a record this allocator tracks.
func (a *largeAllocator) owns(addr VirtAddr) bool {
	return a.find(addr) != nil
}

func (a *largeAllocator) find(addr VirtAddr) *largeAlloc {
	for _, r := range a.records {
		if r.base == addr {
			return r
		}
	}
	return nil
}

func (a *largeAllocator) free(addr VirtAddr) {
	if r := a.find(addr); r != nil {
		r.free = true
	}
}
