package heap_test

import (
	"testing"

	"github.com/lunakernel/luna/internal/heap"
)

const testMemSize = 4 * 1024 * 1024

func newTestHeap() *heap.Heap {
	mem := heap.NewByteMemory(testMemSize)
	return heap.New(mem, testMemSize/2)
}

// TestSmallAllocationsAreDistinctAndSlabBacked exercises spec.md §8
// scenario 3: two same-size small allocations are distinct, 16-aligned,
// and (when they land in the same slab) exactly one object apart.
func TestSmallAllocationsAreDistinctAndSlabBacked(t *testing.T) {
	h := newTestHeap()

	p1, err := h.Alloc(32, 16)
	if err != nil {
		t.Fatalf("Alloc p1: %v", err)
	}
	p2, err := h.Alloc(32, 16)
	if err != nil {
		t.Fatalf("Alloc p2: %v", err)
	}

	if p1 == p2 {
		t.Fatalf("p1 == p2 == 0x%x, want distinct addresses", p1)
	}
	if uint64(p1)%16 != 0 || uint64(p2)%16 != 0 {
		t.Fatalf("p1=0x%x p2=0x%x not 16-aligned", p1, p2)
	}

	diff := int64(p2) - int64(p1)
	if diff != 32 && diff != -32 {
		t.Fatalf("p2 - p1 = %d, want +/-32 when sharing a slab", diff)
	}

	if stats := h.Stats(); stats.Pools != 1 {
		t.Fatalf("expected a single slab pool for same-sized requests, got %d", stats.Pools)
	}
}

// TestLargeAllocationIsPageAlignedAndRecordReused exercises spec.md §8
// scenario 4: an 8 KiB allocation is 4 KiB-aligned, and freeing then
// reallocating the same size reuses the large-alloc record.
func TestLargeAllocationIsPageAlignedAndRecordReused(t *testing.T) {
	h := newTestHeap()

	p, err := h.Alloc(8192, 16)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if uint64(p)%4096 != 0 {
		t.Fatalf("large alloc 0x%x is not 4 KiB-aligned", p)
	}
	if stats := h.Stats(); stats.LargeAllocs != 1 {
		t.Fatalf("expected 1 large-alloc record, got %d", stats.LargeAllocs)
	}

	h.Free(p)
	p2, err := h.Alloc(8192, 16)
	if err != nil {
		t.Fatalf("Alloc after free: %v", err)
	}
	if stats := h.Stats(); stats.LargeAllocs != 1 {
		t.Fatalf("expected the freed record to be reused, got %d records", stats.LargeAllocs)
	}
	_ = p2
}

func TestFreeThenAllocSameSlabCellIsReusable(t *testing.T) {
	h := newTestHeap()

	p1, err := h.Alloc(64, 8)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	h.Free(p1)

	p2, err := h.Alloc(64, 8)
	if err != nil {
		t.Fatalf("Alloc after Free: %v", err)
	}
	if p1 != p2 {
		t.Fatalf("expected Alloc after Free to reuse the freed cell: p1=0x%x p2=0x%x", p1, p2)
	}
}

func TestFreeingForeignPointerDoesNotPanic(t *testing.T) {
	h := newTestHeap()
	h.Free(heap.VirtAddr(0xDEAD_BEEF))
}

// TestDistinctSizedPoolsDoNotAliasPages guards against each SlabPool
// growing from its own page count instead of the Heap's shared cursor:
// a 32-byte request and a 64-byte request land in different pools, and
// writing through one must never be visible through the other.
func TestDistinctSizedPoolsDoNotAliasPages(t *testing.T) {
	mem := heap.NewByteMemory(testMemSize)
	h := heap.New(mem, testMemSize/2)

	small, err := h.Alloc(32, 16)
	if err != nil {
		t.Fatalf("Alloc small: %v", err)
	}
	big, err := h.Alloc(64, 16)
	if err != nil {
		t.Fatalf("Alloc big: %v", err)
	}

	if small == big {
		t.Fatalf("small (pool A) and big (pool B) aliased the same address 0x%x", small)
	}
	if stats := h.Stats(); stats.Pools != 2 {
		t.Fatalf("expected two distinct slab pools, got %d", stats.Pools)
	}

	pattern := []byte{0xAA, 0xAA, 0xAA, 0xAA}
	if _, err := mem.WriteAt(pattern, int64(small)); err != nil {
		t.Fatalf("write through small: %v", err)
	}
	other := make([]byte, len(pattern))
	if _, err := mem.ReadAt(other, int64(big)); err != nil {
		t.Fatalf("read through big: %v", err)
	}
	for _, b := range other {
		if b == 0xAA {
			t.Fatalf("big's cell at 0x%x was corrupted by small's write at 0x%x: pools alias", big, small)
		}
	}
}
