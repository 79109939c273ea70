package paging_test

import (
	"testing"

	"github.com/lunakernel/luna/internal/paging"
	"github.com/lunakernel/luna/internal/paging/cpupaging"
	"github.com/lunakernel/luna/internal/paging/ept"
)

func newCPUContext(t *testing.T) (*paging.Context, *paging.MemStore) {
	t.Helper()
	store := paging.NewMemStore()
	ctx, err := paging.NewContext(cpupaging.Ops{NumLevels: 4}, store)
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	return ctx, store
}

func TestMapThenGetPhysRoundtrips(t *testing.T) {
	ctx, _ := newCPUContext(t)

	const pa = paging.PhysAddr(0x200000)
	const va = paging.VirtAddr(0xFFFF_FF00_0000_0000)

	if err := ctx.Map(pa, va, paging.FlagWrite); err != nil {
		t.Fatalf("Map: %v", err)
	}

	offsetVA := va + 0x123
	if got := ctx.GetPhys(offsetVA); got != pa+0x123 {
		t.Fatalf("GetPhys(va+0x123) = 0x%x, want 0x%x", got, pa+0x123)
	}
}

func TestMapUnmapRoundtrip(t *testing.T) {
	ctx, store := newCPUContext(t)

	const pa = paging.PhysAddr(0x200000)
	const va = paging.VirtAddr(0xFFFF_FF00_0000_0000)

	if err := ctx.Map(pa, va, paging.FlagWrite); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if got := ctx.GetPhys(va); got != pa {
		t.Fatalf("GetPhys after Map = 0x%x, want 0x%x", got, pa)
	}

	if old := ctx.Unmap(va); old != pa {
		t.Fatalf("Unmap returned 0x%x, want 0x%x", old, pa)
	}
	if got := ctx.GetPhys(va); got != 0 {
		t.Fatalf("GetPhys after Unmap = 0x%x, want 0", got)
	}

	// Intermediate tables remain allocated; only the leaf is cleared.
	liveBefore := store.Live()
	ctx.Destroy()
	if liveBefore == 0 {
		t.Fatalf("expected at least the root table to remain live before Destroy")
	}
	if store.Live() != 0 {
		t.Fatalf("Destroy left %d tables allocated, want 0", store.Live())
	}
}

func TestProtectChangesOnlyPermissions(t *testing.T) {
	ctx, _ := newCPUContext(t)

	const pa = paging.PhysAddr(0x300000)
	const va = paging.VirtAddr(0xFFFF_FF00_0010_0000)

	if err := ctx.Map(pa, va, paging.FlagWrite); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := ctx.Protect(va, paging.Flags(0)); err != nil {
		t.Fatalf("Protect: %v", err)
	}
	if got := ctx.GetPhys(va); got != pa {
		t.Fatalf("Protect changed the frame: got 0x%x, want 0x%x", got, pa)
	}
}

func TestProtectOnUnmappedAddressErrors(t *testing.T) {
	ctx, _ := newCPUContext(t)
	if err := ctx.Protect(paging.VirtAddr(0x1000), paging.FlagWrite); err == nil {
		t.Fatalf("expected an error protecting an unmapped address")
	}
}

func TestDestroyFreesExactlyAllocatedFrames(t *testing.T) {
	ctx, store := newCPUContext(t)

	// Three mappings spread across distinct PDs/PTs force multiple
	// intermediate tables to be allocated.
	vas := []paging.VirtAddr{
		0xFFFF_FF00_0000_0000,
		0xFFFF_FF00_4000_0000,
		0xFFFF_FF01_0000_0000,
	}
	for i, va := range vas {
		if err := ctx.Map(paging.PhysAddr(0x100000*(i+1)), va, paging.FlagWrite); err != nil {
			t.Fatalf("Map %d: %v", i, err)
		}
	}

	liveBeforeDestroy := store.Live()
	if liveBeforeDestroy < 2 {
		t.Fatalf("expected multiple intermediate tables, got %d live tables", liveBeforeDestroy)
	}

	ctx.Destroy()
	if store.Live() != 0 {
		t.Fatalf("Destroy left %d tables allocated, want 0", store.Live())
	}
}

func TestEptEngineRoundtrips(t *testing.T) {
	store := paging.NewMemStore()
	ctx, err := paging.NewContext(ept.Ops{NumLevels: 4}, store)
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}

	const pa = paging.PhysAddr(0x400000)
	const va = paging.VirtAddr(0x1000000)

	if err := ctx.Map(pa, va, paging.FlagWrite|paging.FlagExecute); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if got := ctx.GetPhys(va); got != pa {
		t.Fatalf("GetPhys = 0x%x, want 0x%x", got, pa)
	}
	if ctx.Unmap(va) != pa {
		t.Fatalf("Unmap did not return the mapped frame")
	}
	if ctx.GetPhys(va) != 0 {
		t.Fatalf("expected GetPhys to fail after Unmap")
	}
}
