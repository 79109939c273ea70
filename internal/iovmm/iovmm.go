// Package iovmm implements Iovmm, the per-device DMA arena from spec.md
// §4.4: a first-fit I/O virtual address space backed by the kernel heap,
// with host pages remapped to the caller's chosen cache type and mapped
// into the device's own IOMMU page tables.
package iovmm

import (
	"fmt"

	"github.com/lunakernel/luna/internal/heap"
	"github.com/lunakernel/luna/internal/paging"
	"github.com/lunakernel/luna/internal/paging/cpupaging"
)

// Direction governs the permission bits a DMA mapping gets in the device's
// IOMMU context: the device's own read/write capability into the buffer,
// not the CPU's.
type Direction uint8

const (
	// DeviceToHost: the device writes, the host reads. The device needs
	// write access only.
	DeviceToHost Direction = iota
	// HostToDevice: the host writes, the device reads.
	HostToDevice
	// Bidirectional: both directions, both permissions.
	Bidirectional
)

func (d Direction) ioFlags() paging.Flags {
	switch d {
	case DeviceToHost:
		return paging.FlagWrite
	case HostToDevice:
		return paging.FlagPresent
	default:
		return paging.FlagWrite | paging.FlagPresent
	}
}

// Region is a free extent of a device's I/O virtual address space.
type Region struct {
	Base uint64
	Len  uint64
}

// Allocation is a live DMA mapping: guest_base is the device-visible
// address, host_base is the kernel-virtual address of the same memory.
// heapBase is the address the same backing store was allocated at in the
// shared heap's own address space — distinct from HostBase, which is an
// offset into this arena's slice of kernel virtual space. Free must
// release heapBase, not HostBase: the heap's Alloc/Free pair only know
// about the former.
type Allocation struct {
	GuestBase uint64
	HostBase  uint64
	Len       uint64
	heapBase  heap.VirtAddr
}

const pageSize = 0x1000

func alignUp(v uint64) uint64 { return (v + pageSize - 1) &^ (pageSize - 1) }

// IOContext is the subset of paging.Context an Arena needs from the
// device's IOMMU translation domain (IoPaging for AMD-Vi, SlPaging for
// VT-d) — both satisfy this directly since Arena only ever Maps/Unmaps.
type IOContext interface {
	Map(pa paging.PhysAddr, va paging.VirtAddr, flags paging.Flags) error
	Unmap(va paging.VirtAddr) paging.PhysAddr
}

// Arena is one PCI device's DMA address space: a first-fit free list of
// Regions, backed by a shared kernel Heap for host-side storage and a
// per-device IOContext for the device-visible mapping.
type Arena struct {
	heap    *heap.Heap
	kernel  *paging.Context // CpuPaging, for cache-type override
	device  IOContext       // IoPaging or SlPaging
	free    []Region
	hostTop uint64 // bump pointer for this arena's slice of kernel virtual space
}

// NewArena creates an empty arena; callers push the device's available
// I/O virtual address ranges with AddRegion before calling Alloc.
func NewArena(hostHeap *heap.Heap, kernel *paging.Context, device IOContext, hostBase uint64) *Arena {
	return &Arena{heap: hostHeap, kernel: kernel, device: device, hostTop: hostBase}
}

// AddRegion pushes a free extent of the device's I/O virtual address space
// into the arena's free list.
func (a *Arena) AddRegion(r Region) {
	a.free = append(a.free, r)
}

// Alloc reserves len bytes (rounded up to a 4 KiB multiple) of device
// address space using the first free region with enough room, carving the
// low part of that region off. The backing memory comes from the shared
// heap, is remapped to the requested cache type in kernel space, zeroed,
// and mapped page-by-page into the device's IOMMU context with permission
// bits derived from direction. Returns the zero Allocation if no region is
// large enough or the heap is exhausted.
func (a *Arena) Alloc(size uint64, direction Direction, cache cpupaging.CacheMode) (Allocation, error) {
	length := alignUp(size)

	idx := -1
	for i, r := range a.free {
		if r.Len >= length {
			idx = i
			break
		}
	}
	if idx < 0 {
		return Allocation{}, fmt.Errorf("iovmm: no free region of at least %d bytes", length)
	}

	region := a.free[idx]
	guestBase := region.Base
	if region.Len == length {
		a.free = append(a.free[:idx], a.free[idx+1:]...)
	} else {
		a.free[idx] = Region{Base: region.Base + length, Len: region.Len - length}
	}

	hostBase, err := a.heap.Alloc(length, pageSize)
	if err != nil {
		a.free = append(a.free, region) // undo the carve; alloc failed downstream
		return Allocation{}, fmt.Errorf("iovmm: alloc backing store: %w", err)
	}

	hostVA := a.hostTop
	flags := direction.ioFlags()
	for off := uint64(0); off < length; off += pageSize {
		hostPhys := paging.PhysAddr(uint64(hostBase) + off)
		if err := a.kernel.Map(hostPhys, paging.VirtAddr(hostVA+off), paging.FlagWrite); err != nil {
			return Allocation{}, fmt.Errorf("iovmm: kernel map: %w", err)
		}
		if err := cpupaging.SetCaching(a.kernel, paging.VirtAddr(hostVA+off), cache); err != nil {
			return Allocation{}, fmt.Errorf("iovmm: set caching: %w", err)
		}
		if err := a.device.Map(hostPhys, paging.VirtAddr(guestBase+off), flags); err != nil {
			return Allocation{}, fmt.Errorf("iovmm: device map: %w", err)
		}
	}
	a.hostTop += length

	return Allocation{GuestBase: guestBase, HostBase: hostVA, Len: length, heapBase: hostBase}, nil
}

// Free unmaps alloc from the device's IOMMU context, releases its backing
// heap storage, and returns its device address range to the free list,
// merging one step with an adjacent free region on either side (spec.md
// §4.4: "further merging is not guaranteed").
func (a *Arena) Free(alloc Allocation) {
	for off := uint64(0); off < alloc.Len; off += pageSize {
		a.device.Unmap(paging.VirtAddr(alloc.GuestBase + off))
		a.kernel.Unmap(paging.VirtAddr(alloc.HostBase + off))
	}
	a.heap.Free(alloc.heapBase)

	freed := Region{Base: alloc.GuestBase, Len: alloc.Len}

	for i, r := range a.free {
		if r.Base+r.Len == freed.Base {
			a.free[i] = Region{Base: r.Base, Len: r.Len + freed.Len}
			return
		}
		if freed.Base+freed.Len == r.Base {
			a.free[i] = Region{Base: freed.Base, Len: freed.Len + r.Len}
			return
		}
	}
	a.free = append(a.free, freed)
}

// FreeRegions returns a copy of the arena's current free list, for tests
// and diagnostics.
func (a *Arena) FreeRegions() []Region {
	out := make([]Region, len(a.free))
	copy(out, a.free)
	return out
}
