package paging

import (
	"fmt"

	"github.com/lunakernel/luna/internal/pmm"
)

// PmmAdapter adapts *pmm.Allocator to the FrameAllocator interface
// DirectStore needs, translating between pmm.Frame and PhysAddr at the
// boundary so paging's core algorithm never depends on the PMM's bitmap
// representation.
type PmmAdapter struct {
	Alloc *pmm.Allocator
}

func (a PmmAdapter) AllocBlockPhys() (PhysAddr, error) {
	f := a.Alloc.AllocBlock()
	if f == pmm.InvalidFrame {
		return 0, errOutOfFrames
	}
	return PhysAddr(f.Address()), nil
}

func (a PmmAdapter) FreeBlockPhys(p PhysAddr) {
	a.Alloc.FreeBlock(pmm.FrameFromAddress(uint64(p)))
}

var errOutOfFrames = fmt.Errorf("paging: frame allocator exhausted")
