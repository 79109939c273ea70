package native

import (
	"github.com/lunakernel/luna/internal/chipset"
	"github.com/lunakernel/luna/internal/hv"
)

// chipsetDevice adapts a fully built *chipset.Chipset — the kernel's
// static motherboard device set assembled once at boot through
// chipset.ChipsetBuilder (PIC, PIT, RTC, serial, PCI host bridge) —
// into the single hv.Device this package's AddDevice already knows how
// to fold into its PIO/MMIO dispatch fabric, so a virtualMachine
// carries one registration for the whole board instead of one call per
// constituent device. PCI-config-space devices and anything hot-
// plugged after boot still go through AddDevice/AddPCIDevice directly;
// those are outside what ChipsetBuilder assembles.
type chipsetDevice struct {
	cs *chipset.Chipset
}

// AdaptChipset wraps cs so it can be passed to virtualMachine.AddDevice.
// Init starts the chipset's devices (spec.md §9's boot sequence calls
// this once the VM's memory and vCPUs exist).
func AdaptChipset(cs *chipset.Chipset) hv.Device {
	return chipsetDevice{cs: cs}
}

func (d chipsetDevice) Init(vm hv.VirtualMachine) error { return d.cs.Start() }

func (d chipsetDevice) IOPorts() []uint16 { return d.cs.PIOPorts() }

func (d chipsetDevice) ReadIOPort(ctx hv.ExitContext, port uint16, data []byte) error {
	return d.cs.HandlePIO(ctx, port, data, false)
}

func (d chipsetDevice) WriteIOPort(ctx hv.ExitContext, port uint16, data []byte) error {
	return d.cs.HandlePIO(ctx, port, data, true)
}

func (d chipsetDevice) MMIORegions() []hv.MMIORegion { return d.cs.MMIORegionsList() }

func (d chipsetDevice) ReadMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	return d.cs.HandleMMIO(ctx, addr, data, false)
}

func (d chipsetDevice) WriteMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	return d.cs.HandleMMIO(ctx, addr, data, true)
}

var (
	_ hv.Device               = chipsetDevice{}
	_ hv.X86IOPortDevice      = chipsetDevice{}
	_ hv.MemoryMappedIODevice = chipsetDevice{}
)
