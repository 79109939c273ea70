package native

import (
	"testing"

	"github.com/lunakernel/luna/internal/chipset"
	"github.com/lunakernel/luna/internal/hv"
)

type stubChipsetDevice struct {
	started bool
}

func (d *stubChipsetDevice) Init(hv.VirtualMachine) error { return nil }
func (d *stubChipsetDevice) Start() error                 { d.started = true; return nil }
func (d *stubChipsetDevice) Stop() error                  { return nil }
func (d *stubChipsetDevice) Reset() error                 { return nil }

func (d *stubChipsetDevice) SupportsPortIO() *chipset.PortIOIntercept {
	return &chipset.PortIOIntercept{Ports: []uint16{0x64}, Handler: d}
}
func (d *stubChipsetDevice) SupportsMmio() *chipset.MmioIntercept {
	return &chipset.MmioIntercept{
		Regions: []hv.MMIORegion{{Address: 0xfec00000, Size: 0x1000}},
		Handler: d,
	}
}
func (d *stubChipsetDevice) SupportsPollDevice() *chipset.PollDevice { return nil }

func (d *stubChipsetDevice) ReadIOPort(ctx hv.ExitContext, port uint16, data []byte) error {
	data[0] = 0x55
	return nil
}
func (d *stubChipsetDevice) WriteIOPort(ctx hv.ExitContext, port uint16, data []byte) error {
	return nil
}
func (d *stubChipsetDevice) ReadMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	return nil
}
func (d *stubChipsetDevice) WriteMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	return nil
}

func TestAdaptChipsetRegistersBuiltDispatchFabric(t *testing.T) {
	builder := chipset.NewBuilder()
	dev := &stubChipsetDevice{}
	if err := builder.RegisterDevice("stub", dev); err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}
	cs, err := builder.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	vm := New(Config{})
	if err := vm.AddDevice(AdaptChipset(cs)); err != nil {
		t.Fatalf("AddDevice(AdaptChipset): %v", err)
	}
	if !dev.started {
		t.Fatalf("expected AddDevice's Init to have started the chipset's devices")
	}

	pioHandler := vm.pio[0x64]
	if pioHandler == nil {
		t.Fatalf("expected port 0x64 to be registered via the adapted chipset")
	}

	var foundMMIO bool
	vm.mmio.Ascend(func(b mmioBinding) bool {
		if b.base == 0xfec00000 && b.size == 0x1000 {
			foundMMIO = true
			return false
		}
		return true
	})
	if !foundMMIO {
		t.Fatalf("expected MMIO region to be registered via the adapted chipset")
	}

	buf := make([]byte, 1)
	if err := pioHandler.ReadIOPort(nil, 0x64, buf); err != nil {
		t.Fatalf("ReadIOPort through adapter: %v", err)
	}
	if buf[0] != 0x55 {
		t.Fatalf("ReadIOPort returned 0x%x, want 0x55", buf[0])
	}
}
