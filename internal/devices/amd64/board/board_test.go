package board

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/lunakernel/luna/internal/hv"
)

type fakeVM struct {
	mem  []byte
	irqs []uint32
}

func newFakeVM(size int) *fakeVM { return &fakeVM{mem: make([]byte, size)} }

func (f *fakeVM) MemoryBase() uint64               { return 0 }
func (f *fakeVM) MemorySize() uint64               { return uint64(len(f.mem)) }
func (f *fakeVM) Architecture() hv.CpuArchitecture { return hv.ArchitectureX86_64 }
func (f *fakeVM) VCPUCount() int                   { return 1 }
func (f *fakeVM) Close() error                     { return nil }

func (f *fakeVM) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || int(off)+len(p) > len(f.mem) {
		return 0, fmt.Errorf("offset out of range")
	}
	return copy(p, f.mem[off:]), nil
}

func (f *fakeVM) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || int(off)+len(p) > len(f.mem) {
		return 0, fmt.Errorf("offset out of range")
	}
	return copy(f.mem[off:], p), nil
}

func (f *fakeVM) SetIRQ(irqLine uint32, level bool) error {
	if level {
		f.irqs = append(f.irqs, irqLine)
	}
	return nil
}

func (f *fakeVM) VirtualCPUCall(int, func(hv.VirtualCPU) error) error {
	return fmt.Errorf("not implemented")
}

func (f *fakeVM) AddDevice(hv.Device) error { return fmt.Errorf("not implemented") }

func (f *fakeVM) AllocateMemory(physAddr, size uint64) (hv.MemoryRegion, error) {
	return nil, fmt.Errorf("not implemented")
}

func TestAssembleRegistersEveryLegacyDevice(t *testing.T) {
	vm := newFakeVM(4 << 20)
	var out bytes.Buffer

	b, cs, err := Assemble(vm, Config{
		IOAPICEntries: 24,
		HPETAddress:   0xFED00000,
		SerialOut:     &out,
		SerialIn:      bytes.NewReader(nil),
	})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if b.HPET == nil {
		t.Fatalf("expected HPET device to be constructed when HPETAddress is set")
	}

	for _, port := range []uint16{0x20, 0x40, 0x70, 0x61, 0x10, 0xCF8, 0x3F8, 0x60, 0x64} {
		if err := cs.HandlePIO(nil, port, make([]byte, 1), false); err != nil {
			t.Fatalf("port 0x%x not wired into chipset: %v", port, err)
		}
	}

	if err := cs.HandleMMIO(nil, ecamBase, make([]byte, 4), false); err != nil {
		t.Fatalf("ecam pci config space not wired into chipset: %v", err)
	}

	if len(b.PCIBound) < 2 {
		t.Fatalf("expected driverbus to bind both host bridges, got %v", b.PCIBound)
	}
}

func TestAssembleWiresMMIOSerialWhenConfigured(t *testing.T) {
	vm := newFakeVM(4 << 20)
	var out, mmioOut bytes.Buffer

	b, cs, err := Assemble(vm, Config{
		IOAPICEntries: 24,
		SerialOut:     &out,
		SerialIn:      bytes.NewReader(nil),
		MMIOSerialOut: &mmioOut,
	})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if b.MMIOUART == nil {
		t.Fatalf("expected MMIO UART to be constructed when MMIOSerialOut is set")
	}

	if err := cs.HandleMMIO(nil, mmioSerialBase, []byte{'x'}, true); err != nil {
		t.Fatalf("mmio serial not wired into chipset: %v", err)
	}
}

func TestAssembleWithoutHPETAddressOmitsDevice(t *testing.T) {
	vm := newFakeVM(4 << 20)
	var out bytes.Buffer

	b, _, err := Assemble(vm, Config{IOAPICEntries: 24, SerialOut: &out, SerialIn: bytes.NewReader(nil)})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if b.HPET != nil {
		t.Fatalf("expected no HPET device when HPETAddress is zero")
	}
}
