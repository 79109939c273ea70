package driverbus_test

import (
	"fmt"
	"testing"

	"github.com/lunakernel/luna/internal/driverbus"
)

type fakeDevice struct {
	loc   driverbus.PCILocation
	class driverbus.PCIClass
	usb   driverbus.USBIdentity
}

func (d fakeDevice) Location() driverbus.PCILocation    { return d.loc }
func (d fakeDevice) Class() driverbus.PCIClass          { return d.class }
func (d fakeDevice) USBIdentity() driverbus.USBIdentity { return d.usb }

func TestRegistryBindsByLocation(t *testing.T) {
	r := driverbus.NewRegistry()
	var bound bool
	loc := driverbus.PCILocation{Bus: 0, Slot: 2, Function: 0}
	if err := r.Register(driverbus.DriverMatch{
		Kind:        driverbus.BusPCI,
		Location:    loc,
		HasLocation: true,
		Probe:       func(driverbus.Device) error { bound = true; return nil },
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ok, err := r.Bind(driverbus.BusPCI, fakeDevice{loc: loc})
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if !ok || !bound {
		t.Fatalf("expected bind to fire, ok=%v bound=%v", ok, bound)
	}
}

func TestRegistryBindsByClass(t *testing.T) {
	r := driverbus.NewRegistry()
	class := driverbus.PCIClass{Class: 0x01, Subclass: 0x06, ProgIF: 0x01}
	var got driverbus.Device
	if err := r.Register(driverbus.DriverMatch{
		Kind:     driverbus.BusPCI,
		Class:    class,
		HasClass: true,
		Probe:    func(dev driverbus.Device) error { got = dev; return nil },
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	dev := fakeDevice{class: class}
	ok, err := r.Bind(driverbus.BusPCI, dev)
	if err != nil || !ok {
		t.Fatalf("Bind() = %v, %v", ok, err)
	}
	if got.Class() != class {
		t.Fatalf("probe received wrong device class %+v", got.Class())
	}
}

func TestRegistryNoMatch(t *testing.T) {
	r := driverbus.NewRegistry()
	if err := r.Register(driverbus.DriverMatch{
		Kind:     driverbus.BusPCI,
		Class:    driverbus.PCIClass{Class: 0x02},
		HasClass: true,
		Probe:    func(driverbus.Device) error { return nil },
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ok, err := r.Bind(driverbus.BusPCI, fakeDevice{class: driverbus.PCIClass{Class: 0x03}})
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if ok {
		t.Fatalf("expected no match for unrelated class")
	}
}

func TestRegistryFirstMatchWins(t *testing.T) {
	r := driverbus.NewRegistry()
	var order []string
	class := driverbus.PCIClass{Class: 0x0c, Subclass: 0x03}
	for _, name := range []string{"first", "second"} {
		name := name
		if err := r.Register(driverbus.DriverMatch{
			Kind:     driverbus.BusPCI,
			Class:    class,
			HasClass: true,
			Probe:    func(driverbus.Device) error { order = append(order, name); return nil },
		}); err != nil {
			t.Fatalf("Register(%s): %v", name, err)
		}
	}

	if _, err := r.Bind(driverbus.BusPCI, fakeDevice{class: class}); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if len(order) != 1 || order[0] != "first" {
		t.Fatalf("order = %v, want [first]", order)
	}
}

func TestRegisterRejectsEmptyMatch(t *testing.T) {
	r := driverbus.NewRegistry()
	err := r.Register(driverbus.DriverMatch{Probe: func(driverbus.Device) error { return nil }})
	if err == nil {
		t.Fatalf("expected error for a match with no identity fields")
	}
}

// ecamFake models an ECAM window where an absent slot reads back all
// ones, exactly like real unpopulated PCI config space.
type ecamFake map[[5]int]uint32

func (e ecamFake) ReadConfigDword(segment uint16, bus, slot, fn uint8, offset uint16) uint32 {
	key := [5]int{int(segment), int(bus), int(slot), int(fn), int(offset)}
	if v, ok := e[key]; ok {
		return v
	}
	return 0xffffffff
}

func TestEnumeratePCIBindsPresentFunctions(t *testing.T) {
	ecam := ecamFake{}
	// bus 0 slot 1 function 0: vendor 0x8086 device 0x1234, class 01/06/01 (IDE-ish AHCI).
	ecam[[5]int{0, 0, 1, 0, 0x00}] = 0x12348086
	ecam[[5]int{0, 0, 1, 0, 0x08}] = 0x01060100
	ecam[[5]int{0, 0, 1, 0, 0x0c}] = 0x00000000

	r := driverbus.NewRegistry()
	var boundLoc driverbus.PCILocation
	if err := r.Register(driverbus.DriverMatch{
		Kind:     driverbus.BusPCI,
		Class:    driverbus.PCIClass{Class: 0x01, Subclass: 0x06, ProgIF: 0x01},
		HasClass: true,
		Probe: func(dev driverbus.Device) error {
			boundLoc = dev.Location()
			return nil
		},
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	bound := driverbus.EnumeratePCI(ecam, r, 0, 0, 0)
	if len(bound) != 1 {
		t.Fatalf("bound = %v, want exactly one device", bound)
	}
	want := driverbus.PCILocation{Bus: 0, Slot: 1, Function: 0}
	if boundLoc != want {
		t.Fatalf("bound location = %+v, want %+v", boundLoc, want)
	}
	wantStr := fmt.Sprintf("%04x:%02x:%02x.%x", 0, 0, 1, 0)
	if bound[0] != wantStr {
		t.Fatalf("bound[0] = %q, want %q", bound[0], wantStr)
	}
}

func TestEnumeratePCISkipsAbsentSlots(t *testing.T) {
	ecam := ecamFake{} // every read returns all ones -> vendor 0xffff everywhere, so nothing should bind
	r := driverbus.NewRegistry()
	bound := driverbus.EnumeratePCI(ecam, r, 0, 0, 0)
	if len(bound) != 0 {
		t.Fatalf("bound = %v, want none", bound)
	}
}
