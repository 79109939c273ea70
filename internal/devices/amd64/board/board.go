// Package board assembles the fixed set of legacy PC-compatible devices
// Luna boots against — PIC, PIT, RTC, the reset and power-management
// ports, the IO-APIC, a PS/2 keyboard controller, both the legacy and
// ECAM PCI host bridges, an HPET, a 16550 serial port, and an optional
// MMIO debug UART — into one chipset.Chipset, the way a real motherboard
// wires discrete chips onto a shared bus. internal/devices/amd64/chipset,
// internal/devices/amd64/pci, internal/devices/pci, internal/devices/serial,
// internal/devices/amd64/input and internal/devices/hpet each emulate one
// chip; this package is their assembly step, and also where the PCI
// functions those bridges expose get walked into internal/driverbus the
// way a real boot path would probe its bus before binding drivers.
package board

import (
	"fmt"
	"io"

	"github.com/lunakernel/luna/internal/chipset"
	amd64chipset "github.com/lunakernel/luna/internal/devices/amd64/chipset"
	amd64input "github.com/lunakernel/luna/internal/devices/amd64/input"
	amd64pci "github.com/lunakernel/luna/internal/devices/amd64/pci"
	amd64serial "github.com/lunakernel/luna/internal/devices/amd64/serial"
	"github.com/lunakernel/luna/internal/devices/hpet"
	ecampci "github.com/lunakernel/luna/internal/devices/pci"
	mmioserial "github.com/lunakernel/luna/internal/devices/serial"
	"github.com/lunakernel/luna/internal/driverbus"
	"github.com/lunakernel/luna/internal/hv"
)

// comPort1 is the legacy COM1 base port, where Luna's serial console
// lives.
const comPort1 uint16 = 0x3F8

// comPort1IRQ is the legacy ISA IRQ line COM1 is wired to.
const comPort1IRQ uint8 = 4

// keyboardIRQ is the legacy ISA IRQ line the i8042 keyboard port is wired
// to.
const keyboardIRQ uint8 = 1

// ecamBase is the guest-physical base of the ECAM-style PCI config space
// window this board exposes alongside the legacy 0xCF8/0xCFC front end.
// Real PCs typically place MCFG somewhere below 4GB and above the PCI
// hole; Luna has no MCFG table to source this from yet, so it is fixed
// here the same way comPort1 is.
const ecamBase uint64 = 0xE0000000

// mmioSerialBase is the guest-physical base of the optional MMIO debug
// UART, distinct from the port-IO COM1 console.
const mmioSerialBase uint64 = 0xFE000000

// mmioSerialGSI is the global system interrupt the MMIO debug UART
// raises directly against the VM, bypassing the 8259 PIC entirely the
// way a modern IOAPIC-routed device would.
const mmioSerialGSI uint32 = 5

// Config describes the addresses and streams this board's devices need,
// normally sourced from the MADT/HPET tables internal/acpi discovered at
// boot rather than hardcoded here.
type Config struct {
	// IOAPICEntries is the number of redirection entries the IO-APIC
	// exposes, taken from the MADT's IO-APIC enumeration.
	IOAPICEntries int

	// HPETAddress is the physical MMIO base the HPET table reported. A
	// zero value omits the HPET device entirely.
	HPETAddress uint64

	SerialOut io.Writer
	SerialIn  io.Reader

	// MMIOSerialOut, if non-nil, stands up a second, MMIO-mapped debug
	// console independent of the port-IO COM1 device.
	MMIOSerialOut io.Writer
}

// Board holds the constructed devices so callers can reach into one of
// them directly (tests poke the PIT's gate, a debugger reads the RTC)
// without walking the opaque chipset.Chipset dispatch tables.
type Board struct {
	PIC      *amd64chipset.DualPIC
	PIT      *amd64chipset.PIT
	CMOS     *amd64chipset.CMOS
	Port61   *amd64chipset.Port61
	Reset    *amd64chipset.ResetControlPort
	PM       *amd64chipset.PM
	IOAPIC   *amd64chipset.IOAPIC
	Keyboard *amd64input.I8042
	PCI      *amd64pci.HostBridge
	ECAMPCI  *ecampci.HostBridge
	Serial   *amd64serial.Serial16550
	MMIOUART *mmioserial.UART8250MMIO
	HPET     *hpet.Device

	// Drivers is the PCI/USB driver registry matched against the PCI
	// fabric the two host bridges above expose.
	Drivers *driverbus.Registry

	// PCIBound lists the segment:bus:slot.function addresses EnumeratePCI bound a
	// driver to, across both the legacy and ECAM front ends.
	PCIBound []string
}

// Assemble constructs every device, initializes each against vm, and
// registers them with a chipset.ChipsetBuilder. Devices that implement
// hv.X86IOPortDevice or hv.MemoryMappedIODevice directly (everything but
// Serial, which is already chipset.ChipsetDevice-ready; the MMIO UART is
// one of them) are folded in through chipset.AdaptPortIODevice/AdaptMMIODevice. Once
// every device is registered, the PCI fabric is enumerated and matched
// against a host-bridge driver rule so the board's own root complexes are
// visible through internal/driverbus.
func Assemble(vm hv.VirtualMachine, cfg Config) (*Board, *chipset.Chipset, error) {
	b := &Board{PIC: amd64chipset.NewDualPIC()}
	b.PIT = amd64chipset.NewPIT(amd64chipset.IRQLineFunc(b.PIC.SetIRQ))
	b.CMOS = amd64chipset.NewCMOS(amd64chipset.IRQLineFunc(b.PIC.SetIRQ))
	b.Port61 = amd64chipset.NewPort61(b.PIT)
	b.Reset = amd64chipset.NewResetControlPort()
	b.PM = amd64chipset.NewPM()
	b.IOAPIC = amd64chipset.NewIOAPIC(cfg.IOAPICEntries)
	b.PCI = amd64pci.NewHostBridge()
	b.ECAMPCI = ecampci.NewHostBridge(ecampci.HostBridgeConfig{ConfigBase: ecamBase})

	b.Keyboard = amd64input.NewI8042()
	b.Keyboard.SetKeyboardIRQFromFunc(func(level bool) { b.PIC.SetIRQ(keyboardIRQ, level) })

	serialIRQ := chipset.LineInterruptFromFunc(func(level bool) { b.PIC.SetIRQ(comPort1IRQ, level) })
	b.Serial = amd64serial.NewSerial16550(comPort1, serialIRQ, cfg.SerialOut, cfg.SerialIn)

	if cfg.HPETAddress != 0 {
		b.HPET = hpet.New(cfg.HPETAddress, vm)
	}
	if cfg.MMIOSerialOut != nil {
		b.MMIOUART = mmioserial.NewUART8250MMIO(mmioSerialBase, 0, mmioSerialGSI, cfg.MMIOSerialOut)
	}

	builder := chipset.NewBuilder()

	portIODevices := map[string]hv.X86IOPortDevice{
		"pic":      b.PIC,
		"pit":      b.PIT,
		"cmos":     b.CMOS,
		"port61":   b.Port61,
		"reset":    b.Reset,
		"pm":       b.PM,
		"pci":      b.PCI,
		"keyboard": b.Keyboard,
	}
	for name, dev := range portIODevices {
		if err := dev.Init(vm); err != nil {
			return nil, nil, fmt.Errorf("board: init %s: %w", name, err)
		}
		if err := builder.RegisterDevice(name, chipset.AdaptPortIODevice(dev)); err != nil {
			return nil, nil, fmt.Errorf("board: register %s: %w", name, err)
		}
	}

	mmioDevices := map[string]hv.MemoryMappedIODevice{
		"ioapic":   b.IOAPIC,
		"pci-ecam": b.ECAMPCI,
	}
	if b.HPET != nil {
		mmioDevices["hpet"] = b.HPET
	}
	for name, dev := range mmioDevices {
		if err := dev.Init(vm); err != nil {
			return nil, nil, fmt.Errorf("board: init %s: %w", name, err)
		}
		if err := builder.RegisterDevice(name, chipset.AdaptMMIODevice(dev)); err != nil {
			return nil, nil, fmt.Errorf("board: register %s: %w", name, err)
		}
	}

	if err := b.Serial.Init(vm); err != nil {
		return nil, nil, fmt.Errorf("board: init serial: %w", err)
	}
	if err := builder.RegisterDevice("serial0", b.Serial); err != nil {
		return nil, nil, fmt.Errorf("board: register serial0: %w", err)
	}

	if b.MMIOUART != nil {
		if err := b.MMIOUART.Init(vm); err != nil {
			return nil, nil, fmt.Errorf("board: init serial-mmio: %w", err)
		}
		if err := builder.RegisterDevice("serial-mmio", chipset.AdaptMMIODevice(b.MMIOUART)); err != nil {
			return nil, nil, fmt.Errorf("board: register serial-mmio: %w", err)
		}
	}

	cs, err := builder.Build()
	if err != nil {
		return nil, nil, fmt.Errorf("board: build chipset: %w", err)
	}

	b.Drivers = driverbus.NewRegistry()
	if err := b.Drivers.Register(driverbus.DriverMatch{
		Kind:     driverbus.BusPCI,
		Class:    driverbus.PCIClass{Class: 0x06, Subclass: 0x00},
		HasClass: true,
		Probe: func(dev driverbus.Device) error {
			return nil
		},
	}); err != nil {
		return nil, nil, fmt.Errorf("board: register host-bridge driver match: %w", err)
	}
	b.PCIBound = append(b.PCIBound, driverbus.EnumeratePCI(b.PCI, b.Drivers, 0, 0, 0)...)
	b.PCIBound = append(b.PCIBound, driverbus.EnumeratePCI(b.ECAMPCI, b.Drivers, 0, 0, 0)...)

	return b, cs, nil
}
