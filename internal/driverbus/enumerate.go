package driverbus

import "fmt"

// ECAMReader reads 32-bit PCI configuration space words addressed by
// segment, bus, slot, function and offset, the way an MCFG-described ECAM
// window is laid out. Both emulated host bridges (internal/devices/pci and
// internal/devices/amd64/pci) implement it, so EnumeratePCI can walk the
// functions they expose.
type ECAMReader interface {
	ReadConfigDword(segment uint16, bus, slot, fn uint8, offset uint16) uint32
}

// pciDevice adapts one ECAM-addressed function to driverbus.Device so
// enumeration can call Registry.Bind directly on what it discovers.
type pciDevice struct {
	loc     PCILocation
	vendor  uint16
	device  uint16
	class   PCIClass
}

func (d pciDevice) Location() PCILocation    { return d.loc }
func (d pciDevice) Class() PCIClass          { return d.class }
func (d pciDevice) USBIdentity() USBIdentity { return USBIdentity{} }
func (d pciDevice) VendorID() uint16         { return d.vendor }
func (d pciDevice) DeviceID() uint16         { return d.device }

const pciInvalidVendor = 0xffff

// EnumeratePCI walks every (bus, slot, function) address the ECAM window
// covers, probing function 0 of each slot first and only continuing to
// functions 1-7 when it reports itself multi-function (header type bit
// 7), per the standard PCI enumeration algorithm. Each present function
// is matched against reg.
func EnumeratePCI(ecam ECAMReader, reg *Registry, segment uint16, busStart, busEnd uint8) []string {
	var bound []string
	for bus := int(busStart); bus <= int(busEnd); bus++ {
		for slot := 0; slot < 32; slot++ {
			functionCount := 1
			for fn := 0; fn < functionCount; fn++ {
				word0 := ecam.ReadConfigDword(segment, uint8(bus), uint8(slot), uint8(fn), 0x00)
				vendor := uint16(word0 & 0xffff)
				if vendor == pciInvalidVendor {
					continue
				}
				device := uint16(word0 >> 16)

				headerWord := ecam.ReadConfigDword(segment, uint8(bus), uint8(slot), uint8(fn), 0x0c)
				headerType := uint8(headerWord >> 16)
				if fn == 0 && headerType&0x80 != 0 {
					functionCount = 8
				}

				classWord := ecam.ReadConfigDword(segment, uint8(bus), uint8(slot), uint8(fn), 0x08)
				dev := pciDevice{
					loc:    PCILocation{Segment: segment, Bus: uint8(bus), Slot: uint8(slot), Function: uint8(fn)},
					vendor: vendor,
					device: device,
					class: PCIClass{
						ProgIF:   uint8(classWord >> 8),
						Subclass: uint8(classWord >> 16),
						Class:    uint8(classWord >> 24),
					},
				}

				if ok, err := reg.Bind(BusPCI, dev); ok && err == nil {
					bound = append(bound, dev.Location().string())
				}
			}
		}
	}
	return bound
}

func (l PCILocation) string() string {
	return fmt.Sprintf("%04x:%02x:%02x.%x", l.Segment, l.Bus, l.Slot, l.Function)
}
