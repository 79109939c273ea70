package acpi

import (
	"encoding/binary"
	"fmt"

	"github.com/lunakernel/luna/internal/hv"
)

// tableHeaderSize mirrors tableWriter.Append's 36-byte ACPI table header,
// the write-side layout every parser here has to invert byte for byte.
const tableHeaderSize = 36

// LocalAPICEntry is one MADT type-0 entry: a CPU's ACPI processor ID
// paired with its local APIC ID.
type LocalAPICEntry struct {
	ProcessorID uint8
	APICID      uint8
	Enabled     bool
}

// IOAPICEntry is one MADT type-1 entry.
type IOAPICEntry struct {
	ID      uint8
	Address uint32
	GSIBase uint32
}

// InterruptOverrideEntry is one MADT type-2 entry (legacy ISA IRQ rerouted
// to a different GSI).
type InterruptOverrideEntry struct {
	Bus       uint8
	SourceIRQ uint8
	GSI       uint32
	Flags     uint16
}

// MADT is the parsed view of an APIC (MADT) table body: everything
// internal/cpuinit and internal/driverbus need to enumerate CPUs and the
// IO-APIC without caring about the ACPI byte encoding.
type MADT struct {
	LAPICBase  uint32
	LocalAPICs []LocalAPICEntry
	IOAPICs    []IOAPICEntry
	Overrides  []InterruptOverrideEntry
}

// HPETTable is the parsed view of an HPET table body.
type HPETTable struct {
	Address uint64
}

const (
	madtEntryLocalAPIC   = 0
	madtEntryIOAPIC      = 1
	madtEntryISAOverride = 2
)

// ParseMADT decodes a MADT body in the exact layout buildMADTBody writes:
// a fixed LAPICBase/flags header, then a sequence of type-length-value
// entries.
func ParseMADT(body []byte) (MADT, error) {
	if len(body) < 8 {
		return MADT{}, fmt.Errorf("acpi: MADT body too short: %d bytes", len(body))
	}

	madt := MADT{LAPICBase: binary.LittleEndian.Uint32(body[0:4])}
	rest := body[8:]

	for len(rest) > 0 {
		if len(rest) < 2 {
			return MADT{}, fmt.Errorf("acpi: MADT entry truncated")
		}
		entryType := rest[0]
		length := int(rest[1])
		if length < 2 || length > len(rest) {
			return MADT{}, fmt.Errorf("acpi: MADT entry type %d has invalid length %d", entryType, length)
		}
		data := rest[2:length]

		switch entryType {
		case madtEntryLocalAPIC:
			if len(data) < 6 {
				return MADT{}, fmt.Errorf("acpi: MADT local APIC entry too short")
			}
			flags := binary.LittleEndian.Uint32(data[2:6])
			madt.LocalAPICs = append(madt.LocalAPICs, LocalAPICEntry{
				ProcessorID: data[0],
				APICID:      data[1],
				Enabled:     flags&1 != 0,
			})
		case madtEntryIOAPIC:
			if len(data) < 10 {
				return MADT{}, fmt.Errorf("acpi: MADT IO-APIC entry too short")
			}
			madt.IOAPICs = append(madt.IOAPICs, IOAPICEntry{
				ID:      data[0],
				Address: binary.LittleEndian.Uint32(data[2:6]),
				GSIBase: binary.LittleEndian.Uint32(data[6:10]),
			})
		case madtEntryISAOverride:
			if len(data) < 8 {
				return MADT{}, fmt.Errorf("acpi: MADT interrupt override entry too short")
			}
			madt.Overrides = append(madt.Overrides, InterruptOverrideEntry{
				Bus:       data[0],
				SourceIRQ: data[1],
				GSI:       binary.LittleEndian.Uint32(data[2:6]),
				Flags:     binary.LittleEndian.Uint16(data[6:8]),
			})
		}

		rest = rest[length:]
	}

	return madt, nil
}

// ParseHPET decodes an HPET body in the layout buildHPETBody writes; the
// register base address a timekeeping.Window maps is the only field the
// kernel needs out of it.
func ParseHPET(body []byte) (HPETTable, error) {
	if len(body) < 16 {
		return HPETTable{}, fmt.Errorf("acpi: HPET body too short: %d bytes", len(body))
	}
	return HPETTable{Address: binary.LittleEndian.Uint64(body[8:16])}, nil
}

// tableHeader is the decoded form of the 36-byte header every ACPI table
// written by tableWriter.Append carries.
type tableHeader struct {
	Signature string
	Length    uint32
}

func readTableHeader(raw []byte) (tableHeader, error) {
	if len(raw) < tableHeaderSize {
		return tableHeader{}, fmt.Errorf("acpi: table header truncated: %d bytes", len(raw))
	}
	length := binary.LittleEndian.Uint32(raw[4:8])
	if length < tableHeaderSize {
		return tableHeader{}, fmt.Errorf("acpi: table reports length %d shorter than its own header", length)
	}
	return tableHeader{Signature: string(raw[0:4]), Length: length}, nil
}

func readAt(vm hv.VirtualMachine, addr uint64, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := vm.ReadAt(buf, int64(addr)); err != nil {
		return nil, fmt.Errorf("acpi: read 0x%x: %w", addr, err)
	}
	return buf, nil
}

func readTable(vm hv.VirtualMachine, addr uint64) (tableHeader, []byte, error) {
	raw, err := readAt(vm, addr, tableHeaderSize)
	if err != nil {
		return tableHeader{}, nil, err
	}
	header, err := readTableHeader(raw)
	if err != nil {
		return tableHeader{}, nil, err
	}
	body, err := readAt(vm, addr+tableHeaderSize, int(header.Length)-tableHeaderSize)
	if err != nil {
		return tableHeader{}, nil, err
	}
	return header, body, nil
}

// FindTables walks RSDP -> XSDT -> table headers to locate the MADT and
// (if present) HPET table bodies, inverting the exact layout Install
// writes: a 36-byte RSDP with the XSDT physical address at offset 24, an
// XSDT whose body is a flat array of uint64 table pointers, and every
// pointed-to table carrying the same 36-byte header Append produces.
func FindTables(vm hv.VirtualMachine, rsdpBase uint64) (madtBody, hpetBody []byte, err error) {
	rsdp, err := readAt(vm, rsdpBase, 36)
	if err != nil {
		return nil, nil, err
	}
	if string(rsdp[0:8]) != "RSD PTR " {
		return nil, nil, fmt.Errorf("acpi: bad RSDP signature %q", rsdp[0:8])
	}
	xsdtAddr := binary.LittleEndian.Uint64(rsdp[24:32])

	xsdtHeader, xsdtBody, err := readTable(vm, xsdtAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("acpi: read XSDT: %w", err)
	}
	if xsdtHeader.Signature != "XSDT" {
		return nil, nil, fmt.Errorf("acpi: expected XSDT signature, got %q", xsdtHeader.Signature)
	}
	if len(xsdtBody)%8 != 0 {
		return nil, nil, fmt.Errorf("acpi: XSDT body length %d not a multiple of 8", len(xsdtBody))
	}

	for off := 0; off < len(xsdtBody); off += 8 {
		entryAddr := binary.LittleEndian.Uint64(xsdtBody[off : off+8])
		header, body, err := readTable(vm, entryAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("acpi: read table at 0x%x: %w", entryAddr, err)
		}
		switch header.Signature {
		case "APIC":
			madtBody = body
		case "HPET":
			hpetBody = body
		}
	}

	if madtBody == nil {
		return nil, nil, fmt.Errorf("acpi: no MADT (APIC) table present in XSDT")
	}
	return madtBody, hpetBody, nil
}

// Discover finds and parses the MADT (always present) and HPET (optional)
// tables rooted at rsdpBase. This is the consumption half of the ACPI
// package: Install writes these tables for a VMM serving a guest; Discover
// is what the kernel itself runs at boot to learn its own CPU/IOAPIC/HPET
// layout from them, per the same tables.
func Discover(vm hv.VirtualMachine, rsdpBase uint64) (MADT, *HPETTable, error) {
	madtBody, hpetBody, err := FindTables(vm, rsdpBase)
	if err != nil {
		return MADT{}, nil, err
	}
	madt, err := ParseMADT(madtBody)
	if err != nil {
		return MADT{}, nil, err
	}
	if hpetBody == nil {
		return madt, nil, nil
	}
	hpet, err := ParseHPET(hpetBody)
	if err != nil {
		return MADT{}, nil, err
	}
	return madt, &hpet, nil
}
