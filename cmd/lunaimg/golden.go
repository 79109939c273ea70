package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/lunakernel/luna/internal/acpi"
	"github.com/lunakernel/luna/internal/bootmap"
	"github.com/lunakernel/luna/internal/chipset"
	"github.com/lunakernel/luna/internal/cpuinit"
	"github.com/lunakernel/luna/internal/devices/amd64/board"
	"github.com/lunakernel/luna/internal/hv/native"
	"github.com/lunakernel/luna/internal/paging"
	"github.com/lunakernel/luna/internal/paging/cpupaging"
	"github.com/lunakernel/luna/internal/pmm"
	"github.com/lunakernel/luna/internal/timekeeping"
)

// runFixtures drives the scenario through the same bootmap/pmm/paging
// packages the kernel links, then either writes the resulting trace as a
// golden fixture (update) or compares it against one already on disk
// (regression check). This is the host-side half of the kernel core's
// regression testing story (spec.md §7): the kernel's own _test.go files
// exercise pmm/paging against hand-built inputs, this command exercises
// them against externally-authored scenarios no _test.go enumerates.
func runFixtures(ctx context.Context, scenarioPath, outDir string, update bool) error {
	s, err := loadScenario(scenarioPath)
	if err != nil {
		return err
	}
	info, err := s.toBootInfo()
	if err != nil {
		return err
	}

	trace, err := traceScenario(info)
	if err != nil {
		return fmt.Errorf("trace scenario %s: %w", s.Name, err)
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("create fixture dir: %w", err)
	}
	goldenPath := filepath.Join(outDir, s.Name+".golden")

	if update {
		return os.WriteFile(goldenPath, trace, 0o644)
	}

	want, err := os.ReadFile(goldenPath)
	if err != nil {
		return fmt.Errorf("read golden fixture %s (run with -update to create it): %w", goldenPath, err)
	}
	if !bytes.Equal(want, trace) {
		return fmt.Errorf("fixture %s does not match golden output:\n--- want ---\n%s\n--- got ---\n%s",
			s.Name, want, trace)
	}
	fmt.Printf("fixtures: %s matches %s\n", s.Name, goldenPath)
	return nil
}

// traceScenario runs one deterministic allocation program against the
// scenario's memory map and page-table layout, producing human-readable
// text so a diff against a stale golden fixture is readable in review.
func traceScenario(info *bootmap.Info) ([]byte, error) {
	var buf bytes.Buffer

	highest := info.HighestUsableAddr()
	words := pmm.BitmapWords(highest)
	bitmap := make([]uint64, words)
	alloc := pmm.Init(info.MemoryMap, highest, bitmap)

	stats := alloc.Stats()
	fmt.Fprintf(&buf, "pmm: total=%d free=%d reserved=%d\n", stats.Total, stats.Free, stats.Reserved)

	const allocRounds = 8
	for i := 0; i < allocRounds; i++ {
		f := alloc.AllocBlock()
		fmt.Fprintf(&buf, "pmm: alloc[%d] = frame 0x%x (addr 0x%x)\n", i, uint64(f), f.Address())
	}

	ctx, err := paging.NewContext(cpupaging.Ops{NumLevels: 4}, paging.NewMemStore())
	if err != nil {
		return nil, fmt.Errorf("new paging context: %w", err)
	}
	defer ctx.Destroy()

	for i := 0; i < 4; i++ {
		va := paging.VirtAddr(0xffff_8000_0000_0000 + uint64(i)*pmm.FrameSize)
		pa := paging.PhysAddr(uint64(i+1) * pmm.FrameSize)
		if err := ctx.Map(pa, va, paging.FlagWrite); err != nil {
			return nil, fmt.Errorf("map 0x%x: %w", va, err)
		}
		got := ctx.GetPhys(va)
		fmt.Fprintf(&buf, "paging: map va=0x%x -> pa=0x%x (readback 0x%x)\n", va, pa, got)
	}

	if err := traceACPIAndBoard(&buf, info); err != nil {
		return nil, fmt.Errorf("trace acpi/board: %w", err)
	}

	return buf.Bytes(), nil
}

// traceACPIAndBoard stands up a scratch native VM, installs ACPI tables
// for the scenario's CPU count, discovers them back the way the kernel's
// own boot path would, and assembles the legacy chipset board against
// the discovered HPET address. It is the host-side exercise of the
// internal/acpi write/read round trip and the internal/devices/amd64/board
// assembly step, neither of which a YAML scenario file can otherwise
// reach.
func traceACPIAndBoard(buf *bytes.Buffer, info *bootmap.Info) error {
	const memSize = 16 << 20

	vm := native.New(native.Config{MemoryBase: 0, MemorySize: memSize})
	if _, err := vm.AllocateMemory(0, memSize); err != nil {
		return fmt.Errorf("allocate guest memory: %w", err)
	}

	numCPUs := len(info.SMP.CPUs)
	if numCPUs == 0 {
		numCPUs = 1
	}

	cfg := acpi.Config{
		MemoryBase: 0,
		MemorySize: memSize,
		TablesBase: 0x00090000,
		TablesSize: 0x10000,
		RSDPBase:   0x000E0000,
		NumCPUs:    numCPUs,
		LAPICBase:  0xFEE00000,
		IOAPIC:     acpi.IOAPICConfig{ID: 0, Address: 0xFEC00000},
		HPET:       &acpi.HPETConfig{Address: 0xFED00000},
		OEM:        acpi.DefaultOEMInfo(),
	}
	if err := acpi.Install(vm, cfg); err != nil {
		return fmt.Errorf("install acpi tables: %w", err)
	}

	madt, hpetTable, err := acpi.Discover(vm, cfg.RSDPBase)
	if err != nil {
		return fmt.Errorf("discover acpi tables: %w", err)
	}
	fmt.Fprintf(buf, "acpi: discovered %d local APIC(s), %d IO-APIC(s)\n", len(madt.LocalAPICs), len(madt.IOAPICs))

	serialOut := &bytes.Buffer{}
	mmioSerialOut := &bytes.Buffer{}
	boardCfg := board.Config{
		IOAPICEntries: 24,
		SerialOut:     serialOut,
		SerialIn:      bytes.NewReader(nil),
		MMIOSerialOut: mmioSerialOut,
	}
	if hpetTable != nil {
		boardCfg.HPETAddress = hpetTable.Address
		fmt.Fprintf(buf, "acpi: hpet at 0x%x\n", hpetTable.Address)
	}

	b, cs, err := board.Assemble(vm, boardCfg)
	if err != nil {
		return fmt.Errorf("assemble board: %w", err)
	}
	if err := vm.AddDevice(native.AdaptChipset(cs)); err != nil {
		return fmt.Errorf("add chipset device: %w", err)
	}
	fmt.Fprintf(buf, "board: driverbus bound %v\n", b.PCIBound)

	for _, c := range []byte("luna\n") {
		if err := cs.HandlePIO(nil, 0x3f8, []byte{c}, true); err != nil {
			return fmt.Errorf("write serial console: %w", err)
		}
	}
	fmt.Fprintf(buf, "board: serial console echoed %q\n", serialOut.String())

	for _, c := range []byte("mmio\n") {
		if err := cs.HandleMMIO(nil, 0xFE000000, []byte{c}, true); err != nil {
			return fmt.Errorf("write mmio console: %w", err)
		}
	}
	fmt.Fprintf(buf, "board: mmio console echoed %q\n", mmioSerialOut.String())

	// Probe the keyboard controller the way firmware does during POST:
	// issue the self-test command and read the status register back.
	if err := cs.HandlePIO(nil, 0x64, []byte{0xaa}, true); err != nil {
		return fmt.Errorf("i8042 self-test command: %w", err)
	}
	status := make([]byte, 1)
	if err := cs.HandlePIO(nil, 0x64, status, false); err != nil {
		return fmt.Errorf("i8042 read status: %w", err)
	}
	data := make([]byte, 1)
	if err := cs.HandlePIO(nil, 0x60, data, false); err != nil {
		return fmt.Errorf("i8042 read self-test result: %w", err)
	}
	fmt.Fprintf(buf, "board: i8042 self-test result 0x%02x\n", data[0])

	if err := traceAPBringup(buf, madt); err != nil {
		return fmt.Errorf("trace ap bringup: %w", err)
	}

	if hpetTable != nil {
		if err := traceTimekeepingHPET(buf, cs, hpetTable.Address); err != nil {
			return fmt.Errorf("trace timekeeping hpet: %w", err)
		}
	}

	return nil
}

// traceAPBringup turns the MADT's local-APIC entries into the
// bootmap.SMPInfo internal/cpuinit.StartAPs expects, then drives it
// against a register-capturing LAPIC stand-in so the INIT-SIPI-SIPI
// sequence it sends per AP is visible in the trace. The loader
// trampoline StartAPs hands off through is out of scope here the same
// way it is for the kernel itself (cpuinit.SetApHandoffPublisher is
// left at its no-op default), so TargetStack/GotoAddress are
// placeholders; only the IPI sequence and the resulting CpuData set
// are under test.
func traceAPBringup(buf *bytes.Buffer, madt acpi.MADT) error {
	smp := bootmap.SMPInfo{BSPLAPICID: uint32(madt.LocalAPICs[0].APICID)}
	for i, ap := range madt.LocalAPICs {
		if !ap.Enabled {
			continue
		}
		smp.CPUs = append(smp.CPUs, bootmap.CPUInfo{
			LAPICID:     uint32(ap.APICID),
			TargetStack: 0x1000 * uint64(i+1),
			GotoAddress: 0x8000,
		})
	}

	const icrAssert = 1 << 14
	var sentIPIs []uint32
	regs := make(map[uint32]uint32)
	lapic := cpuinit.LAPIC{
		Write: func(reg, value uint32) {
			if reg == 0x300 {
				sentIPIs = append(sentIPIs, value)
				value &^= icrAssert // a real LAPIC clears delivery status once sent
			}
			regs[reg] = value
		},
		Read: func(reg uint32) uint32 { return regs[reg] },
	}

	cpus, err := cpuinit.StartAPs(lapic, smp, 0x8000, func(*cpuinit.CpuData) {})
	if err != nil {
		return err
	}
	fmt.Fprintf(buf, "cpuinit: started %d AP(s), sent %d IPI(s)\n", len(cpus), len(sentIPIs))
	return nil
}

// traceTimekeepingHPET proves internal/timekeeping.HPET — the kernel's
// own boot-time TSC calibration source — can read the same register
// layout internal/devices/hpet.Device emulates, by pointing its Window
// at the chipset's HandleMMIO dispatch for the address the HPET ACPI
// table reported instead of a real hardware MMIO window.
func traceTimekeepingHPET(buf *bytes.Buffer, cs *chipset.Chipset, base uint64) error {
	win := timekeeping.Window{
		ReadU64: func(offset uint64) uint64 {
			b := make([]byte, 8)
			_ = cs.HandleMMIO(nil, base+offset, b, false)
			return binary.LittleEndian.Uint64(b)
		},
		WriteU64: func(offset uint64, value uint64) {
			b := make([]byte, 8)
			binary.LittleEndian.PutUint64(b, value)
			_ = cs.HandleMMIO(nil, base+offset, b, true)
		},
	}

	hw, err := timekeeping.NewHPET(win)
	if err != nil {
		return err
	}
	start := hw.Counter()
	end := hw.Counter()
	fmt.Fprintf(buf, "timekeeping: hpet counter readback %d -> %d (%dns elapsed)\n",
		start, end, hw.NanosSince(start, end))
	return nil
}
