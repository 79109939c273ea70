// Package timekeeping is the kernel's own clock source: a hardware HPET
// register-window reader used once at boot to calibrate the TSC, and a
// Wheel timer structure built on top of the calibrated TSC for every
// later deadline. This is distinct from internal/devices/hpet, which
// emulates an HPET for a guest VM to read.
package timekeeping

import "fmt"

// HPET register offsets, matching the ones internal/devices/hpet emulates
// (so a host HPET and the kernel's emulated one are read identically).
const (
	regGenCap      = 0x000
	regGenConfig   = 0x010
	regMainCounter = 0x0F0

	genConfigEnable = 1 << 0
)

// Window is the memory-mapped HPET register window, already mapped by
// the caller (internal/acpi resolves the physical base from the HPET
// ACPI table; mapping it into the direct physical map is the paging
// layer's job, not this package's).
type Window struct {
	ReadU64  func(offset uint64) uint64
	WriteU64 func(offset uint64, value uint64)
}

// HPET reads a real hardware HPET's main counter, used only during boot
// to calibrate the TSC against a known-good time base.
type HPET struct {
	win              Window
	periodFemtos     uint64
	counterSizeIs64  bool
}

// NewHPET reads the general capabilities register to learn the counter
// period and width, then enables the main counter if it isn't already
// running.
func NewHPET(win Window) (*HPET, error) {
	cap := win.ReadU64(regGenCap)
	period := cap >> 32
	if period == 0 {
		return nil, fmt.Errorf("timekeeping: HPET reports zero counter period")
	}
	h := &HPET{
		win:             win,
		periodFemtos:    period,
		counterSizeIs64: cap&(1<<13) != 0,
	}
	cfg := win.ReadU64(regGenConfig)
	if cfg&genConfigEnable == 0 {
		win.WriteU64(regGenConfig, cfg|genConfigEnable)
	}
	return h, nil
}

// Counter returns the current main counter value.
func (h *HPET) Counter() uint64 {
	return h.win.ReadU64(regMainCounter)
}

// NanosSince converts a delta between two Counter() readings to
// nanoseconds using the period this HPET reported in femtoseconds.
func (h *HPET) NanosSince(startCounter, endCounter uint64) uint64 {
	delta := endCounter - startCounter
	return delta * h.periodFemtos / 1_000_000
}
