package cpuinit

import (
	"fmt"
	"unsafe"
)

// TrapFrame mirrors exactly what isrCommon and the stubs push, in memory
// order (the reverse of push order), so the
// Go dispatcher can read it as a struct instead of hand-decoding offsets.
type TrapFrame struct {
	R15, R14, R13, R12, R11, R10, R9, R8 uint64
	DI, SI, BP, BX, DX, CX, AX           uint64
	Vector, ErrorCode                    uint64
	RIP, CS, RFLAGS, RSP, SS             uint64
}

// IRQHandler is one entry of the handler side-table every IDT vector
// carries (spec.md §4.7: "the handler side-table ({function, is_reserved,
// is_irq, should_iret, userptr})"). Reserved vectors panic if ever taken.
// isrDispatch records but does not consult IsIRQ and ShouldIret, and it
// sends no EOI for IRQ vectors.
type IRQHandler struct {
	Function   func(frame *TrapFrame, userptr unsafe.Pointer)
	IsReserved bool
	IsIRQ      bool
	ShouldIret bool
	UserPtr    unsafe.Pointer
}

// idtGate is one 16-byte long-mode interrupt/trap gate descriptor.
type idtGate struct {
	lo uint64
	hi uint64
}

func newIDTGate(handlerAddr uint64, selector uint16, ist uint8, gateType uint8) idtGate {
	var lo uint64
	lo |= handlerAddr & 0xffff
	lo |= uint64(selector) << 16
	lo |= uint64(ist&0x7) << 32
	lo |= uint64(gateType|0x80) << 40 // present, type
	lo |= ((handlerAddr >> 16) & 0xffff) << 48
	hi := handlerAddr >> 32
	return idtGate{lo: lo, hi: hi}
}

const gateTypeInterrupt = 0x0e // 64-bit interrupt gate, clears IF on entry

// stubCodeAddr returns the entry address of isrStubTable[i]. A Go func
// value is a pointer to a funcval whose first word is the code address;
// top-level functions like the generated stubs have no closure state, so
// one extra dereference past the func value gets the real address.
func stubCodeAddr(i int) uint64 {
	fn := isrStubTable[i]
	funcvalPtr := *(*uintptr)(unsafe.Pointer(&fn))
	return uint64(*(*uintptr)(unsafe.Pointer(funcvalPtr)))
}

// IDT is the 256-entry interrupt descriptor table plus the Go-side
// handler metadata isrDispatch consults. Reserved vectors (exceptions
// with no handler registered) and unclaimed IRQ vectors both panic in
// isrDispatch so a misrouted interrupt is never silently eaten.
type IDT struct {
	gates    [256]idtGate
	handlers [256]IRQHandler
}

// NewIDT builds a table pointing every vector's gate at its generated
// stub (isr_stubs_amd64.s) and marks every vector reserved until
// RegisterHandler or RegisterIRQ claims it.
func NewIDT() *IDT {
	t := &IDT{}
	for i := 0; i < 256; i++ {
		t.gates[i] = newIDTGate(stubCodeAddr(i), SelectorKernelCode, 0, gateTypeInterrupt)
		t.handlers[i] = IRQHandler{IsReserved: true}
	}
	return t
}

// RegisterHandler installs fn as vector's handler. Exception vectors
// (0-31) use should_iret=true (they return to the faulting instruction
// or the next one); hardware IRQ vectors go through RegisterIRQ instead.
func (t *IDT) RegisterHandler(vector uint8, fn func(frame *TrapFrame, userptr unsafe.Pointer), userptr unsafe.Pointer) error {
	if fn == nil {
		return fmt.Errorf("cpuinit: nil handler for vector %d", vector)
	}
	t.handlers[vector] = IRQHandler{Function: fn, ShouldIret: true, UserPtr: userptr}
	return nil
}

// RegisterIRQ installs fn as the handler for a hardware interrupt
// vector. The entry is marked IsIRQ; isrDispatch calls it the same way
// it calls a RegisterHandler entry.
func (t *IDT) RegisterIRQ(vector uint8, fn func(frame *TrapFrame, userptr unsafe.Pointer), userptr unsafe.Pointer) error {
	if fn == nil {
		return fmt.Errorf("cpuinit: nil handler for IRQ vector %d", vector)
	}
	t.handlers[vector] = IRQHandler{Function: fn, IsIRQ: true, ShouldIret: true, UserPtr: userptr}
	return nil
}

type idtDescriptor struct {
	limit uint16
	base  uint64
}

// Load installs t as the CPU's active IDT.
func (t *IDT) Load() {
	desc := idtDescriptor{
		limit: uint16(len(t.gates)*16 - 1),
		base:  uint64(uintptr(unsafe.Pointer(&t.gates[0]))),
	}
	lidtAsm(uint64(uintptr(unsafe.Pointer(&desc))))
}

// activeIDT is the IDT the currently running CPU loaded, set by Init so
// isrDispatch (called from assembly, with no Go-idiomatic way to pass a
// receiver) can find the handler side-table for the vector it's given.
var activeIDT [maxCPUs]*IDT

const maxCPUs = 256

func bindActiveIDT(cpuIndex int, t *IDT) {
	activeIDT[cpuIndex] = t
}

// isrDispatch is called by isrCommon for every vector on every CPU. It
// resolves the handler via the table bound for the calling CPU's LAPIC
// id; each CPU binds its own slot through bindActiveIDT during its Init.
func isrDispatch(frame *TrapFrame) {
	t := activeIDT[currentCPUIndex()]
	if t == nil {
		panic("cpuinit: interrupt before IDT bound")
	}
	h := t.handlers[frame.Vector]
	if h.IsReserved || h.Function == nil {
		panic(fmt.Sprintf("cpuinit: unhandled interrupt vector %d (error=0x%x rip=0x%x)", frame.Vector, frame.ErrorCode, frame.RIP))
	}
	h.Function(frame, h.UserPtr)
}

// currentCPUIndex reads the LAPIC id out of the calling CPU's per-CPU
// block via GS:0, matching how every other per-CPU lookup in this
// package resolves "which CPU am I".
func currentCPUIndex() uint32 {
	base := rdmsr(msrGSBase)
	if base == 0 {
		return 0
	}
	cpu := (*CpuData)(unsafe.Pointer(uintptr(base)))
	return cpu.LAPICID
}
