package emulate

import "testing"

// fakeRegs is a trivial RegisterFile backed by a flat array, enough to
// exercise the decoder without any real guest vCPU state.
type fakeRegs struct {
	vals [16]uint64
}

func (r *fakeRegs) Get(reg int, size int) uint64 {
	v := r.vals[reg]
	switch size {
	case 1:
		return v & 0xff
	case 2:
		return v & 0xffff
	case 4:
		return v & 0xffffffff
	default:
		return v
	}
}

func (r *fakeRegs) Set(reg int, size int, value uint64) {
	switch size {
	case 1:
		r.vals[reg] = value & 0xff
	case 2:
		r.vals[reg] = value & 0xffff
	case 4:
		r.vals[reg] = value & 0xffffffff
	default:
		r.vals[reg] = value
	}
}

type fakeMMIO struct {
	mem map[uint64][]byte
}

func newFakeMMIO() *fakeMMIO { return &fakeMMIO{mem: map[uint64][]byte{}} }

func (f *fakeMMIO) ReadMMIO(addr uint64, data []byte) error {
	v, ok := f.mem[addr]
	if !ok {
		v = make([]byte, len(data))
	}
	copy(data, v)
	return nil
}

func (f *fakeMMIO) WriteMMIO(addr uint64, data []byte) error {
	buf := make([]byte, len(data))
	copy(buf, data)
	f.mem[addr] = buf
	return nil
}

func TestEmulateMovRegToMem(t *testing.T) {
	// mov [rax], ecx  => 89 08  (ModRM: mod=00 reg=001(ecx) rm=000(rax))
	code := []byte{0x89, 0x08}
	regs := &fakeRegs{}
	regs.Set(1, 4, 0xdeadbeef) // ECX
	acc := newFakeMMIO()

	res, err := EmulateMMIO(code, 0x1000, acc, regs)
	if err != nil {
		t.Fatalf("EmulateMMIO: %v", err)
	}
	if res.InstrLen != 2 {
		t.Fatalf("InstrLen = %d, want 2", res.InstrLen)
	}
	got, _ := readMMIO(acc, 0x1000, 4)
	if got != 0xdeadbeef {
		t.Fatalf("mmio value = 0x%x, want 0xdeadbeef", got)
	}
}

func TestEmulateMovMemToReg(t *testing.T) {
	// mov eax, [rax] => 8B 00
	code := []byte{0x8B, 0x00}
	regs := &fakeRegs{}
	acc := newFakeMMIO()
	acc.mem[0x2000] = []byte{0x44, 0x33, 0x22, 0x11}

	res, err := EmulateMMIO(code, 0x2000, acc, regs)
	if err != nil {
		t.Fatalf("EmulateMMIO: %v", err)
	}
	if res.InstrLen != 2 {
		t.Fatalf("InstrLen = %d, want 2", res.InstrLen)
	}
	if got := regs.Get(0, 4); got != 0x11223344 {
		t.Fatalf("eax = 0x%x, want 0x11223344", got)
	}
}

func TestEmulateMovImmToMem(t *testing.T) {
	// mov dword [rax], 0x7  => C7 00 07 00 00 00
	code := []byte{0xC7, 0x00, 0x07, 0x00, 0x00, 0x00}
	regs := &fakeRegs{}
	acc := newFakeMMIO()

	res, err := EmulateMMIO(code, 0x3000, acc, regs)
	if err != nil {
		t.Fatalf("EmulateMMIO: %v", err)
	}
	if res.InstrLen != len(code) {
		t.Fatalf("InstrLen = %d, want %d", res.InstrLen, len(code))
	}
	got, _ := readMMIO(acc, 0x3000, 4)
	if got != 7 {
		t.Fatalf("mmio value = %d, want 7", got)
	}
}

func TestEmulateMovzx(t *testing.T) {
	// movzx eax, byte [rax] => 0F B6 00
	code := []byte{0x0F, 0xB6, 0x00}
	regs := &fakeRegs{}
	acc := newFakeMMIO()
	acc.mem[0x4000] = []byte{0xff}

	res, err := EmulateMMIO(code, 0x4000, acc, regs)
	if err != nil {
		t.Fatalf("EmulateMMIO: %v", err)
	}
	if res.InstrLen != 3 {
		t.Fatalf("InstrLen = %d, want 3", res.InstrLen)
	}
	if got := regs.Get(0, 4); got != 0xff {
		t.Fatalf("eax = 0x%x, want 0xff (zero extended)", got)
	}
}

func TestEmulateMovsxSignExtends(t *testing.T) {
	// movsx eax, byte [rax] => 0F BE 00
	code := []byte{0x0F, 0xBE, 0x00}
	regs := &fakeRegs{}
	acc := newFakeMMIO()
	acc.mem[0x4000] = []byte{0xff} // -1 as int8

	_, err := EmulateMMIO(code, 0x4000, acc, regs)
	if err != nil {
		t.Fatalf("EmulateMMIO: %v", err)
	}
	if got := regs.Get(0, 4); got != 0xffffffff {
		t.Fatalf("eax = 0x%x, want 0xffffffff (sign extended)", got)
	}
}

func TestEmulateCmpxchgSuccess(t *testing.T) {
	// cmpxchg [rax], ecx => 0F B1 08
	code := []byte{0x0F, 0xB1, 0x08}
	regs := &fakeRegs{}
	regs.Set(0, 4, 5) // EAX expected
	regs.Set(1, 4, 9) // ECX new value
	acc := newFakeMMIO()
	acc.mem[0x5000] = []byte{5, 0, 0, 0}

	_, err := EmulateMMIO(code, 0x5000, acc, regs)
	if err != nil {
		t.Fatalf("EmulateMMIO: %v", err)
	}
	got, _ := readMMIO(acc, 0x5000, 4)
	if got != 9 {
		t.Fatalf("mmio value = %d, want 9 (exchange should have succeeded)", got)
	}
}

func TestEmulateCmpxchgFailureLoadsCurrent(t *testing.T) {
	code := []byte{0x0F, 0xB1, 0x08}
	regs := &fakeRegs{}
	regs.Set(0, 4, 1) // EAX expected, but current value differs
	regs.Set(1, 4, 9)
	acc := newFakeMMIO()
	acc.mem[0x5000] = []byte{5, 0, 0, 0}

	_, err := EmulateMMIO(code, 0x5000, acc, regs)
	if err != nil {
		t.Fatalf("EmulateMMIO: %v", err)
	}
	if got := regs.Get(0, 4); got != 5 {
		t.Fatalf("eax = %d, want 5 (loaded with current value on failure)", got)
	}
	got, _ := readMMIO(acc, 0x5000, 4)
	if got != 5 {
		t.Fatalf("mmio value = %d, want unchanged 5", got)
	}
}

func TestEmulateBitTestSet(t *testing.T) {
	// bts [rax], ecx => 0F AB 08
	code := []byte{0x0F, 0xAB, 0x08}
	regs := &fakeRegs{}
	regs.Set(1, 4, 3) // bit index 3
	acc := newFakeMMIO()

	_, err := EmulateMMIO(code, 0x6000, acc, regs)
	if err != nil {
		t.Fatalf("EmulateMMIO: %v", err)
	}
	got, _ := readMMIO(acc, 0x6000, 4)
	if got != 0x8 {
		t.Fatalf("mmio value = 0x%x, want 0x8", got)
	}
}

func TestEmulateREXPrefixChangesWidth(t *testing.T) {
	// mov [rax], rcx => 48 89 08
	code := []byte{0x48, 0x89, 0x08}
	regs := &fakeRegs{}
	regs.Set(1, 8, 0x1122334455667788)
	acc := newFakeMMIO()

	res, err := EmulateMMIO(code, 0x7000, acc, regs)
	if err != nil {
		t.Fatalf("EmulateMMIO: %v", err)
	}
	if res.InstrLen != 3 {
		t.Fatalf("InstrLen = %d, want 3", res.InstrLen)
	}
	got, _ := readMMIO(acc, 0x7000, 8)
	if got != 0x1122334455667788 {
		t.Fatalf("mmio value = 0x%x", got)
	}
}

func TestEmulateUnsupportedOpcodeErrors(t *testing.T) {
	code := []byte{0xF4} // HLT, never a valid MMIO-fault opcode
	regs := &fakeRegs{}
	acc := newFakeMMIO()
	if _, err := EmulateMMIO(code, 0x8000, acc, regs); err == nil {
		t.Fatalf("expected error for unsupported opcode")
	}
}
