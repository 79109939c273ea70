package native

import (
	"context"
	"testing"

	"github.com/lunakernel/luna/internal/hv"
)

func TestRunEmulatesMMIOWriteAndAdvancesRIP(t *testing.T) {
	vm := New(Config{})
	var got uint64
	dev := hv.SimpleMMIODevice{
		Regions: []hv.MMIORegion{{Address: 0xfee00000, Size: 0x1000}},
		WriteFunc: func(ctx hv.ExitContext, addr uint64, data []byte) error {
			for i, b := range data {
				got |= uint64(b) << (8 * i)
			}
			return nil
		},
	}
	if err := vm.AddDevice(dev); err != nil {
		t.Fatalf("AddDevice: %v", err)
	}

	// Guest code at RIP 0: "mov [rax], ecx" (89 08), followed by padding.
	if _, err := vm.AllocateMemory(0, 0x1000); err != nil {
		t.Fatalf("AllocateMemory: %v", err)
	}
	code := []byte{0x89, 0x08, 0x00, 0x00}
	if _, err := vm.WriteAt(code, 0); err != nil {
		t.Fatalf("WriteAt code: %v", err)
	}

	be := &fakeBackend{exits: []exitInfo{
		{Reason: exitMMIO, MMIOAddr: 0xfee00000, MMIOWrite: true},
		{Reason: exitTripleFault},
	}}
	id, _ := vm.AddVCPU(be)

	_ = vm.VirtualCPUCall(id, func(vcpu hv.VirtualCPU) error {
		if err := vcpu.SetRegisters(map[hv.Register]hv.RegisterValue{
			hv.RegisterRip: hv.Register64(0),
			hv.RegisterRcx: hv.Register64(0xcafebabe),
		}); err != nil {
			return err
		}
		return vcpu.Run(context.Background())
	})

	if got != 0xcafebabe {
		t.Fatalf("mmio write value = 0x%x, want 0xcafebabe", got)
	}

	regs := map[hv.Register]hv.RegisterValue{hv.RegisterRip: nil}
	if err := vm.VirtualCPUCall(id, func(vcpu hv.VirtualCPU) error { return vcpu.GetRegisters(regs) }); err != nil {
		t.Fatalf("GetRegisters: %v", err)
	}
	if rip := uint64(regs[hv.RegisterRip].(hv.Register64)); rip != 2 {
		t.Fatalf("rip after emulation = %d, want 2 (instruction was 2 bytes)", rip)
	}
}

func TestRunReturnsErrorOnUnhandledMMIO(t *testing.T) {
	vm := New(Config{})
	be := &fakeBackend{exits: []exitInfo{
		{Reason: exitMMIO, MMIOAddr: 0xdeadbeef, MMIOWrite: true},
	}}
	id, _ := vm.AddVCPU(be)
	err := vm.VirtualCPUCall(id, func(vcpu hv.VirtualCPU) error { return vcpu.Run(context.Background()) })
	if err == nil {
		t.Fatalf("expected an error for an MMIO access with no covering device")
	}
}

func TestRegFileAdapterWidths(t *testing.T) {
	v := &virtualCPU{}
	adapter := regFileAdapter{v}
	adapter.Set(0, 8, 0x1122334455667788)
	if got := adapter.Get(0, 1); got != 0x88 {
		t.Fatalf("8-bit read = 0x%x, want 0x88", got)
	}
	if got := adapter.Get(0, 2); got != 0x7788 {
		t.Fatalf("16-bit read = 0x%x, want 0x7788", got)
	}
	adapter.Set(0, 4, 0xAABBCCDD)
	if v.gprs[0] != 0xAABBCCDD {
		t.Fatalf("32-bit write should zero-extend the full register, got 0x%x", v.gprs[0])
	}
}
