//go:build linux

package main

import (
	"context"
	"fmt"
	"unsafe"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/lunakernel/luna/internal/hv/emulate"
)

// This file differentially tests internal/hv/emulate against the host's
// own KVM: it boots a throwaway long-mode vCPU whose only job is to
// execute one MOV-family instruction against an address with no backing
// memory slot, forcing a KVM_EXIT_MMIO, then compares the instruction
// length KVM advanced RIP by against the length emulate.EmulateMMIO
// decodes from the same bytes. Grounded on the teacher's internal/hv/kvm (now removed — this
// kernel never runs hosted under KVM itself) for ioctl numbers, struct
// layouts, and the identity-mapped long-mode bring-up sequence.

const (
	kvmGetAPIVersion       = 0xae00
	kvmCreateVM            = 0xae01
	kvmGetVCPUMmapSize     = 0xae04
	kvmCreateVCPU          = 0xae41
	kvmRun                 = 0xae80
	kvmSetUserMemoryRegion = 0x4020ae46
	kvmGetRegs             = 0x8090ae81
	kvmSetRegs             = 0x4090ae82
	kvmGetSregs            = 0x8138ae83
	kvmSetSregs            = 0x4138ae84
)

const (
	kvmExitMMIO = 6
)

type kvmUserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

type kvmRegs struct {
	Rax, Rbx, Rcx, Rdx             uint64
	Rsi, Rdi, Rsp, Rbp             uint64
	R8, R9, R10, R11               uint64
	R12, R13, R14, R15             uint64
	Rip, Rflags                    uint64
}

type kvmSegment struct {
	Base                         uint64
	Limit                        uint32
	Selector                     uint16
	Type, Present, Dpl, Db, S, L uint8
	G, Avl, Unusable, Padding    uint8
}

type kvmDTable struct {
	Base    uint64
	Limit   uint16
	Padding [3]uint16
}

type kvmSRegs struct {
	Cs, Ds, Es, Fs, Gs, Ss  kvmSegment
	Tr, Ldt                 kvmSegment
	Gdt, Idt                kvmDTable
	Cr0, Cr2, Cr3, Cr4, Cr8 uint64
	Efer, ApicBase          uint64
	InterruptBitmap         [4]uint64
}

type kvmExitMMIOData struct {
	PhysAddr uint64
	Data     [8]byte
	Len      uint32
	IsWrite  uint8
}

// kvmRunLayout mirrors only the fixed header of struct kvm_run we need:
// exit_reason at offset 8, and the mmio union starting at a fixed offset
// that is stable across kernel versions for x86_64 (the union starts
// right after the common header padding, per the teacher's kvmRunData).
const (
	kvmRunExitReasonOffset = 8
	kvmRunUnionOffset      = 32
)

func ioctl(fd uintptr, req uint64, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(req), arg)
	if errno != 0 {
		return errno
	}
	return nil
}

// mmioCase is one guest instruction sequence this harness feeds to both
// KVM and the emulator.
type mmioCase struct {
	name string
	code []byte
}

func kvmDiffCases(n int) []mmioCase {
	base := []mmioCase{
		{"mov_mem_reg32", []byte{0x89, 0x08}},             // mov [rax], ecx
		{"mov_reg_mem32", []byte{0x8b, 0x08}},              // mov ecx, [rax]
		{"mov_imm_mem32", []byte{0xc7, 0x00, 0x01, 0x02, 0x03, 0x04}}, // mov dword [rax], imm
		{"movzx_byte", []byte{0x0f, 0xb6, 0x08}},           // movzx ecx, byte [rax]
		{"rex_mov_mem_reg64", []byte{0x48, 0x89, 0x08}},    // mov [rax], rcx
	}
	cases := make([]mmioCase, 0, n)
	for i := 0; i < n; i++ {
		cases = append(cases, base[i%len(base)])
	}
	return cases
}

// runKVMDiff is the "kvmdiff" subcommand entry point: it runs n scripted
// MMIO-faulting instruction sequences through a real /dev/kvm VM and
// through internal/hv/emulate concurrently (golang.org/x/sync/errgroup
// fans the independent cases out; each case gets its own throwaway VM,
// since KVM vCPU state cannot be shared across goroutines), and reports
// the first mismatch found.
func runKVMDiff(ctx context.Context, n int) error {
	cases := kvmDiffCases(n)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for _, c := range cases {
		c := c
		g.Go(func() error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			return diffOneCase(c)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	fmt.Printf("kvmdiff: %d cases agreed with internal/hv/emulate\n", len(cases))
	return nil
}

func diffOneCase(c mmioCase) error {
	kvmLen, err := runKVMMMIOCase(c.code)
	if err != nil {
		return fmt.Errorf("kvmdiff[%s]: kvm run: %w", c.name, err)
	}

	const mmioAddr = 0xfee00000
	res, err := emulate.EmulateMMIO(c.code, mmioAddr, noopMMIOAccessor{}, &zeroRegisterFile{})
	if err != nil {
		return fmt.Errorf("kvmdiff[%s]: emulate: %w", c.name, err)
	}

	if res.InstrLen != kvmLen {
		return fmt.Errorf("kvmdiff[%s]: instruction length mismatch: kvm=%d emulate=%d", c.name, kvmLen, res.InstrLen)
	}
	return nil
}

// runKVMMMIOCase boots a throwaway vCPU that executes code at guest
// address 0x2000 against an identity-mapped 4 GiB window with no
// backing memory slot at mmioAddr, and returns the guest instruction
// length KVM decoded (RIP after the run, minus the code's start
// address).
func runKVMMMIOCase(code []byte) (int, error) {
	devFd, err := unix.Open("/dev/kvm", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return 0, fmt.Errorf("open /dev/kvm: %w", err)
	}
	defer unix.Close(devFd)

	vmFdRaw, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(devFd), kvmCreateVM, 0)
	if errno != 0 {
		return 0, fmt.Errorf("KVM_CREATE_VM: %w", errno)
	}
	vmFd := int(vmFdRaw)
	defer unix.Close(vmFd)

	const memSize = 4 << 20 // 4 MiB: room for code, stack, and the PML4/PDPT tables mapping 4 GiB with 1 GiB pages
	mem, err := unix.Mmap(-1, 0, memSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
	if err != nil {
		return 0, fmt.Errorf("mmap guest memory: %w", err)
	}
	defer unix.Munmap(mem)

	region := kvmUserspaceMemoryRegion{
		Slot:          0,
		GuestPhysAddr: 0,
		MemorySize:    memSize,
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
	}
	if err := ioctl(uintptr(vmFd), kvmSetUserMemoryRegion, uintptr(unsafe.Pointer(&region))); err != nil {
		return 0, fmt.Errorf("KVM_SET_USER_MEMORY_REGION: %w", err)
	}

	const codeAddr = 0x2000
	copy(mem[codeAddr:], code)
	// Past the instruction, park an endless HLT so a decode-length bug
	// that under-reads the instruction falls into a well-defined state
	// instead of executing garbage.
	mem[codeAddr+len(code)] = 0xf4

	buildIdentityMap(mem)

	vcpuFdRaw, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(vmFd), kvmCreateVCPU, 0)
	if errno != 0 {
		return 0, fmt.Errorf("KVM_CREATE_VCPU: %w", errno)
	}
	vcpuFd := int(vcpuFdRaw)
	defer unix.Close(vcpuFd)

	mmapSizeRaw, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(devFd), kvmGetVCPUMmapSize, 0)
	if errno != 0 {
		return 0, fmt.Errorf("KVM_GET_VCPU_MMAP_SIZE: %w", errno)
	}
	runRegion, err := unix.Mmap(vcpuFd, 0, int(mmapSizeRaw), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return 0, fmt.Errorf("mmap vcpu run: %w", err)
	}
	defer unix.Munmap(runRegion)

	if err := setLongMode(vcpuFd); err != nil {
		return 0, err
	}

	regs := kvmRegs{Rip: codeAddr, Rsp: memSize - 0x100, Rflags: 0x2, Rax: 0xfee00000, Rcx: 0x11223344}
	if err := ioctl(uintptr(vcpuFd), kvmSetRegs, uintptr(unsafe.Pointer(&regs))); err != nil {
		return 0, fmt.Errorf("KVM_SET_REGS: %w", err)
	}

	if err := ioctl(uintptr(vcpuFd), kvmRun, 0); err != nil {
		return 0, fmt.Errorf("KVM_RUN: %w", err)
	}

	exitReason := *(*uint32)(unsafe.Pointer(&runRegion[kvmRunExitReasonOffset]))
	if exitReason != kvmExitMMIO {
		return 0, fmt.Errorf("unexpected exit reason %d, want KVM_EXIT_MMIO", exitReason)
	}
	mmio := (*kvmExitMMIOData)(unsafe.Pointer(&runRegion[kvmRunUnionOffset]))
	if mmio.PhysAddr != 0xfee00000 {
		return 0, fmt.Errorf("unexpected mmio fault address 0x%x", mmio.PhysAddr)
	}

	var after kvmRegs
	if err := ioctl(uintptr(vcpuFd), kvmGetRegs, uintptr(unsafe.Pointer(&after))); err != nil {
		return 0, fmt.Errorf("KVM_GET_REGS: %w", err)
	}
	return int(after.Rip - codeAddr), nil
}

// buildIdentityMap writes a PML4/PDPT identity-mapping the full 4 GiB
// address space with four 1 GiB PDPT leaf pages, at a fixed offset
// inside mem, following the teacher's SetLongModeWithSelectors layout
// (pml4 at +0x3000, pdpt at +0x4000). 1 GiB leaves (rather than the
// teacher's 2 MiB PD leaves) keep the whole low 4 GiB — including the
// 0xfee00000 MMIO probe address this harness uses, which sits in the
// fourth GiB — identity-mapped without needing a PD per GiB.
func buildIdentityMap(mem []byte) {
	const (
		pml4Off = 0x3000
		pdptOff = 0x4000
		present = 1 << 0
		writ    = 1 << 1
		pageSz  = 1 << 7
	)
	pml4 := (*[512]uint64)(unsafe.Pointer(&mem[pml4Off]))
	pdpt := (*[512]uint64)(unsafe.Pointer(&mem[pdptOff]))

	pml4[0] = pdptOff | present | writ
	for i := 0; i < 4; i++ {
		pdpt[i] = uint64(i)<<30 | present | writ | pageSz
	}
}

func setLongMode(vcpuFd int) error {
	var sregs kvmSRegs
	if err := ioctl(uintptr(vcpuFd), kvmGetSregs, uintptr(unsafe.Pointer(&sregs))); err != nil {
		return fmt.Errorf("KVM_GET_SREGS: %w", err)
	}

	const (
		cr0PE, cr0ET, cr0NE, cr0WP, cr0AM, cr0PG = 1, 1 << 4, 1 << 5, 1 << 16, 1 << 18, 1 << 31
		cr4PAE                                   = 1 << 5
		eferLME, eferLMA                         = 1 << 8, 1 << 10
	)
	sregs.Cr3 = 0x3000
	sregs.Cr4 |= cr4PAE
	sregs.Cr0 |= cr0PE | cr0ET | cr0NE | cr0WP | cr0AM | cr0PG
	sregs.Efer = eferLME | eferLMA

	code := kvmSegment{Base: 0, Limit: 0xffffffff, Selector: 8, Present: 1, Type: 11, S: 1, L: 1, G: 1}
	sregs.Cs = code
	data := code
	data.Type, data.L, data.Db, data.Selector = 3, 0, 1, 16
	sregs.Ds, sregs.Es, sregs.Fs, sregs.Gs, sregs.Ss = data, data, data, data, data

	return ioctl(uintptr(vcpuFd), kvmSetSregs, uintptr(unsafe.Pointer(&sregs)))
}

type noopMMIOAccessor struct{}

func (noopMMIOAccessor) ReadMMIO(addr uint64, data []byte) error  { return nil }
func (noopMMIOAccessor) WriteMMIO(addr uint64, data []byte) error { return nil }

// zeroRegisterFile answers every register read as the same pattern KVM
// was given (0xfee00000 in RAX, 0x11223344 in RCX), so the two decoders
// are fed equivalent operand state even though only the instruction
// length is compared.
type zeroRegisterFile struct{}

func (z *zeroRegisterFile) Get(reg int, size int) uint64 {
	switch reg {
	case 0:
		return 0xfee00000
	case 1:
		return 0x11223344
	default:
		return 0
	}
}
func (z *zeroRegisterFile) Set(reg int, size int, value uint64) {}
