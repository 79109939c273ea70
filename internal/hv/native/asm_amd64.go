//go:build amd64

// Privileged VMX/SVM instruction shims. Following the same pattern as
// internal/cpuinit's asm_amd64.go/.s split: every instruction with no
// Go-assembler mnemonic gets a thin NOSPLIT wrapper here, and every
// caller above this file only ever talks to the Go wrapper.
package native

//go:noescape
func vmxonAsm(region uint64) uint8

//go:noescape
func vmxoffAsm()

//go:noescape
func vmclearAsm(region uint64) uint8

//go:noescape
func vmptrldAsm(region uint64) uint8

//go:noescape
func vmreadAsm(field uint64) (value uint64, ok uint8)

//go:noescape
func vmwriteAsm(field uint64, value uint64) uint8

//go:noescape
func vmlaunchAsm() uint8

//go:noescape
func vmresumeAsm() uint8

//go:noescape
func vmrunAsm(vmcbPhys uint64)

//go:noescape
func vmsaveAsm(vmcbPhys uint64)

//go:noescape
func vmloadAsm(vmcbPhys uint64)

//go:noescape
func clgiAsm()

//go:noescape
func stgiAsm()
