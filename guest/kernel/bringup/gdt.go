package bringup

import (
	"unsafe"

	"github.com/finallyjustice/vkvm/guest/kernel/cpu"
)

// Kernel-ring GDT/TSS and the placeholder IDT (§4.8 steps 2-4, 7). This is
// deliberately minimal: spec §1 treats interrupt/GDT/TSS scaffolding beyond
// what the memory and hypercall path require as out of scope, so no
// exception handlers are installed here -- only the descriptors
// EnterUserMode's selectors (cpu_amd64.s) and the privilege stack switch
// need.

const (
	gdtAddr = 0x4000 // scratch guest-physical page, below 1 MiB

	selKernelCode = 0x08
	selKernelData = 0x10
	selUserCode   = 0x18 | 3
	selUserData   = 0x20 | 3
	selTSS        = 0x28
)

// tss mirrors the 104-byte 64-bit task state segment. The only field this
// kernel uses is privilege_stack_table[0], the ring-0 stack pointer loaded
// on a ring3->ring0 transition; it sits at byte offset 4, so it is split
// into two uint32 halves to keep Go's alignment from moving it to offset 8.
type tss struct {
	_                        uint32
	privilegeStackTable0Low  uint32
	privilegeStackTable0High uint32
	_                        [88]byte
	_                        uint16
	ioMapBase                uint16
}

var kernelTSS tss

func addrAsPointer(addr uintptr) unsafe.Pointer { return unsafe.Pointer(addr) }

func (t *tss) addr() uintptr { return uintptr(unsafe.Pointer(t)) }

// initGDTAndTSS writes a 7-entry GDT (null, kernel code64, kernel data,
// user code64, user data, and the two slots of the 64-bit TSS descriptor) at
// gdtAddr and loads it. A long-mode TSS descriptor is architecturally 16
// bytes -- the low 8 bytes at gdt[5] plus a high 8-byte half at gdt[6]
// carrying base bits 32-63 -- unlike the 8-byte legacy descriptors at
// gdt[1..4]; both halves are installed by loadTSS once the privilege stack
// pointer is known (§4.8 step 7), after initStack has mapped the kernel
// stack.
func initGDTAndTSS() {
	gdt := (*[7]uint64)(addrAsPointer(gdtAddr))
	gdt[0] = 0
	gdt[1] = gdtEntry(0xa09b, 0, 0xfffff) // kernel code64
	gdt[2] = gdtEntry(0xc093, 0, 0xfffff) // kernel data
	gdt[3] = gdtEntry(0xa0fb, 0, 0xfffff) // user code64, DPL3
	gdt[4] = gdtEntry(0xc0f3, 0, 0xfffff) // user data, DPL3
	gdt[5] = 0                            // TSS descriptor low half, installed by loadTSS
	gdt[6] = 0                            // TSS descriptor high half (base 32-63), installed by loadTSS

	descriptor := packDescriptor(uint16(len(gdt)*8-1), uint64(gdtAddr))
	cpu.LoadGDT(uintptr(unsafe.Pointer(&descriptor[0])))
}

// loadTSS installs the TSS descriptor (a 16-byte system descriptor in long
// mode, spanning gdt[5] and gdt[6]) at gdtAddr, sets
// privilege_stack_table[0] to stackTop, and loads the task register with
// selTSS.
func loadTSS(stackTop uintptr) {
	kernelTSS.privilegeStackTable0Low = uint32(stackTop)
	kernelTSS.privilegeStackTable0High = uint32(uint64(stackTop) >> 32)

	base := uint64(kernelTSS.addr())
	limit := uint64(unsafe.Sizeof(kernelTSS) - 1)
	low := (limit & 0xffff) |
		((base & 0xffffff) << 16) |
		(0x89 << 40) | // present, 64-bit TSS available
		(((limit >> 16) & 0xf) << 48) |
		(((base >> 24) & 0xff) << 56)
	high := (base >> 32) & 0xffffffff

	gdt := (*[7]uint64)(addrAsPointer(gdtAddr))
	gdt[5] = low
	gdt[6] = high

	cpu.LoadTR(selTSS)
}

func gdtEntry(flags uint16, base, limit uint32) uint64 {
	return (((uint64(base)) & 0xff000000) << (56 - 24)) |
		(((uint64(flags)) & 0x0000f0ff) << 40) |
		(((uint64(limit)) & 0x000f0000) << (48 - 16)) |
		(((uint64(base)) & 0x00ffffff) << 16) |
		((uint64(limit)) & 0x0000ffff)
}

// packDescriptor lays out a 10-byte limit|base descriptor the way LGDT/LIDT
// expect; a Go struct{uint16;uint64} would pad to 16 bytes, so this is
// built as a byte array instead.
func packDescriptor(limit uint16, base uint64) [10]byte {
	var d [10]byte
	d[0] = byte(limit)
	d[1] = byte(limit >> 8)
	for i := 0; i < 8; i++ {
		d[2+i] = byte(base >> (8 * i))
	}
	return d
}

// initIDT loads a present-but-empty IDT placeholder, matching the host's
// one-entry BOOT_IDT_OFFSET descriptor (§6). Interrupts remain masked
// throughout bring-up (§5); no gates are installed here since exception
// handling is out of scope (§1).
func initIDT() {
	descriptor := packDescriptor(7, 0x520)
	cpu.LoadIDT(uintptr(unsafe.Pointer(&descriptor[0])))
}
