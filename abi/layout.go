// Package abi declares the fixed guest-physical addresses, the BootInfo
// descriptor, and the hypercall wire format shared between the host and the
// guest kernel. Both sides import this package so there is exactly one
// source of truth for the layout that crosses the virtualization boundary.
package abi

import "github.com/finallyjustice/vkvm/memmap"

// Fixed guest physical addresses (little-endian x86-64).
const (
	// FrameZeroAddr is reserved and never mapped.
	FrameZeroAddr uint64 = 0x0000

	// SyscallPhysAddr holds the BootInfo on guest entry, and is reused as
	// the hypercall request/reply slot once the guest has consumed it.
	SyscallPhysAddr uint64 = 0x1000

	// BootGDTOffset holds the 4-entry boot GDT (null, code64, data, TSS).
	BootGDTOffset uint64 = 0x0500

	// BootIDTOffset holds a single placeholder IDT descriptor.
	BootIDTOffset uint64 = 0x0520

	// PML4Start, PDPTEStart and PDEStart locate the three 4 KiB tables the
	// host builds to identity-map [0, 1 GiB) before first entry.
	PML4Start  uint64 = 0x9000
	PDPTEStart uint64 = 0xA000
	PDEStart   uint64 = 0xB000

	// BootStackOffset and BootStackSize locate the minimal Linux-process-
	// style initial stack frame (argc/argv/envp/auxv) that the guest
	// kernel binary's own ELF entry point -- _rt0_amd64_linux, reached
	// directly by the vCPU's first instruction -- expects to find at the
	// incoming RSP before it ever calls into this repo's main (§4.4). Sits
	// just above guest/kernel/bringup.PDPTEOffsetStart (0xC000, one page)
	// so the two scratch regions never overlap.
	BootStackOffset uint64 = 0xD000
	BootStackSize   uint64 = 0x3000

	// HimemStart is the first address considered normal RAM.
	HimemStart uint64 = 0x100000
)

// SyscallTriggerPort is the I/O port whose write triggers a VM-exit the host
// interprets as a hypercall request sitting at SyscallPhysAddr.
const SyscallTriggerPort uint16 = 0xFF

// BootInfo is written once by the host before the first guest instruction,
// and read once by the guest at boot; the page is then reused as the
// hypercall transport. It is plain data: no pointers, only integers and the
// memmap.MemoryMap value type, so that it round-trips through raw guest
// memory unchanged.
type BootInfo struct {
	MemoryMap          memmap.MemoryMap
	ElfEntryPoint      uint64
	ElfLoadAddr        uint64
	ElfPhnum           uint64
	SyscallTriggerPort uint16
	_                  [6]byte // pad to 8-byte alignment for the trailing union reuse
}
