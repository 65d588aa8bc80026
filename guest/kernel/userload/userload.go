// Package userload implements UserLoader (C9): mapping the already-resident
// application image into user virtual address space, constructing the
// initial user stack frame, and transitioning to user mode.
//
// The host's GuestMemory.LoadELF (host/memory/memory.go) does the PT_LOAD
// copy-in and BSS zero-fill itself, before the guest ever runs, and records
// the result as memmap.App regions in the memory map the guest receives at
// boot. That leaves the guest kernel nothing to parse: unlike the original
// kernel, which embeds the application ELF via a linker symbol and walks its
// own program headers (kernel/src/arch/x86_64/mod.rs's exec_app), this
// host/guest split already has the segment bytes sitting in guest physical
// RAM by the time UserLoader runs. UserLoader's job is purely to re-map
// those frames (still only reachable through the boot-time identity map)
// into the user-accessible range of the kernel's own page tables built in
// KernelBringUp, at the matching virtual addresses, and build the initial
// stack.
package userload

import (
	"encoding/binary"
	"unsafe"

	"github.com/finallyjustice/vkvm/guest/kernel/bringup"
	"github.com/finallyjustice/vkvm/guest/kernel/cpu"
	"github.com/finallyjustice/vkvm/guest/kernel/pmm"
	"github.com/finallyjustice/vkvm/guest/kernel/vmm"
	"github.com/finallyjustice/vkvm/memmap"
)

const (
	UserStackOffset = 0x7F00_0000_0000
	UserStackSize   = 2 * 1024 * 1024

	pageSize = 4096
)

// System V AMD64 auxv keys this loader populates (§4.9). AT_PHDR/AT_PHNUM/
// AT_BASE are deliberately absent: the spec's auxv list omits them, and this
// design has no per-segment program header array to hand the application
// anyway (see package doc).
const (
	atNull     = 0
	atPageSz   = 6
	atFlags    = 8
	atUID      = 11
	atEUID     = 12
	atGID      = 13
	atEGID     = 14
	atPlatform = 15
	atHWCap    = 16
	atClkTck   = 17
	atSecure   = 23
	atRandom   = 25
	atHWCap2   = 26
	atExecFn   = 31
)

// Load maps the user stack and every memmap.App region into k's address
// space, builds the initial user stack frame, and transitions to user mode
// at k.BootInfo.ElfEntryPoint. Load never returns.
func Load(k *bringup.Kernel) {
	mapUserStack(k)

	nextMmap := uintptr(0)
	mm := &k.BootInfo.MemoryMap
	for i := 0; i < int(mm.NextIndex); i++ {
		region := mm.Entries[i]
		if region.Kind != memmap.App || region.Range.IsEmpty() {
			continue
		}
		mapAppRegion(k, region)
		if end := uintptr(region.Range.EndAddr()); end > nextMmap {
			nextMmap = end
		}
	}
	k.NextMmap = nextMmap

	sp := buildInitialStack(k)
	cpu.EnterUserMode(uintptr(k.BootInfo.ElfEntryPoint), sp)
}

func mapUserStack(k *bringup.Kernel) {
	startPage := vmm.PageFromAddress(UserStackOffset)
	endPage := vmm.PageFromAddress(UserStackOffset + UserStackSize - 256)
	flags := vmm.FlagPresent | vmm.FlagWritable | vmm.FlagUserAccessible
	for p := startPage; p <= endPage; p++ {
		allocateAndMap(k, p, flags)
	}
}

func allocateAndMap(k *bringup.Kernel, p vmm.Page, flags vmm.PageTableFlags) {
	frame, ok := k.FrameAlloc.AllocateFrame()
	if !ok {
		panic(vmm.ErrFrameAllocationFailed.Error())
	}
	if err := k.Mapper.MapTo(k.Pml4Phys, p, frame, flags, k.FrameAlloc); err != nil {
		panic(err.Error())
	}
}

// mapAppRegion maps region's frames into user space at the same address
// they already occupy (the host's LoadELF places every segment at its
// Paddr, which for this static-linked, identity-loaded model equals its
// Vaddr). Content is already correct -- the host copied and zero-filled it
// -- so there is nothing to copy here, only permissions to grant. Without
// per-segment ELF flags on this side of the boundary, every App region is
// mapped P|U|W: a coarser permission than the original's per-segment
// R/W/X, accepted as an explicit simplification of this redesign (recorded
// as an Open Question resolution).
func mapAppRegion(k *bringup.Kernel, region memmap.MemoryRegion) {
	flags := vmm.FlagPresent | vmm.FlagUserAccessible | vmm.FlagWritable
	for frameNum := region.Range.Start; frameNum < region.Range.End; frameNum++ {
		frame := pmm.Frame(frameNum)
		page := vmm.PageFromAddress(uintptr(frameNum * memmap.PageSize))
		if err := k.Mapper.MapTo(k.Pml4Phys, page, frame, flags, k.FrameAlloc); err != nil {
			panic(err.Error())
		}
	}
}

// buildInitialStack writes argv, an empty envp, and the auxiliary vector at
// the top of the mapped user stack, following the System V AMD64 ABI
// initial-stack layout, and returns the stack pointer EnterUserMode should
// enter with.
func buildInitialStack(k *bringup.Kernel) uintptr {
	const initPath = "/init\x00"
	const platform = "x86_64\x00"

	top := uintptr(UserStackOffset + UserStackSize - 256)

	stringsAddr := top - 64
	argvStrAddr := stringsAddr
	platformAddr := argvStrAddr + uintptr(len(initPath))
	execFnAddr := argvStrAddr // AT_EXECFN reuses the same "/init" bytes as argv[0]

	writeAt(k, argvStrAddr, []byte(initPath))
	writeAt(k, platformAddr, []byte(platform))

	var randBuf [16]byte
	r1, ok1 := cpu.RDRand()
	r2, ok2 := cpu.RDRand()
	if !ok1 || !ok2 {
		// RDRand has already retried internally (cpu_amd64.s); ok=false here
		// means all of its attempts failed, so there is nothing left to
		// retry (§7: setup/runtime faults with no recovery path are fatal).
		panic("userload: RDRAND unavailable, cannot seed AT_RANDOM")
	}
	binary.LittleEndian.PutUint64(randBuf[0:8], r1)
	binary.LittleEndian.PutUint64(randBuf[8:16], r2)
	randomAddr := platformAddr + uintptr(len(platform))
	writeAt(k, randomAddr, randBuf[:])

	auxv := []uint64{
		atPageSz, 4096,
		atClkTck, 100,
		atFlags, 0,
		atUID, 1,
		atEUID, 1,
		atGID, 1,
		atEGID, 1,
		atSecure, 0,
		atHWCap, 0xbfebfbff,
		atHWCap2, 1,
		atRandom, uint64(randomAddr),
		atPlatform, uint64(platformAddr),
		atExecFn, uint64(execFnAddr),
		atNull, 0,
	}

	argv := []uint64{uint64(argvStrAddr), 0} // argv[0], NULL terminator
	envp := []uint64{0}                      // empty envp, NULL terminator

	var layout []byte
	appendU64 := func(v uint64) {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], v)
		layout = append(layout, b[:]...)
	}

	appendU64(uint64(len(argv) - 1)) // argc
	for _, v := range argv {
		appendU64(v)
	}
	for _, v := range envp {
		appendU64(v)
	}
	for _, v := range auxv {
		appendU64(v)
	}

	sp := alignDown(randomAddr-uintptr(len(layout)), 16)
	writeAt(k, sp, layout)
	return sp
}

// pageWindow returns a byte slice view of the single mapped page containing
// virtAddr, through the kernel's physical-memory offset mapping.
func pageWindow(k *bringup.Kernel, virtAddr uintptr) []byte {
	page := vmm.PageFromAddress(virtAddr)
	frame, ok := k.Mapper.Translate(k.Pml4Phys, page)
	if !ok {
		panic("userload: page vanished immediately after mapping")
	}
	physBase := uintptr(frame.Address()) + k.Mapper.PhysOffset()
	return unsafe.Slice((*byte)(unsafe.Pointer(physBase)), pageSize)
}

// writeAt copies data into [virtAddr, virtAddr+len(data)), crossing page
// boundaries one mapped page at a time; every page in the range must
// already be mapped.
func writeAt(k *bringup.Kernel, virtAddr uintptr, data []byte) {
	addr := virtAddr
	for len(data) > 0 {
		win := pageWindow(k, addr)
		off := int(addr - vmm.PageFromAddress(addr).Address())
		n := copy(win[off:], data)
		data = data[n:]
		addr += uintptr(n)
	}
}

func alignDown(v, align uintptr) uintptr { return v &^ (align - 1) }
