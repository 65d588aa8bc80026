// Package bringup implements KernelBringUp (C8): the strict, one-shot
// sequence that takes the guest from the host's identity-mapped long-mode
// entry point to a kernel running on its own stack with its own heap,
// ready to load the user application. Grounded on the original kernel's
// arch::x86_64::init/init_offset_pagetable/init_heap/init_stack
// (kernel/src/arch/x86_64/mod.rs), restructured per this spec's design
// note: rather than the original's package-level mutable statics (MAPPER,
// FRAME_ALLOCATOR, ENTRY_POINT), bring-up produces one Kernel value that is
// threaded explicitly through the stack swap instead of living in globals.
package bringup

import (
	"fmt"

	"github.com/finallyjustice/vkvm/abi"
	"github.com/finallyjustice/vkvm/guest/kernel/cpu"
	"github.com/finallyjustice/vkvm/guest/kernel/pmm"
	"github.com/finallyjustice/vkvm/guest/kernel/vmm"
	"github.com/finallyjustice/vkvm/memmap"
)

// Physical-memory offset the kernel maps all of RAM at, and the heap/stack
// layout it brings up before running any other code (§6, §9).
const (
	PhysicalMemoryOffset = 0x4E00_0000_0000
	PDPTEOffsetStart     = 0xC000

	HeapStart = 0x4E43_0000_0000
	HeapSize  = 100 * 1024

	StackStart = 0x4848_0000_0000
	StackSize  = 1024 * 1024
)

// Kernel is the post-bring-up state a single-threaded guest kernel needs:
// the paging editor, the frame allocator, and the high-water mark for
// UserLoader's mappings. It replaces the original's MAPPER/FRAME_ALLOCATOR/
// NEXT_MMAP package-level statics with one explicit value (§9 design note).
type Kernel struct {
	Mapper      *vmm.Editor
	FrameAlloc  *pmm.BootInfoFrameAllocator
	Pml4Phys    uintptr
	NextMmap    uintptr
	BootInfo    *abi.BootInfo
}

// Run executes the eight-step bring-up sequence against bootInfo (already
// read out of the shared page by the caller) and, on its last step, swaps
// onto the new kernel stack and calls entry with the fully-initialized
// Kernel. Run never returns: control passes to entry on the new stack.
func Run(bootInfo *abi.BootInfo, entry func(k *Kernel)) {
	pml4Phys := installOffsetPageTable()

	initGDTAndTSS()

	// Syscall MSR initialization (entry point, mask, STAR) is an external
	// collaborator per spec §1/§6; this design's hypercall path does not
	// need SYSCALL/SYSRET, only the IRETQ-based EnterUserMode transition.

	initIDT()

	mapper := vmm.NewEditor(PhysicalMemoryOffset)
	frameAlloc := pmm.Init(&bootInfo.MemoryMap)

	if err := initHeap(mapper, frameAlloc, pml4Phys); err != nil {
		panic(fmt.Sprintf("bringup: heap init: %v", err))
	}

	if err := initStack(mapper, frameAlloc, pml4Phys); err != nil {
		panic(fmt.Sprintf("bringup: stack init: %v", err))
	}

	k := &Kernel{
		Mapper:     mapper,
		FrameAlloc: frameAlloc,
		Pml4Phys:   pml4Phys,
		BootInfo:   bootInfo,
	}

	cpu.SwitchStack(StackStart+StackSize, func() {
		afterStackSwap(k, entry)
	})
}

// afterStackSwap runs once the boot stack has been abandoned: the region
// metadata for the host-built rt0 stack frame (memmap.KernelStack, distinct
// from the memmap.Kernel frames the kernel ELF's own code/data occupy) is
// released back to the general pool (§4.6, §9 step 8) before control passes
// to entry. SwitchStack has already moved execution onto StackStart, so
// nothing is still running on the frames this reclassifies.
func afterStackSwap(k *Kernel, entry func(k *Kernel)) {
	k.FrameAlloc.SetRegionKindUsable(memmap.KernelStack)
	entry(k)
}

// installOffsetPageTable populates 512 PDPT entries at PDPTEOffsetStart
// with 1 GiB identity leaves and attaches that PDPT into the active PML4 at
// the index PhysicalMemoryOffset maps to, then flushes both addresses
// (§4.8 step 1).
func installOffsetPageTable() uintptr {
	pdpt := (*[512]uint64)(addrAsPointer(PDPTEOffsetStart))
	for i := range pdpt {
		pdpt[i] = (uint64(i) << 30) | 0x183 // P|RW|PS|G
	}

	pml4Phys := cpu.ReadCR3()
	pml4 := (*[512]uint64)(addrAsPointer(pml4Phys))
	pml4Index := (PhysicalMemoryOffset >> 39) & 0x1ff
	pml4[pml4Index] = PDPTEOffsetStart | 0x7 // P|RW|U

	cpu.InvalidatePage(pml4Phys)
	cpu.InvalidatePage(PDPTEOffsetStart)
	return pml4Phys
}

// initHeap maps [HeapStart, HeapStart+HeapSize) P|RW (§4.8 step 5). The
// global allocator itself is an external collaborator (§1 out of scope);
// mapping the backing frames is this package's responsibility.
func initHeap(mapper *vmm.Editor, alloc *pmm.BootInfoFrameAllocator, pml4Phys uintptr) error {
	return mapRange(mapper, alloc, pml4Phys, HeapStart, HeapSize, vmm.FlagPresent|vmm.FlagWritable)
}

// initStack maps the kernel stack body [StackStart+4096, StackStart+StackSize)
// P|RW and a single guard frame at StackStart present-but-not-writable, so a
// stack overflow faults instead of corrupting adjacent memory (§4.8 step 6).
func initStack(mapper *vmm.Editor, alloc *pmm.BootInfoFrameAllocator, pml4Phys uintptr) error {
	if err := mapRange(mapper, alloc, pml4Phys, StackStart+4096, StackSize-4096, vmm.FlagPresent|vmm.FlagWritable); err != nil {
		return err
	}

	frame, ok := alloc.AllocateFrame()
	if !ok {
		return vmm.ErrFrameAllocationFailed
	}
	guardPage := vmm.PageFromAddress(StackStart)
	if err := mapper.MapTo(pml4Phys, guardPage, frame, vmm.FlagPresent, alloc); err != nil {
		return err
	}

	loadTSS(StackStart + StackSize)
	return nil
}

func mapRange(mapper *vmm.Editor, alloc *pmm.BootInfoFrameAllocator, pml4Phys uintptr, start uintptr, size uint64, flags vmm.PageTableFlags) error {
	startPage := vmm.PageFromAddress(start)
	endPage := vmm.PageFromAddress(start + uintptr(size) - 1)
	for p := startPage; p <= endPage; p++ {
		frame, ok := alloc.AllocateFrame()
		if !ok {
			return vmm.ErrFrameAllocationFailed
		}
		if err := mapper.MapTo(pml4Phys, p, frame, flags, alloc); err != nil {
			return err
		}
	}
	return nil
}
