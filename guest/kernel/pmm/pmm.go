// Package pmm implements FrameAllocator (C6): a bump allocator over the
// Usable regions of the host-supplied memory map. Grounded on gopheros's
// bootMemAllocator (kernel/mem/pmm/allocator/bootmem.go), which has the same
// shape -- a monotonic cursor over bootloader-reported regions with no
// deallocation -- generalized from gopheros's multiboot memory regions to
// this system's memmap.MemoryMap.
package pmm

import "github.com/finallyjustice/vkvm/memmap"

// Frame is a physical frame number (address = Frame * memmap.PageSize).
type Frame uint64

// Address returns the physical address of this frame's first byte.
func (f Frame) Address() uint64 { return uint64(f) * memmap.PageSize }

// BootInfoFrameAllocator hands out frames one at a time from the Usable
// regions of a memory map, in ascending address order, and never frees
// them (§4.6).
type BootInfoFrameAllocator struct {
	memMap    *memmap.MemoryMap
	regionIdx int
	nextFrame Frame
}

// Init builds an allocator over memMap. The cursor starts at the first
// non-empty Usable region's first frame; AllocateFrame advances it.
func Init(memMap *memmap.MemoryMap) *BootInfoFrameAllocator {
	a := &BootInfoFrameAllocator{memMap: memMap}
	a.seedCursor()
	return a
}

func (a *BootInfoFrameAllocator) seedCursor() {
	for a.regionIdx < int(a.memMap.NextIndex) {
		r := a.memMap.Entries[a.regionIdx]
		if r.Kind == memmap.Usable && !r.Range.IsEmpty() {
			a.nextFrame = Frame(r.Range.Start)
			return
		}
		a.regionIdx++
	}
}

// AllocateFrame returns the next free frame, or ok=false once every Usable
// region has been exhausted (fatal for the caller per §7: no recovery
// path).
func (a *BootInfoFrameAllocator) AllocateFrame() (Frame, bool) {
	for a.regionIdx < int(a.memMap.NextIndex) {
		r := a.memMap.Entries[a.regionIdx]
		endFrame := Frame(r.Range.End)

		if r.Kind != memmap.Usable || a.nextFrame >= endFrame {
			a.regionIdx++
			if a.regionIdx < int(a.memMap.NextIndex) {
				next := a.memMap.Entries[a.regionIdx]
				if next.Kind == memmap.Usable && !next.Range.IsEmpty() {
					a.nextFrame = Frame(next.Range.Start)
				}
			}
			continue
		}

		frame := a.nextFrame
		a.nextFrame++
		return frame, true
	}
	return 0, false
}

// SetRegionKindUsable reclassifies every region of kind k as Usable in the
// underlying memory map. Used once, after the kernel's stack swap, to
// release the KernelStack guard/body region's metadata back to the general
// pool (§4.6, §9 step 8).
func (a *BootInfoFrameAllocator) SetRegionKindUsable(k memmap.RegionKind) {
	a.memMap.SetRegionKindUsable(k)
}
