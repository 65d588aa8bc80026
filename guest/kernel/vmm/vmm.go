// Package vmm implements PagingEditor (C7): an offset-mapped editor for the
// guest kernel's 4-level x86-64 page tables. Grounded on gopheros's
// mm/vmm.PageDirectoryTable (pdt.go), which walks a table hierarchy and
// installs/reads pageTableEntry values through a flag bitmask; generalized
// from gopheros's recursive self-mapping scheme to this system's
// offset-mapped scheme (§4.8 step 1: all physical RAM is reachable at
// phys + PHYSICAL_MEMORY_OFFSET, following the original kernel's
// OffsetPageTable rather than a recursive PML4 slot).
package vmm

import (
	"errors"
	"unsafe"

	"github.com/finallyjustice/vkvm/guest/kernel/cpu"
	"github.com/finallyjustice/vkvm/guest/kernel/pmm"
)

// PageTableFlags mirrors the low bits of an x86-64 page table entry this
// kernel cares about (§4.7).
type PageTableFlags uint64

const (
	FlagPresent        PageTableFlags = 1 << 0
	FlagWritable       PageTableFlags = 1 << 1
	FlagUserAccessible PageTableFlags = 1 << 2
	FlagHuge           PageTableFlags = 1 << 7 // PS bit, for PDPTE/PDE leaves
	FlagNoExecute      PageTableFlags = 1 << 63

	physAddrMask = 0x000f_ffff_ffff_f000
)

var (
	ErrFrameAllocationFailed = errors.New("vmm: frame allocation failed")
	ErrPageAlreadyMapped     = errors.New("vmm: page already mapped to a different frame or flags")
	ErrParentEntryHugePage   = errors.New("vmm: parent entry is a huge page, cannot descend")
)

// Page is a 4 KiB virtual page number (address = Page * 4096).
type Page uint64

// PageFromAddress returns the page containing virtAddr.
func PageFromAddress(virtAddr uintptr) Page { return Page(uint64(virtAddr) / 4096) }

func (p Page) address() uintptr { return uintptr(p) * 4096 }

// Address returns the virtual address of page's first byte, for callers
// outside this package (userload's segment and stack range arithmetic).
func (p Page) Address() uintptr { return p.address() }

type entry uint64

func (e entry) present() bool       { return PageTableFlags(e)&FlagPresent != 0 }
func (e entry) huge() bool          { return PageTableFlags(e)&FlagHuge != 0 }
func (e entry) frameAddr() uintptr  { return uintptr(e) & physAddrMask }
func (e entry) flags() PageTableFlags {
	return PageTableFlags(e) &^ PageTableFlags(physAddrMask)
}
func newEntry(frameAddr uintptr, flags PageTableFlags) entry {
	return entry(uintptr(frameAddr)&physAddrMask | uintptr(flags))
}

// Editor edits the active 4-level page table hierarchy through an offset
// mapping: every physical frame is reachable at physAddr+offset without any
// table walk, because the kernel identity-offset-maps all of RAM in
// KernelBringUp step 1.
type Editor struct {
	offset uintptr
}

// NewEditor builds an Editor that reaches physical memory at
// physAddr+physMemOffset.
func NewEditor(physMemOffset uintptr) *Editor {
	return &Editor{offset: physMemOffset}
}

func (e *Editor) tableAt(physAddr uintptr) *[512]entry {
	return (*[512]entry)(unsafe.Pointer(e.offset + physAddr))
}

// PhysOffset returns the offset physical memory is reachable at, for
// callers that need to read or write a mapped frame's contents directly
// (userload's initial stack build).
func (e *Editor) PhysOffset() uintptr { return e.offset }

func pageIndices(p Page) (p4, p3, p2, p1 uint64) {
	addr := uint64(p) * 4096
	return (addr >> 39) & 0x1ff, (addr >> 30) & 0x1ff, (addr >> 21) & 0x1ff, (addr >> 12) & 0x1ff
}

// walkOrCreate descends from the root table to the level-1 table holding the
// 4 KiB leaf entry (it never stops at a huge leaf; a present huge parent
// entry is an error), allocating missing tables from alloc
// and installing them with parentFlags. Returns the table holding the leaf
// entry and the leaf's index within it.
func (e *Editor) walkOrCreate(root uintptr, p Page, parentFlags PageTableFlags, alloc *pmm.BootInfoFrameAllocator) (*[512]entry, uint64, error) {
	p4i, p3i, p2i, p1i := pageIndices(p)
	indices := [3]uint64{p4i, p3i, p2i}

	table := e.tableAt(root)
	for _, idx := range indices {
		ent := table[idx]
		if !ent.present() {
			frame, ok := alloc.AllocateFrame()
			if !ok {
				return nil, 0, ErrFrameAllocationFailed
			}
			child := e.tableAt(uintptr(frame.Address()))
			for i := range child {
				child[i] = 0
			}
			table[idx] = newEntry(uintptr(frame.Address()), FlagPresent|parentFlags)
			table = child
			continue
		}
		if ent.huge() {
			return nil, 0, ErrParentEntryHugePage
		}
		if parentFlags&FlagUserAccessible != 0 && ent.flags()&FlagUserAccessible == 0 {
			table[idx] = entry(uintptr(ent) | uintptr(FlagUserAccessible))
		}
		table = e.tableAt(ent.frameAddr())
	}
	return table, p1i, nil
}

// MapTo maps page to frame with leafFlags, allocating any missing
// intermediate tables with parentFlags via alloc (§4.7). Parent entries
// always carry Present|Writable plus UserAccessible if the leaf is
// user-accessible, per the "propagate permissive bits down the walk" rule.
func (e *Editor) MapTo(root uintptr, page Page, frame pmm.Frame, leafFlags PageTableFlags, alloc *pmm.BootInfoFrameAllocator) error {
	parentFlags := FlagPresent | FlagWritable
	if leafFlags&FlagUserAccessible != 0 {
		parentFlags |= FlagUserAccessible
	}

	table, leafIdx, err := e.walkOrCreate(root, page, parentFlags, alloc)
	if err != nil {
		return err
	}

	existing := table[leafIdx]
	if existing.present() {
		if existing.frameAddr() != uintptr(frame.Address()) || existing.flags() != leafFlags {
			return ErrPageAlreadyMapped
		}
		return nil
	}

	table[leafIdx] = newEntry(uintptr(frame.Address()), leafFlags)
	cpu.InvalidatePage(page.address())
	return nil
}

// UpdateFlags replaces the flag bits of page's existing leaf entry without
// touching the frame it resolves to (§4.7, §8.5).
func (e *Editor) UpdateFlags(root uintptr, page Page, flags PageTableFlags) error {
	p4i, p3i, p2i, p1i := pageIndices(page)
	table := e.tableAt(root)
	for _, idx := range [3]uint64{p4i, p3i, p2i} {
		ent := table[idx]
		if !ent.present() {
			return ErrPageAlreadyMapped
		}
		table = e.tableAt(ent.frameAddr())
	}
	ent := table[p1i]
	if !ent.present() {
		return ErrPageAlreadyMapped
	}
	table[p1i] = newEntry(ent.frameAddr(), flags)
	cpu.InvalidatePage(page.address())
	return nil
}

// Translate resolves page's currently-mapped frame, for tests and for
// UserLoader's writes into the mapped user stack.
func (e *Editor) Translate(root uintptr, page Page) (pmm.Frame, bool) {
	p4i, p3i, p2i, p1i := pageIndices(page)
	table := e.tableAt(root)
	for _, idx := range [3]uint64{p4i, p3i, p2i} {
		ent := table[idx]
		if !ent.present() {
			return 0, false
		}
		table = e.tableAt(ent.frameAddr())
	}
	ent := table[p1i]
	if !ent.present() {
		return 0, false
	}
	return pmm.Frame(uint64(ent.frameAddr()) / 4096), true
}
