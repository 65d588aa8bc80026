// Package memmap implements the sorted, coalescing map of guest physical
// frame ranges that the host hands to the guest kernel at boot, and that the
// guest kernel continues to mutate as it carves out its own heap, stack and
// user mappings.
//
// The layout is plain-old-data on purpose: MemoryMap crosses the host/guest
// boundary as raw bytes written into the shared boot page, so it carries no
// pointers and no slices, only a fixed-size array and a cursor.
package memmap

import "sort"

// PageSize is the frame size used throughout the map: 4 KiB.
const PageSize = 4096

// MaxRegions bounds the number of live entries a MemoryMap can hold.
const MaxRegions = 64

// RegionKind classifies a MemoryRegion by how the frames in it may be used.
type RegionKind uint32

const (
	Usable RegionKind = iota
	InUse
	Reserved
	AcpiReclaimable
	AcpiNvs
	BadMemory
	Kernel
	App
	Bootloader
	FrameZero
	KernelStack
	Empty
)

func (k RegionKind) String() string {
	switch k {
	case Usable:
		return "Usable"
	case InUse:
		return "InUse"
	case Reserved:
		return "Reserved"
	case AcpiReclaimable:
		return "AcpiReclaimable"
	case AcpiNvs:
		return "AcpiNvs"
	case BadMemory:
		return "BadMemory"
	case Kernel:
		return "Kernel"
	case App:
		return "App"
	case Bootloader:
		return "Bootloader"
	case FrameZero:
		return "FrameZero"
	case KernelStack:
		return "KernelStack"
	case Empty:
		return "Empty"
	default:
		return "Unknown"
	}
}

// FrameRange is a half-open [Start, End) range of 4 KiB frame numbers.
type FrameRange struct {
	Start uint64
	End   uint64
}

// NewFrameRange builds a FrameRange from a byte-addressed [startAddr, endAddr)
// span, rounding the end address down into the frame that contains its last
// byte (mirrors the original bootloader FrameRange::new semantics).
func NewFrameRange(startAddr, endAddr uint64) FrameRange {
	lastByte := endAddr - 1
	return FrameRange{
		Start: startAddr / PageSize,
		End:   lastByte/PageSize + 1,
	}
}

// IsEmpty reports whether the range contains no frames.
func (r FrameRange) IsEmpty() bool { return r.Start == r.End }

// Len returns the number of frames in the range.
func (r FrameRange) Len() uint64 { return r.End - r.Start }

// StartAddr returns the physical start address of the range.
func (r FrameRange) StartAddr() uint64 { return r.Start * PageSize }

// EndAddr returns the physical end address of the range (exclusive).
func (r FrameRange) EndAddr() uint64 { return r.End * PageSize }

// MemoryRegion is a tagged FrameRange.
type MemoryRegion struct {
	Range FrameRange
	Kind  RegionKind
}

func emptyRegion() MemoryRegion {
	return MemoryRegion{Range: FrameRange{}, Kind: Empty}
}

// MemoryMap is a bounded, sorted, coalescing collection of MemoryRegions.
// Entries [0, NextIndex) are non-Empty and sorted by (Start, End); entries
// [NextIndex, MaxRegions) are Empty. It is plain data: copy it by value to
// hand a snapshot across the host/guest boundary.
type MemoryMap struct {
	Entries   [MaxRegions]MemoryRegion
	NextIndex uint64
}

// New returns an empty MemoryMap.
func New() MemoryMap {
	m := MemoryMap{}
	for i := range m.Entries {
		m.Entries[i] = emptyRegion()
	}
	return m
}

// Live returns the populated prefix of the map.
func (m *MemoryMap) Live() []MemoryRegion {
	return m.Entries[:m.NextIndex]
}

// SetRegionKindUsable reclassifies every region of kind k to Usable. Used
// post-boot to release the kernel stack guard bookkeeping once the stack
// swap has happened and the region is no longer special.
func (m *MemoryMap) SetRegionKindUsable(k RegionKind) {
	for i := range m.Live() {
		if m.Entries[i].Kind == k {
			m.Entries[i].Kind = Usable
		}
	}
}

// AddRegion appends region, first attempting to coalesce it into the last
// entry of the same kind whose end lies within [region.Start, region.End].
// Panics if capacity is exceeded; the memory map is sized generously enough
// that overflow indicates a caller bug, not a recoverable condition.
func (m *MemoryMap) AddRegion(region MemoryRegion) {
	for i := range m.Live() {
		last := &m.Entries[i]
		if last.Kind == region.Kind &&
			last.Range.End >= region.Range.Start &&
			last.Range.End <= region.Range.End {
			last.Range.End = region.Range.End
			return
		}
	}

	if m.NextIndex >= MaxRegions {
		panic("memmap: too many memory regions in memory map")
	}
	m.Entries[m.NextIndex] = region
	m.NextIndex++
	m.Sort()
}

// MarkAllocatedRegion carves region out of the Usable region(s) that
// currently cover it, splitting the surrounding Usable space into at most a
// prefix and a suffix. It panics if region overlaps a non-Usable region of a
// different kind, or if region does not overlap any region at all: both
// indicate an inconsistent caller-supplied memory map.
func (m *MemoryMap) MarkAllocatedRegion(region MemoryRegion) {
	for i := range m.Live() {
		r := &m.Entries[i]

		// New region already enclosed by a region of the same kind: no-op.
		if r.Kind == region.Kind &&
			r.Range.Start <= region.Range.Start &&
			r.Range.End >= region.Range.End {
			return
		}

		// New region extends an existing same-kind region: trim the request
		// to begin where the existing region ends.
		if r.Kind == region.Kind &&
			r.Range.Start <= region.Range.Start &&
			r.Range.End > region.Range.Start &&
			r.Range.End <= region.Range.End {
			region.Range.Start = r.Range.End
		}

		if region.Range.Start >= r.Range.End {
			continue
		}
		if region.Range.End <= r.Range.Start {
			continue
		}

		if r.Kind != Usable {
			panic("memmap: region overlaps with non-usable region of a different kind")
		}

		switch {
		case region.Range.Start == r.Range.Start:
			if region.Range.End < r.Range.End {
				// ----rrrrrrrrrrr----
				// ----RRRR-----------
				r.Range.Start = region.Range.End
				m.AddRegion(region)
			} else {
				// ----rrrrrrrrrrr----
				// ----RRRRRRRRRRRRRR-
				*r = region
			}
		case region.Range.Start > r.Range.Start:
			if region.Range.End < r.Range.End {
				// ----rrrrrrrrrrr----
				// ------RRRR---------
				behindR := *r
				behindR.Range.Start = region.Range.End
				r.Range.End = region.Range.Start
				m.AddRegion(behindR)
				m.AddRegion(region)
			} else {
				// ----rrrrrrrrrrr----
				// -----------RRRR----  (or further right)
				r.Range.End = region.Range.Start
				m.AddRegion(region)
			}
		default:
			// ----rrrrrrrrrrr----
			// --RRRR-------------
			r.Range.Start = region.Range.End
			m.AddRegion(region)
		}
		return
	}
	panic("memmap: region is not inside any usable memory region")
}

// Sort stably reorders the entries by (Start, End), collating Empty entries
// to the tail, and resets NextIndex to the index of the first Empty entry.
func (m *MemoryMap) Sort() {
	sort.SliceStable(m.Entries[:], func(i, j int) bool {
		ri, rj := m.Entries[i].Range, m.Entries[j].Range
		switch {
		case ri.IsEmpty() && !rj.IsEmpty():
			return false
		case !ri.IsEmpty() && rj.IsEmpty():
			return true
		case ri.IsEmpty() && rj.IsEmpty():
			return false
		case ri.Start != rj.Start:
			return ri.Start < rj.Start
		default:
			return ri.End < rj.End
		}
	})
	for i := range m.Entries {
		if m.Entries[i].Range.IsEmpty() {
			m.NextIndex = uint64(i)
			return
		}
	}
	m.NextIndex = uint64(len(m.Entries))
}
