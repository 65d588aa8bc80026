package memmap

import "testing"

func TestAddRegionCoalesce(t *testing.T) {
	// S5 Memory map coalesce: add Usable [0x1000,0x2000), add Usable [0x2000,0x3000).
	m := New()
	m.AddRegion(MemoryRegion{Range: NewFrameRange(0x1000, 0x2000), Kind: Usable})
	m.AddRegion(MemoryRegion{Range: NewFrameRange(0x2000, 0x3000), Kind: Usable})

	live := m.Live()
	if len(live) != 1 {
		t.Fatalf("expected 1 coalesced region, got %d: %+v", len(live), live)
	}
	if live[0].Range.StartAddr() != 0x1000 || live[0].Range.EndAddr() != 0x3000 {
		t.Fatalf("unexpected coalesced range: %+v", live[0].Range)
	}
}

func TestMarkAllocatedRegionSplit(t *testing.T) {
	// S6 Memory map split: Usable [0x0,0x10000), mark Kernel [0x4000,0x8000).
	m := New()
	m.AddRegion(MemoryRegion{Range: NewFrameRange(0x0, 0x10000), Kind: Usable})
	m.MarkAllocatedRegion(MemoryRegion{Range: NewFrameRange(0x4000, 0x8000), Kind: Kernel})

	live := m.Live()
	if len(live) != 3 {
		t.Fatalf("expected 3 regions after split, got %d: %+v", len(live), live)
	}
	want := []MemoryRegion{
		{Range: NewFrameRange(0x0, 0x4000), Kind: Usable},
		{Range: NewFrameRange(0x4000, 0x8000), Kind: Kernel},
		{Range: NewFrameRange(0x8000, 0x10000), Kind: Usable},
	}
	for i, w := range want {
		if live[i] != w {
			t.Fatalf("region %d: got %+v, want %+v", i, live[i], w)
		}
	}
}

func TestMarkAllocatedRegionEnclosedNoop(t *testing.T) {
	m := New()
	m.AddRegion(MemoryRegion{Range: NewFrameRange(0x0, 0x1000), Kind: Kernel})
	before := m
	m.MarkAllocatedRegion(MemoryRegion{Range: NewFrameRange(0x0, 0x1000), Kind: Kernel})
	if m != before {
		t.Fatalf("enclosed same-kind mark should be a no-op")
	}
}

func TestMarkAllocatedRegionPanicsOnKindConflict(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic marking a region over a conflicting non-Usable kind")
		}
	}()
	m := New()
	m.AddRegion(MemoryRegion{Range: NewFrameRange(0x0, 0x1000), Kind: Reserved})
	m.MarkAllocatedRegion(MemoryRegion{Range: NewFrameRange(0x0, 0x1000), Kind: Kernel})
}

func TestSortCollatesEmptyToTail(t *testing.T) {
	m := New()
	m.AddRegion(MemoryRegion{Range: NewFrameRange(0x2000, 0x3000), Kind: Usable})
	m.AddRegion(MemoryRegion{Range: NewFrameRange(0x0, 0x1000), Kind: Kernel})
	m.Sort()

	live := m.Live()
	if len(live) != 2 {
		t.Fatalf("expected 2 live regions, got %d", len(live))
	}
	if live[0].Range.Start != 0 || live[1].Range.Start != 2 {
		t.Fatalf("entries not sorted by start frame: %+v", live)
	}
	for i := m.NextIndex; i < MaxRegions; i++ {
		if !m.Entries[i].Range.IsEmpty() || m.Entries[i].Kind != Empty {
			t.Fatalf("entry %d past NextIndex is not Empty: %+v", i, m.Entries[i])
		}
	}
}

func TestUnionOfFramesPreservedBySplit(t *testing.T) {
	m := New()
	m.AddRegion(MemoryRegion{Range: NewFrameRange(0x0, 0x10000), Kind: Usable})
	m.MarkAllocatedRegion(MemoryRegion{Range: NewFrameRange(0x4000, 0x8000), Kind: App})

	var total uint64
	for _, r := range m.Live() {
		total += r.Range.Len()
	}
	want := NewFrameRange(0x0, 0x10000).Len()
	if total != want {
		t.Fatalf("frame union not preserved: got %d frames, want %d", total, want)
	}
}

func TestSetRegionKindUsable(t *testing.T) {
	m := New()
	m.AddRegion(MemoryRegion{Range: NewFrameRange(0x0, 0x1000), Kind: Kernel})
	m.SetRegionKindUsable(Kernel)
	if m.Live()[0].Kind != Usable {
		t.Fatalf("expected region reclassified to Usable, got %v", m.Live()[0].Kind)
	}
}
