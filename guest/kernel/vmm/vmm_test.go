package vmm

import (
	"testing"
	"unsafe"

	"github.com/finallyjustice/vkvm/guest/kernel/pmm"
)

// fakePhysMemory backs an Editor with a plain Go byte slice instead of real
// guest-physical RAM, so table walks can be exercised without the
// privileged INVLPG this package's MapTo/UpdateFlags issue on every
// install -- that instruction requires CPL0 and would fault any process
// actually running this test. Only the pure table-walk and entry-encoding
// logic below is exercised; MapTo/UpdateFlags themselves only run inside
// the guest.
type fakePhysMemory struct {
	buf    []byte
	editor *Editor
}

func newFakePhysMemory(tables int) *fakePhysMemory {
	buf := make([]byte, tables*4096+4096) // +4096 so physAddr 0 is never the slice base
	base := uintptr(unsafe.Pointer(&buf[0])) + 4096
	return &fakePhysMemory{buf: buf, editor: &Editor{offset: base}}
}

func (f *fakePhysMemory) tableAddr(i int) uintptr { return uintptr(i) * 4096 }

func TestPageFromAddressRoundTrips(t *testing.T) {
	for _, addr := range []uintptr{0, 4096, 0x7F00_0000_0000, 0x4E43_0000_1000} {
		p := PageFromAddress(addr)
		if got := p.Address(); got != addr {
			t.Fatalf("PageFromAddress(0x%x).Address() = 0x%x, want 0x%x", addr, got, addr)
		}
	}
}

func TestPageIndices(t *testing.T) {
	// A canonical address picked so each level's index is distinct and
	// easy to verify by hand: p4=1, p3=2, p2=3, p1=4.
	addr := uint64(1)<<39 | uint64(2)<<30 | uint64(3)<<21 | uint64(4)<<12
	p := PageFromAddress(uintptr(addr))
	p4, p3, p2, p1 := pageIndices(p)
	if p4 != 1 || p3 != 2 || p2 != 3 || p1 != 4 {
		t.Fatalf("pageIndices = (%d,%d,%d,%d), want (1,2,3,4)", p4, p3, p2, p1)
	}
}

func TestEntryFlagsAndFrameRoundTrip(t *testing.T) {
	frame := pmm.Frame(0x123)
	e := newEntry(uintptr(frame.Address()), FlagPresent|FlagWritable|FlagUserAccessible)

	if !e.present() {
		t.Fatal("expected present entry")
	}
	if e.huge() {
		t.Fatal("did not expect huge bit set")
	}
	if e.frameAddr() != uintptr(frame.Address()) {
		t.Fatalf("frameAddr() = 0x%x, want 0x%x", e.frameAddr(), frame.Address())
	}
	if e.flags() != FlagPresent|FlagWritable|FlagUserAccessible {
		t.Fatalf("flags() = %v, want Present|Writable|UserAccessible", e.flags())
	}
}

func TestEntryHugeBit(t *testing.T) {
	e := newEntry(0x40000000, FlagPresent|FlagHuge)
	if !e.huge() {
		t.Fatal("expected huge bit set")
	}
}

func TestTranslateWalksPresentEntries(t *testing.T) {
	mem := newFakePhysMemory(4) // root + 3 child tables
	root := mem.tableAddr(0)

	page := PageFromAddress(0x10 * 4096) // arbitrary low page
	p4i, p3i, p2i, p1i := pageIndices(page)

	l4 := mem.editor.tableAt(root)
	l4[p4i] = newEntry(mem.tableAddr(1), FlagPresent|FlagWritable)
	l3 := mem.editor.tableAt(mem.tableAddr(1))
	l3[p3i] = newEntry(mem.tableAddr(2), FlagPresent|FlagWritable)
	l2 := mem.editor.tableAt(mem.tableAddr(2))
	l2[p2i] = newEntry(mem.tableAddr(3), FlagPresent|FlagWritable)
	l1 := mem.editor.tableAt(mem.tableAddr(3))
	l1[p1i] = newEntry(uintptr(pmm.Frame(7).Address()), FlagPresent|FlagUserAccessible)

	frame, ok := mem.editor.Translate(root, page)
	if !ok {
		t.Fatal("expected Translate to resolve a present mapping")
	}
	if frame != 7 {
		t.Fatalf("Translate resolved frame %d, want 7", frame)
	}
}

func TestTranslateMissingMapping(t *testing.T) {
	mem := newFakePhysMemory(1)
	root := mem.tableAddr(0)
	page := PageFromAddress(0x20 * 4096)

	if _, ok := mem.editor.Translate(root, page); ok {
		t.Fatal("expected Translate to report no mapping for an empty table")
	}
}
