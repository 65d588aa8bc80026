package kvm

import (
	"encoding/binary"
	"testing"
)

func TestBuildIdentityMapParentEntries(t *testing.T) {
	pt := BuildIdentityMap()

	if pt.PML4[0] != PDPTEStartOffset|0x7 {
		t.Fatalf("PML4[0] = 0x%x, want 0x%x", pt.PML4[0], PDPTEStartOffset|0x7)
	}
	for i := 1; i < len(pt.PML4); i++ {
		if pt.PML4[i] != 0 {
			t.Fatalf("PML4[%d] = 0x%x, want 0 (only entry 0 populated)", i, pt.PML4[i])
		}
	}

	if pt.PDPT[0] != PDEStartOffset|0x7 {
		t.Fatalf("PDPT[0] = 0x%x, want 0x%x", pt.PDPT[0], PDEStartOffset|0x7)
	}
	for i := 1; i < len(pt.PDPT); i++ {
		if pt.PDPT[i] != 0 {
			t.Fatalf("PDPT[%d] = 0x%x, want 0 (only entry 0 populated)", i, pt.PDPT[i])
		}
	}
}

func TestBuildIdentityMapPDLeavesCoverOneGiB(t *testing.T) {
	pt := BuildIdentityMap()

	for i, entry := range pt.PD {
		wantAddr := uint64(i) << 21
		if entry&^uint64(0xfff) != wantAddr {
			t.Fatalf("PD[%d] leaf address = 0x%x, want 0x%x", i, entry&^uint64(0xfff), wantAddr)
		}
		if entry&PTEPresent == 0 {
			t.Fatalf("PD[%d] missing Present bit", i)
		}
		if entry&PTEWritable == 0 {
			t.Fatalf("PD[%d] missing Writable bit", i)
		}
		if entry&PTEPageSize == 0 {
			t.Fatalf("PD[%d] missing PageSize (huge) bit", i)
		}
	}

	// Adjacent leaves must be exactly 2 MiB apart, covering [0, 1 GiB)
	// with no gaps or overlap.
	last := pt.PD[len(pt.PD)-1] &^ uint64(0xfff)
	wantLast := uint64(511) << 21
	if last != wantLast {
		t.Fatalf("last PD leaf address = 0x%x, want 0x%x", last, wantLast)
	}
	if wantLast+2*1024*1024 != 1024*1024*1024 {
		t.Fatal("sanity check failed: 512 * 2MiB must equal 1GiB")
	}
}

func TestEncodeLayout(t *testing.T) {
	pt := BuildIdentityMap()
	buf := pt.Encode()

	wantLen := 3 * 512 * 8
	if len(buf) != wantLen {
		t.Fatalf("Encode() length = %d, want %d", len(buf), wantLen)
	}

	if got := binary.LittleEndian.Uint64(buf[0:8]); got != pt.PML4[0] {
		t.Fatalf("encoded PML4[0] = 0x%x, want 0x%x", got, pt.PML4[0])
	}
	if got := binary.LittleEndian.Uint64(buf[512*8:]); got != pt.PDPT[0] {
		t.Fatalf("encoded PDPT[0] = 0x%x, want 0x%x", got, pt.PDPT[0])
	}
	if got := binary.LittleEndian.Uint64(buf[2*512*8:]); got != pt.PD[0] {
		t.Fatalf("encoded PD[0] = 0x%x, want 0x%x", got, pt.PD[0])
	}
	lastOff := 2*512*8 + 511*8
	if got := binary.LittleEndian.Uint64(buf[lastOff:]); got != pt.PD[511] {
		t.Fatalf("encoded PD[511] = 0x%x, want 0x%x", got, pt.PD[511])
	}
}
