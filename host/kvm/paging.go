package kvm

import "encoding/binary"

// Page table entry flag bits shared by the host's initial identity map and
// (by convention, restated in guest/kernel/vmm) the guest's own page-table
// editor.
const (
	PTEPresent  = 1 << 0
	PTEWritable = 1 << 1
	PTEUser     = 1 << 2
	PTEPageSize = 1 << 7 // PS: this entry is a huge-page leaf (2 MiB at PD level)
)

// PageTables holds the three contiguous 4 KiB tables the host writes into
// guest memory before first entry: PML4 at PML4Start, PDPT at PDPTEStart,
// PD at PDEStart. Only entry 0 of PML4 and PDPT is populated; the PD is
// filled with 2 MiB leaves covering [0, 1 GiB).
type PageTables struct {
	PML4 [512]uint64
	PDPT [512]uint64
	PD   [512]uint64
}

// BuildIdentityMap constructs the initial page tables identity-mapping guest
// physical [0, 1 GiB) with 2 MiB pages (C2), matching the original
// setup_page_tables: PML4[0] -> PDPT with P|RW|US, PDPT[0] -> PD with
// P|RW|US, and 512 PD entries each a 2 MiB leaf at (i << 21) with
// P|RW|PS.
func BuildIdentityMap() PageTables {
	var pt PageTables
	pt.PML4[0] = PDPTEStartOffset | 0x7 // P|RW|US
	pt.PDPT[0] = PDEStartOffset | 0x7   // P|RW|US
	for i := range pt.PD {
		pt.PD[i] = (uint64(i) << 21) | PTEPresent | PTEWritable | PTEPageSize
	}
	return pt
}

// PDPTEStartOffset and PDEStartOffset are PDPTEStart/PDEStart, named for use
// as the raw page-table pointer values stored in the parent entries above.
const (
	PDPTEStartOffset = 0xA000
	PDEStartOffset   = 0xB000
)

// Encode serializes the three tables as they must appear in guest memory:
// PML4 first, then PDPT, then PD, each table 4 KiB (512 little-endian
// uint64s), contiguous starting at PML4Start.
func (pt PageTables) Encode() []byte {
	buf := make([]byte, 3*512*8)
	put := func(off int, table [512]uint64) {
		for i, v := range table {
			binary.LittleEndian.PutUint64(buf[off+i*8:], v)
		}
	}
	put(0, pt.PML4)
	put(512*8, pt.PDPT)
	put(2*512*8, pt.PD)
	return buf
}
