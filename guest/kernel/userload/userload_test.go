package userload

import "testing"

// alignDown is the only piece of this package's stack-building logic with
// no guest-physical page-table dependency; buildInitialStack itself walks
// real page tables via k.Mapper.Translate (writeAt/pageWindow) and calls
// cpu.EnterUserMode, so it is exercised only inside the guest under KVM.
func TestAlignDown(t *testing.T) {
	cases := []struct{ v, align, want uintptr }{
		{0x1000, 16, 0x1000},
		{0x1001, 16, 0x1000},
		{0x100f, 16, 0x1000},
		{0x1010, 16, 0x1010},
		{0, 16, 0},
	}
	for _, c := range cases {
		if got := alignDown(c.v, c.align); got != c.want {
			t.Fatalf("alignDown(0x%x, %d) = 0x%x, want 0x%x", c.v, c.align, got, c.want)
		}
	}
}
