package cpu

import "testing"

// RDRAND is not a privileged instruction -- it executes identically at any
// CPL -- so unlike the rest of this package (LGDT/LIDT/LTR, CR3, INVLPG,
// IRETQ, HLT, all of which require ring 0 and would fault a normal hosted
// test process) it is safe to exercise directly here.
func TestRDRandProducesDistinctValues(t *testing.T) {
	a, okA := RDRand()
	b, okB := RDRand()
	if !okA || !okB {
		t.Skip("RDRAND returned no value after its retry loop")
	}
	if a == b {
		t.Fatalf("two consecutive RDRAND reads both returned 0x%x", a)
	}
}
