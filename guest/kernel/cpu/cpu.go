// Package cpu declares the handful of privileged x86-64 operations the
// guest kernel needs that Go cannot express in the language itself: loading
// descriptor tables, switching CR3/stacks, invalidating TLB entries, and
// reading the hardware random number generator. Following the body-less
// function convention used throughout gopheros/kernel/gate for CPU
// primitives, each declaration here has no Go body; the instructions live
// in cpu_amd64.s.
package cpu

// LoadGDT loads the global descriptor table register (LGDT) from a packed
// base|limit descriptor at descAddr.
func LoadGDT(descAddr uintptr)

// LoadIDT loads the interrupt descriptor table register (LIDT) from a
// packed base|limit descriptor at descAddr.
func LoadIDT(descAddr uintptr)

// LoadTR loads the task register (LTR) with selector.
func LoadTR(selector uint16)

// WriteCR3 installs a new top-level page table physical address.
func WriteCR3(pml4Phys uintptr)

// ReadCR3 returns the current top-level page table physical address.
func ReadCR3() uintptr

// InvalidatePage flushes the TLB entry for virtAddr (INVLPG).
func InvalidatePage(virtAddr uintptr)

// RDRand returns one hardware random 64-bit value read via the RDRAND
// instruction, retrying internally up to 10 times per the Intel-recommended
// loop; ok is false only if every attempt failed. On a CPU without RDRAND
// the instruction raises #UD instead of returning.
func RDRand() (value uint64, ok bool)

// SwitchStack moves the stack pointer to newSP and calls entry with the old
// stack abandoned. entry must never return (the boot stack backing the old
// frame is no longer valid once this call completes). Used once, by
// KernelBringUp's final stack swap (§4.8 step 8).
func SwitchStack(newSP uintptr, entry func())

// EnterUserMode performs the ring 0 -> ring 3 transition: it loads rip into
// RIP, sp into RSP, the user code/data selectors, and IRETQs. Never
// returns.
func EnterUserMode(rip, sp uintptr)

// Halt executes HLT in a loop, forever. Used as the last resort if control
// ever falls back out of EnterUserMode.
func Halt()
