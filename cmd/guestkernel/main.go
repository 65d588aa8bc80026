// Command guestkernel is the guest-side binary the host loads and hands
// control to at its ELF entry point. The vCPU's RIP is not set to this
// package's main directly: KVM enters at this binary's real ELF entry, the
// Go toolchain's own _rt0_amd64_linux, which expects a Linux process-style
// argc/argv/envp/auxv frame at the incoming RSP (built host-side by
// host/memory.GuestMemory.WriteBootStack and pointed to by
// host/vmm.VCPU.initForLongMode) before it falls through runtime.rt0_go and
// eventually calls main. BootInfo crosses that boundary through a fixed
// known physical address instead, read below via an unsafe cast.
package main

import (
	"unsafe"

	"github.com/finallyjustice/vkvm/abi"
	"github.com/finallyjustice/vkvm/guest/kernel/bringup"
	"github.com/finallyjustice/vkvm/guest/kernel/cpu"
	"github.com/finallyjustice/vkvm/guest/kernel/userload"
)

// main is not expected to return: KernelBringUp hands off to UserLoader,
// which transitions to user mode via IRETQ. If that somehow returns, there
// is nothing left to do but halt.
func main() {
	bootInfo := (*abi.BootInfo)(unsafe.Pointer(uintptr(abi.SyscallPhysAddr)))

	bringup.Run(bootInfo, func(k *bringup.Kernel) {
		userload.Load(k)
	})

	cpu.Halt()
}
