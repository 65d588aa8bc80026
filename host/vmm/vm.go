// Package vmm implements VM/VCPU bring-up (C4): creating the KVM VM and its
// vCPU, constructing guest memory and the initial page tables, loading the
// kernel and app ELF images, writing the boot GDT/IDT, and programming the
// long-mode control/segment registers before the first guest instruction.
//
// This is a direct generalization of the teacher's core_engine.VirtualMachine
// and core_engine.VCPU: same device-free bring-up shape (open /dev/kvm,
// create VM, mmap guest RAM, register the memory slot, create vCPUs), but
// entering the guest in 64-bit long mode with a BootInfo pointer instead of
// loading a flat real-mode bootloader image.
package vmm

import (
	"fmt"
	"log"

	"golang.org/x/sys/unix"

	"github.com/finallyjustice/vkvm/abi"
	hostkvm "github.com/finallyjustice/vkvm/host/kvm"
	"github.com/finallyjustice/vkvm/host/memory"
	"github.com/finallyjustice/vkvm/memmap"
)

// DefaultGuestMemBytes is the guest RAM size used when Config.MemoryBytes is
// left at zero: 2 GiB, matching the original KvmVm::vm_create_default.
const DefaultGuestMemBytes = 2 * 1024 * 1024 * 1024

// Config selects the images to boot and the resources to allocate. CLI
// parsing that populates this (kernel path, app path, vCPU id) is an
// external collaborator per spec.md §1/§6 and lives in cmd/vkvm.
type Config struct {
	KernelPath  string
	AppPath     string
	MemoryBytes uint64
	VCPUID      uint8
	Debug       bool
}

// VM owns a KVM virtual machine: its file descriptors, guest memory, and the
// single vCPU this design supports (§5: no SMP).
type VM struct {
	kvmFD int
	vmFD  int
	mem   *memory.GuestMemory
	vcpu  *VCPU
	Debug bool
}

// New brings up a VM per Config: opens /dev/kvm, creates the VM and its IRQ
// chip/PIT (kept for bring-up fidelity per SPEC_FULL.md §11 even though no
// device uses interrupts here), registers guest RAM, builds the identity
// page tables, loads the kernel and app ELF images, writes the boot
// descriptor, and programs the vCPU for long-mode entry.
func New(cfg Config) (*VM, error) {
	memBytes := cfg.MemoryBytes
	if memBytes == 0 {
		memBytes = DefaultGuestMemBytes
	}

	kvmFD, err := hostkvm.OpenDevice()
	if err != nil {
		return nil, err
	}

	vmFD, err := hostkvm.DoKVMCreateVM(kvmFD)
	if err != nil {
		unix.Close(kvmFD)
		return nil, err
	}

	vm := &VM{kvmFD: kvmFD, vmFD: vmFD, Debug: cfg.Debug}

	if err := hostkvm.DoKVMCreateIRQChip(vmFD); err != nil {
		vm.Close()
		return nil, err
	}
	if err := hostkvm.DoKVMCreatePIT2(vmFD); err != nil {
		vm.Close()
		return nil, err
	}

	mem := memory.New(vmFD)
	npages := memBytes / memmap.PageSize
	if err := mem.AddSlot(0, 0, npages, 0); err != nil {
		vm.Close()
		return nil, fmt.Errorf("vmm: registering guest RAM: %w", err)
	}
	mem.MarkFixedRegions()
	vm.mem = mem

	pt := hostkvm.BuildIdentityMap()
	if err := mem.WritePageTables(pt); err != nil {
		vm.Close()
		return nil, err
	}

	app, err := mem.LoadELF(cfg.AppPath, memmap.App)
	if err != nil {
		vm.Close()
		return nil, fmt.Errorf("vmm: loading app image: %w", err)
	}
	kernel, err := mem.LoadELF(cfg.KernelPath, memmap.Kernel)
	if err != nil {
		vm.Close()
		return nil, fmt.Errorf("vmm: loading kernel image: %w", err)
	}

	if err := mem.WriteGDT(hostkvm.BootGDT()); err != nil {
		vm.Close()
		return nil, err
	}
	if err := mem.WriteIDTPlaceholder(); err != nil {
		vm.Close()
		return nil, err
	}
	rsp, err := mem.WriteBootStack()
	if err != nil {
		vm.Close()
		return nil, err
	}

	mm := mem.MemMap
	mm.Sort()
	bootInfo := abi.BootInfo{
		MemoryMap:          mm,
		ElfEntryPoint:      app.EntryPoint,
		ElfLoadAddr:        app.LoadAddr,
		ElfPhnum:           uint64(app.Phnum),
		SyscallTriggerPort: abi.SyscallTriggerPort,
	}
	if err := mem.WriteBootInfo(bootInfo); err != nil {
		vm.Close()
		return nil, err
	}

	vcpu, err := NewVCPU(vm, cfg.VCPUID, kernel.EntryPoint, rsp)
	if err != nil {
		vm.Close()
		return nil, err
	}
	vm.vcpu = vcpu

	if vm.Debug {
		log.Printf("vmm: VM ready: guest_mem=%d bytes, kernel_entry=0x%x, app_entry=0x%x",
			memBytes, kernel.EntryPoint, app.EntryPoint)
	}
	return vm, nil
}

// Memory exposes the GuestMemory backing this VM (used by the hypercall
// dispatcher for gpa-to-hva translation).
func (vm *VM) Memory() *memory.GuestMemory { return vm.mem }

// Run drives the single vCPU's run loop to completion (§5: single-threaded,
// cooperative; the vCPU runs until it halts, shuts down, or faults).
func (vm *VM) Run() error {
	return vm.vcpu.Run()
}

// Close releases the vCPU, the VM file descriptor, and /dev/kvm. Guest RAM
// slots are intentionally not munmap'd (§3 Lifecycles: they are deliberately
// leaked from the host allocator's perspective so their lifetime matches the
// KVM slot registration, which only KVM_CREATE_VM teardown — i.e. process
// exit — actually releases).
func (vm *VM) Close() {
	if vm.vcpu != nil {
		vm.vcpu.Close()
		vm.vcpu = nil
	}
	if vm.vmFD != 0 {
		unix.Close(vm.vmFD)
		vm.vmFD = 0
	}
	if vm.kvmFD != 0 {
		unix.Close(vm.kvmFD)
		vm.kvmFD = 0
	}
}
