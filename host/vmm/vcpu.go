package vmm

import (
	"fmt"
	"log"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/finallyjustice/vkvm/abi"
	hostkvm "github.com/finallyjustice/vkvm/host/kvm"
	"github.com/finallyjustice/vkvm/host/hypercall"
)

// VCPU wraps one KVM vCPU file descriptor and its mmap'd kvm_run page,
// generalizing the teacher's core_engine.VCPU from a real-mode boot loop to
// a long-mode guest whose only VM-exit of interest is the hypercall trigger
// port.
type VCPU struct {
	id        uint8
	fd        int
	vm        *VM
	run       *hostkvm.Run
	runMmap   []byte
	dispatch  *hypercall.Dispatcher
}

// NewVCPU creates vCPU id under vm, maps its kvm_run page, and programs it
// for long-mode entry at entryPoint with RSP pointed at the host-built
// initial stack frame rsp (§4.4): entryPoint is the guest kernel binary's own
// ELF entry, the Go toolchain's _rt0_amd64_linux, which expects a Linux
// process-style argc/argv/envp/auxv frame at the incoming stack pointer, not
// a register argument.
func NewVCPU(vm *VM, id uint8, entryPoint, rsp uint64) (*VCPU, error) {
	fd, err := hostkvm.DoKVMCreateVCPU(vm.vmFD, int(id))
	if err != nil {
		return nil, err
	}

	mmapSize, err := hostkvm.DoKVMGetVCPUMMapSize(vm.kvmFD)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	runMmap, err := unix.Mmap(fd, 0, mmapSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("vmm: mmap kvm_run for vcpu %d: %w", id, err)
	}

	vcpu := &VCPU{
		id:      id,
		fd:      fd,
		vm:      vm,
		run:     (*hostkvm.Run)(unsafe.Pointer(&runMmap[0])),
		runMmap: runMmap,
	}
	vcpu.dispatch = hypercall.New(vm.mem)
	vcpu.dispatch.Debug = vm.Debug

	if err := vcpu.initForLongMode(entryPoint, rsp); err != nil {
		vcpu.Close()
		return nil, err
	}
	if vm.Debug {
		log.Printf("vmm: vcpu %d ready, entry=0x%x, kvm_run mmap=%d bytes", id, entryPoint, mmapSize)
	}
	return vcpu, nil
}

// initForLongMode programs the segment/control registers and general
// purpose registers per §4.4: CS/SS/DS/ES/FS/GS from the boot GDT, LDT
// unusable, CR0/CR4/EFER/CR3 for long mode with paging already on, and
// RIP/RSP/RDI/RFLAGS for guest entry. RDI carries abi.SyscallPhysAddr, the
// BootInfo address. RSP is set to rsp, the guest-physical
// address of the host-built Linux-process-style stack frame (argc/argv/
// envp/auxv) that entryPoint's own _rt0_amd64_linux prologue reads on its
// first instructions; leaving RSP at its zero value makes that read fault
// against the unmapped frame at address zero before main ever runs.
func (vcpu *VCPU) initForLongMode(entryPoint, rsp uint64) error {
	sregs, err := hostkvm.DoKVMGetSregs(vcpu.fd)
	if err != nil {
		return fmt.Errorf("vmm: vcpu %d: %w", vcpu.id, err)
	}

	gdt := hostkvm.BootGDT()
	nullSeg := hostkvm.SegmentFromGDT(gdt[0], 0)
	codeSeg := hostkvm.SegmentFromGDT(gdt[1], 1)
	dataSeg := hostkvm.SegmentFromGDT(gdt[2], 2)
	tssSeg := hostkvm.SegmentFromGDT(gdt[3], 3)

	sregs.GDT = hostkvm.DTable{Base: abi.BootGDTOffset, Limit: uint16(len(gdt)*8 - 1)}
	sregs.IDT = hostkvm.DTable{Base: abi.BootIDTOffset, Limit: 7}
	sregs.LDT = hostkvm.UnusableSegment()

	sregs.CS = codeSeg
	sregs.SS = dataSeg
	sregs.DS = nullSeg
	sregs.ES = nullSeg
	sregs.FS = nullSeg
	sregs.GS = nullSeg
	sregs.TR = tssSeg

	sregs.CR0 = hostkvm.BootCR0
	sregs.CR4 = hostkvm.BootCR4
	sregs.EFER = hostkvm.BootEFER
	sregs.CR3 = abi.PML4Start

	if err := hostkvm.DoKVMSetSregs(vcpu.fd, sregs); err != nil {
		return fmt.Errorf("vmm: vcpu %d: %w", vcpu.id, err)
	}

	regs := &hostkvm.Regs{
		RFLAGS: 0x2,
		RIP:    entryPoint,
		RSP:    rsp,
		RDI:    abi.SyscallPhysAddr,
	}
	if err := hostkvm.DoKVMSetRegs(vcpu.fd, regs); err != nil {
		return fmt.Errorf("vmm: vcpu %d: %w", vcpu.id, err)
	}

	return hostkvm.DoKVMSetMPState(vcpu.fd)
}

// Run drives KVM_RUN until the guest halts, shuts down, or faults; the only
// exit this design services is the hypercall trigger port (C5), everything
// else is a bring-up bug and returns an error (§7: setup/runtime faults are
// fatal and abort the VM, unlike hypercall I/O errors which are reflected to
// the guest through the reply).
func (vcpu *VCPU) Run() error {
	for {
		if err := hostkvm.DoKVMRun(vcpu.fd); err != nil {
			return fmt.Errorf("vmm: vcpu %d: %w", vcpu.id, err)
		}

		switch vcpu.run.ExitReason {
		case hostkvm.ExitIO:
			io := vcpu.run.IO()
			if io.Port != abi.SyscallTriggerPort || io.Direction != hostkvm.ExitIODirOut {
				return fmt.Errorf("vmm: vcpu %d: unexpected IO exit on port 0x%x", vcpu.id, io.Port)
			}
			if err := vcpu.dispatch.Handle(); err != nil {
				return fmt.Errorf("vmm: vcpu %d: hypercall dispatch: %w", vcpu.id, err)
			}

		case hostkvm.ExitHLT:
			if vcpu.vm.Debug {
				log.Printf("vmm: vcpu %d halted", vcpu.id)
			}
			return nil

		case hostkvm.ExitShutdown:
			return fmt.Errorf("vmm: vcpu %d: KVM_EXIT_SHUTDOWN (guest triple fault)", vcpu.id)

		case hostkvm.ExitFailEntry:
			return fmt.Errorf("vmm: vcpu %d: KVM_EXIT_FAIL_ENTRY, hw reason 0x%x", vcpu.id, vcpu.run.HwReason())

		case hostkvm.ExitUnknown:
			return fmt.Errorf("vmm: vcpu %d: KVM_EXIT_UNKNOWN, hw reason 0x%x", vcpu.id, vcpu.run.HwReason())

		default:
			return fmt.Errorf("vmm: vcpu %d: unhandled exit reason %s", vcpu.id, hostkvm.ExitReasonName(vcpu.run.ExitReason))
		}
	}
}

// Close unmaps the kvm_run page and closes the vCPU file descriptor.
func (vcpu *VCPU) Close() {
	if vcpu.runMmap != nil {
		unix.Munmap(vcpu.runMmap)
		vcpu.runMmap = nil
		vcpu.run = nil
	}
	if vcpu.fd != 0 {
		unix.Close(vcpu.fd)
		vcpu.fd = 0
	}
}
