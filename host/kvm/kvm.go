// Package kvm wraps the /dev/kvm ioctl surface this hypervisor needs: VM and
// vCPU creation, register access, memory-slot registration, and the
// kvm_run mmap. The wrapper-function shape (one DoKVMXxx per ioctl) follows
// the teacher's hypervisor package; the numeric ioctl values and struct
// layouts below are the real Linux KVM ABI constants, not placeholders.
package kvm

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Ioctl request numbers, from <linux/kvm.h>.
const (
	IoctlGetAPIVersion       = 0xAE00
	IoctlCreateVM            = 0xAE01
	IoctlGetVCPUMMapSize     = 0xAE04
	IoctlCreateVCPU          = 0xAE41
	IoctlSetUserMemoryRegion = 0x4020AE46
	IoctlSetTSSAddr          = 0xAE47
	IoctlSetIdentityMapAddr  = 0x4008AE48
	IoctlCreateIRQChip       = 0xAE60
	IoctlCreatePIT2          = 0x4040AE77
	IoctlRun                 = 0xAE80
	IoctlGetRegs             = 0x8090AE81
	IoctlSetRegs             = 0x4090AE82
	IoctlGetSregs            = 0x8138AE83
	IoctlSetSregs            = 0x4138AE84
	IoctlGetSupportedCPUID   = 0xC008AE05
	IoctlSetCPUID2           = 0x4008AE90
	IoctlSetMPState          = 0x4004AE99
)

// KVM_EXIT_* reasons reported in Run.ExitReason.
const (
	ExitUnknown       = 0
	ExitException     = 1
	ExitIO            = 2
	ExitHypercall     = 3
	ExitDebug         = 4
	ExitHLT           = 5
	ExitMMIO          = 6
	ExitIRQWindowOpen = 7
	ExitShutdown      = 8
	ExitFailEntry     = 9
	ExitIntr          = 10
	ExitInternalError = 17
)

// IO exit directions, matching KVM_EXIT_IO_{IN,OUT}.
const (
	ExitIODirIn  = 0
	ExitIODirOut = 1
)

// Segment mirrors struct kvm_segment.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Typ      uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	_        uint8
}

// DTable mirrors struct kvm_dtable (used for GDT/IDT base+limit).
type DTable struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

const numInterruptBitmapWords = (256 + 63) / 64

// Sregs mirrors struct kvm_sregs.
type Sregs struct {
	CS, DS, ES, FS, GS, SS     Segment
	TR, LDT                    Segment
	GDT, IDT                   DTable
	CR0, CR2, CR3, CR4, CR8    uint64
	EFER                       uint64
	ApicBase                   uint64
	InterruptBitmap            [numInterruptBitmapWords]uint64
}

// Regs mirrors struct kvm_regs.
type Regs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RSP, RBP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFLAGS        uint64
}

// UserspaceMemoryRegion mirrors struct kvm_userspace_memory_region.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// MPState mirrors struct kvm_mp_state.
type MPState struct {
	State uint32
}

// Run is the subset of struct kvm_run (the mmap'd per-vCPU page) this
// hypervisor reads. The IO/MMIO/fail-entry union members overlap at the same
// byte offset in the real kernel struct; Raw holds that overlapping region so
// callers can reinterpret it with IOExit/MMIOExit.
type Run struct {
	RequestInterruptWindow uint8
	_                      [7]byte
	ExitReason             uint32
	ReadyForInterrupt      uint8
	IfFlag                 uint8
	_                      [2]byte
	CR8                    uint64
	ApicBase               uint64
	Raw                    [32]uint64
}

// IOExit overlays the kvm_run.io union member.
type IOExit struct {
	Direction  uint8
	Size       uint8
	Port       uint16
	Count      uint32
	DataOffset uint64
}

// IO decodes the current IO exit out of a Run's overlapping union storage.
func (r *Run) IO() *IOExit {
	return (*IOExit)(unsafe.Pointer(&r.Raw[0]))
}

// HwReason decodes kvm_run's hardware_entry_failure_reason / internal error
// union member, which FailEntry and Unknown exits both report through.
func (r *Run) HwReason() uint64 {
	return r.Raw[0]
}

// Data returns the IO exit's inline data buffer, living at DataOffset bytes
// from the start of the Run structure.
func (r *Run) Data(io *IOExit) []byte {
	base := uintptr(unsafe.Pointer(r))
	ptr := (*byte)(unsafe.Pointer(base + uintptr(io.DataOffset)))
	size := int(io.Size) * int(io.Count)
	if size <= 0 {
		size = int(io.Size)
	}
	return unsafe.Slice(ptr, size)
}

func ioctl(fd int, req uint, arg uintptr) (uintptr, error) {
	ret, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), arg)
	if errno != 0 {
		return ret, errno
	}
	return ret, nil
}

// OpenDevice opens /dev/kvm.
func OpenDevice() (int, error) {
	fd, err := unix.Open("/dev/kvm", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("open /dev/kvm: %w", err)
	}
	return fd, nil
}

// DoKVMCreateVM issues KVM_CREATE_VM.
func DoKVMCreateVM(kvmFD int) (int, error) {
	fd, err := ioctl(kvmFD, IoctlCreateVM, 0)
	if err != nil {
		return -1, fmt.Errorf("KVM_CREATE_VM: %w", err)
	}
	return int(fd), nil
}

// DoKVMGetVCPUMMapSize issues KVM_GET_VCPU_MMAP_SIZE.
func DoKVMGetVCPUMMapSize(kvmFD int) (int, error) {
	size, err := ioctl(kvmFD, IoctlGetVCPUMMapSize, 0)
	if err != nil {
		return 0, fmt.Errorf("KVM_GET_VCPU_MMAP_SIZE: %w", err)
	}
	return int(size), nil
}

// DoKVMCreateVCPU issues KVM_CREATE_VCPU.
func DoKVMCreateVCPU(vmFD int, id int) (int, error) {
	fd, err := ioctl(vmFD, IoctlCreateVCPU, uintptr(id))
	if err != nil {
		return -1, fmt.Errorf("KVM_CREATE_VCPU(%d): %w", id, err)
	}
	return int(fd), nil
}

// DoKVMSetUserMemoryRegion issues KVM_SET_USER_MEMORY_REGION.
func DoKVMSetUserMemoryRegion(vmFD int, slot uint32, guestPhysAddr, memorySize uint64, userspaceAddr uintptr) error {
	region := UserspaceMemoryRegion{
		Slot:          slot,
		GuestPhysAddr: guestPhysAddr,
		MemorySize:    memorySize,
		UserspaceAddr: uint64(userspaceAddr),
	}
	_, err := ioctl(vmFD, IoctlSetUserMemoryRegion, uintptr(unsafe.Pointer(&region)))
	if err != nil {
		return fmt.Errorf("KVM_SET_USER_MEMORY_REGION(slot=%d): %w", slot, err)
	}
	return nil
}

// DoKVMCreateIRQChip issues KVM_CREATE_IRQCHIP.
func DoKVMCreateIRQChip(vmFD int) error {
	_, err := ioctl(vmFD, IoctlCreateIRQChip, 0)
	if err != nil {
		return fmt.Errorf("KVM_CREATE_IRQCHIP: %w", err)
	}
	return nil
}

// PITConfig mirrors struct kvm_pit_config.
type PITConfig struct {
	Flags uint32
	_     [15]uint32
}

// PITSpeakerDummy mirrors KVM_PIT_SPEAKER_DUMMY, which suppresses exits on
// writes to the legacy PC speaker port 0x61.
const PITSpeakerDummy = 1

// DoKVMCreatePIT2 issues KVM_CREATE_PIT2.
func DoKVMCreatePIT2(vmFD int) error {
	cfg := PITConfig{Flags: PITSpeakerDummy}
	_, err := ioctl(vmFD, IoctlCreatePIT2, uintptr(unsafe.Pointer(&cfg)))
	if err != nil {
		return fmt.Errorf("KVM_CREATE_PIT2: %w", err)
	}
	return nil
}

// DoKVMGetRegs issues KVM_GET_REGS.
func DoKVMGetRegs(vcpuFD int) (*Regs, error) {
	var regs Regs
	_, err := ioctl(vcpuFD, IoctlGetRegs, uintptr(unsafe.Pointer(&regs)))
	if err != nil {
		return nil, fmt.Errorf("KVM_GET_REGS: %w", err)
	}
	return &regs, nil
}

// DoKVMSetRegs issues KVM_SET_REGS.
func DoKVMSetRegs(vcpuFD int, regs *Regs) error {
	_, err := ioctl(vcpuFD, IoctlSetRegs, uintptr(unsafe.Pointer(regs)))
	if err != nil {
		return fmt.Errorf("KVM_SET_REGS: %w", err)
	}
	return nil
}

// DoKVMGetSregs issues KVM_GET_SREGS.
func DoKVMGetSregs(vcpuFD int) (*Sregs, error) {
	var sregs Sregs
	_, err := ioctl(vcpuFD, IoctlGetSregs, uintptr(unsafe.Pointer(&sregs)))
	if err != nil {
		return nil, fmt.Errorf("KVM_GET_SREGS: %w", err)
	}
	return &sregs, nil
}

// DoKVMSetSregs issues KVM_SET_SREGS.
func DoKVMSetSregs(vcpuFD int, sregs *Sregs) error {
	_, err := ioctl(vcpuFD, IoctlSetSregs, uintptr(unsafe.Pointer(sregs)))
	if err != nil {
		return fmt.Errorf("KVM_SET_SREGS: %w", err)
	}
	return nil
}

// DoKVMSetMPState issues KVM_SET_MP_STATE with MP_STATE_RUNNABLE (0), as the
// original vcpu_add_default does immediately after loading initial registers.
func DoKVMSetMPState(vcpuFD int) error {
	state := MPState{State: 0}
	_, err := ioctl(vcpuFD, IoctlSetMPState, uintptr(unsafe.Pointer(&state)))
	if err != nil {
		return fmt.Errorf("KVM_SET_MP_STATE: %w", err)
	}
	return nil
}

// DoKVMRun issues KVM_RUN, blocking until the vCPU exits back to userspace.
func DoKVMRun(vcpuFD int) error {
	_, err := ioctl(vcpuFD, IoctlRun, 0)
	if err != nil && err != unix.EINTR {
		return fmt.Errorf("KVM_RUN: %w", err)
	}
	return nil
}

// ExitReasonName renders a KVM_EXIT_* constant for logging.
func ExitReasonName(reason uint32) string {
	switch reason {
	case ExitUnknown:
		return "KVM_EXIT_UNKNOWN"
	case ExitException:
		return "KVM_EXIT_EXCEPTION"
	case ExitIO:
		return "KVM_EXIT_IO"
	case ExitHypercall:
		return "KVM_EXIT_HYPERCALL"
	case ExitDebug:
		return "KVM_EXIT_DEBUG"
	case ExitHLT:
		return "KVM_EXIT_HLT"
	case ExitMMIO:
		return "KVM_EXIT_MMIO"
	case ExitIRQWindowOpen:
		return "KVM_EXIT_IRQ_WINDOW_OPEN"
	case ExitShutdown:
		return "KVM_EXIT_SHUTDOWN"
	case ExitFailEntry:
		return "KVM_EXIT_FAIL_ENTRY"
	case ExitIntr:
		return "KVM_EXIT_INTR"
	case ExitInternalError:
		return "KVM_EXIT_INTERNAL_ERROR"
	default:
		return fmt.Sprintf("unknown KVM exit reason (%d)", reason)
	}
}
