// Package memory implements GuestMemory (C3): host-backed memory slots
// registered with KVM, guest-physical-to-host-virtual translation, and ELF
// loading into guest RAM. Grounded on the original KvmVm::vm_userspace_mem_region_add /
// addr_gpa2hva / elf_load (vmrun/src/kvmvm.rs) and adapted into the teacher's
// error-wrapping idiom.
package memory

import (
	"crypto/rand"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/finallyjustice/vkvm/abi"
	"github.com/finallyjustice/vkvm/host/kvm"
	"github.com/finallyjustice/vkvm/memmap"
)

// Sentinel errors named after the error kinds in spec.md §7.
var (
	ErrSlotExists           = errors.New("memory: slot already exists")
	ErrOverlappingRegion    = errors.New("memory: overlapping userspace memory region")
	ErrMmapFailed           = errors.New("memory: mmap failed")
	ErrNoMapping            = errors.New("memory: no mapping for guest physical address")
	ErrNotAStaticBinary     = errors.New("memory: not a static binary (has PT_INTERP)")
)

const pageSize = memmap.PageSize

type slot struct {
	id       uint32
	gpa      uint64
	npages   uint64
	hostMem  []byte
}

// GuestMemory owns the host-backed slots that back a VM's guest-physical
// address space, plus the running MemoryMap describing how those frames are
// used.
type GuestMemory struct {
	vmFD   int
	slots  []slot
	MemMap memmap.MemoryMap
}

// New allocates a GuestMemory tracker with no slots registered yet. vmFD is
// the KVM VM file descriptor that AddSlot registers memory regions against.
func New(vmFD int) *GuestMemory {
	return &GuestMemory{vmFD: vmFD, MemMap: memmap.New()}
}

// AddSlot allocates npages*4096 bytes of anonymous host memory, registers it
// with KVM as guestPhys..+npages*4096 under slotID, and records the range as
// Usable in the memory map (§4.3). Slot IDs must be unique and regions must
// not overlap.
func (g *GuestMemory) AddSlot(guestPhys uint64, slotID uint32, npages uint64, flags uint32) error {
	size := npages * pageSize
	for _, s := range g.slots {
		if s.id == slotID {
			return ErrSlotExists
		}
		if guestPhys < s.gpa+s.npages*pageSize && guestPhys+size > s.gpa {
			return ErrOverlappingRegion
		}
	}

	hostMem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMmapFailed, err)
	}

	if err := kvm.DoKVMSetUserMemoryRegion(g.vmFD, slotID, guestPhys, size, uintptr(ptrOf(hostMem))); err != nil {
		unix.Munmap(hostMem)
		return err
	}

	g.slots = append(g.slots, slot{id: slotID, gpa: guestPhys, npages: npages, hostMem: hostMem})

	// Slots live for the VM's lifetime (§3 Lifecycles): deliberately never
	// munmap'd by GuestMemory itself; the KVM slot registration outlives
	// this call, so the backing pages must too.

	g.MemMap.AddRegion(memmap.MemoryRegion{
		Range: memmap.NewFrameRange(guestPhys, guestPhys+size),
		Kind:  memmap.Usable,
	})
	return nil
}

// GPAToHVA translates a guest physical address to the host virtual address
// backing it, by linear scan of the registered slots (§4.3).
func (g *GuestMemory) GPAToHVA(gpa uint64) (uintptr, error) {
	for _, s := range g.slots {
		end := s.gpa + s.npages*pageSize
		if gpa >= s.gpa && gpa < end {
			return ptrOf(s.hostMem) + uintptr(gpa-s.gpa), nil
		}
	}
	return 0, ErrNoMapping
}

// Bytes returns a byte slice over n bytes of guest memory starting at gpa,
// for callers that need a []byte view (e.g. page-table or GDT writers)
// rather than a raw pointer.
func (g *GuestMemory) Bytes(gpa uint64, n int) ([]byte, error) {
	for _, s := range g.slots {
		end := s.gpa + s.npages*pageSize
		if gpa >= s.gpa && gpa < end {
			off := gpa - s.gpa
			if off+uint64(n) > s.npages*pageSize {
				return nil, fmt.Errorf("memory: slice [0x%x,+%d) runs past end of slot %d", gpa, n, s.id)
			}
			return s.hostMem[off : off+uint64(n)], nil
		}
	}
	return nil, ErrNoMapping
}

// LoadedImage describes where an ELF binary ended up in guest physical
// memory after LoadELF.
type LoadedImage struct {
	EntryPoint uint64
	LoadAddr   uint64
	Phnum      int
}

// LoadELF reads path into host memory for the duration of the call (the
// file is not memory-mapped, and no host copy of it is kept after LoadELF
// returns), validates it is a static 64-bit ELF
// (rejecting PT_INTERP), copies each PT_LOAD segment's file bytes into guest
// RAM at its physical address, zero-fills the BSS tail, and records the
// segment's frames in the memory map under kind (C3/§4.3, §4.1 via
// MarkAllocatedRegion).
func (g *GuestMemory) LoadELF(path string, kind memmap.RegionKind) (LoadedImage, error) {
	f, err := elf.Open(path)
	if err != nil {
		return LoadedImage{}, fmt.Errorf("memory: open ELF %s: %w", path, err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 {
		return LoadedImage{}, fmt.Errorf("memory: %s: %w", path, ErrNotAStaticBinary)
	}
	for _, p := range f.Progs {
		if p.Type == elf.PT_INTERP {
			return LoadedImage{}, fmt.Errorf("memory: %s: %w", path, ErrNotAStaticBinary)
		}
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return LoadedImage{}, fmt.Errorf("memory: read ELF %s: %w", path, err)
	}

	var loadAddr uint64
	haveLoadAddr := false
	phnum := 0

	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		phnum++
		if !haveLoadAddr {
			loadAddr = p.Vaddr - p.Off
			haveLoadAddr = true
		}
		if p.Memsz == 0 {
			continue
		}

		startFrame := (p.Paddr / pageSize) * pageSize
		endFrame := ((p.Paddr+p.Memsz-1)/pageSize + 1) * pageSize
		g.MemMap.MarkAllocatedRegion(memmap.MemoryRegion{
			Range: memmap.NewFrameRange(startFrame, endFrame),
			Kind:  kind,
		})

		dst, err := g.Bytes(p.Paddr, int(p.Memsz))
		if err != nil {
			return LoadedImage{}, fmt.Errorf("memory: locating segment at 0x%x: %w", p.Paddr, err)
		}
		if p.Off+p.Filesz > uint64(len(raw)) {
			return LoadedImage{}, fmt.Errorf("memory: %s: segment file range out of bounds", path)
		}
		n := copy(dst, raw[p.Off:p.Off+p.Filesz])
		for i := n; i < len(dst); i++ {
			dst[i] = 0
		}
	}
	if !haveLoadAddr {
		return LoadedImage{}, fmt.Errorf("memory: %s: no PT_LOAD segments", path)
	}

	return LoadedImage{
		EntryPoint: f.Entry,
		LoadAddr:   loadAddr,
		Phnum:      phnum,
	}, nil
}

// WriteBootInfo writes info into the syscall page at abi.SyscallPhysAddr.
// It does not touch the memory map: the FrameZero and syscall-page InUse
// marking (recovered from the original vm_create, see SPEC_FULL.md §11) is
// done by MarkFixedRegions.
func (g *GuestMemory) WriteBootInfo(info abi.BootInfo) error {
	hva, err := g.GPAToHVA(abi.SyscallPhysAddr)
	if err != nil {
		return err
	}
	writeStruct(hva, &info)
	return nil
}

// MarkFixedRegions reclassifies the frame at address zero as FrameZero, the
// hypercall/boot-info page as InUse, and the host-built initial stack frame
// (abi.BootStackOffset) as KernelStack, before any page tables or ELF images
// are loaded. Ground truth: KvmVm::vm_create in the original. KernelStack is
// distinct from the Kernel kind LoadELF tags the kernel ELF's own frames
// with, so afterStackSwap's later SetRegionKindUsable(memmap.KernelStack)
// releases only this transient rt0 stack, not the resident kernel image.
func (g *GuestMemory) MarkFixedRegions() {
	g.MemMap.MarkAllocatedRegion(memmap.MemoryRegion{
		Range: memmap.NewFrameRange(abi.FrameZeroAddr, abi.FrameZeroAddr+pageSize),
		Kind:  memmap.FrameZero,
	})
	g.MemMap.MarkAllocatedRegion(memmap.MemoryRegion{
		Range: memmap.NewFrameRange(abi.SyscallPhysAddr, abi.SyscallPhysAddr+pageSize),
		Kind:  memmap.InUse,
	})
	g.MemMap.MarkAllocatedRegion(memmap.MemoryRegion{
		Range: memmap.NewFrameRange(abi.BootStackOffset, abi.BootStackOffset+abi.BootStackSize),
		Kind:  memmap.KernelStack,
	})
}

// WritePageTables serializes pt and copies it into guest memory starting at
// abi.PML4Start (C2).
func (g *GuestMemory) WritePageTables(pt kvm.PageTables) error {
	encoded := pt.Encode()
	dst, err := g.Bytes(abi.PML4Start, len(encoded))
	if err != nil {
		return fmt.Errorf("memory: writing page tables: %w", err)
	}
	copy(dst, encoded)
	return nil
}

// WriteGDT copies the boot GDT into guest memory at abi.BootGDTOffset.
func (g *GuestMemory) WriteGDT(gdt [4]uint64) error {
	dst, err := g.Bytes(abi.BootGDTOffset, len(gdt)*8)
	if err != nil {
		return fmt.Errorf("memory: writing boot GDT: %w", err)
	}
	for i, v := range gdt {
		putUint64(dst[i*8:], v)
	}
	return nil
}

// WriteIDTPlaceholder writes the single placeholder IDT entry at
// abi.BootIDTOffset (§4.4: "a one-entry IDT placeholder").
func (g *GuestMemory) WriteIDTPlaceholder() error {
	dst, err := g.Bytes(abi.BootIDTOffset, 8)
	if err != nil {
		return fmt.Errorf("memory: writing boot IDT placeholder: %w", err)
	}
	putUint64(dst, 0)
	return nil
}

// WriteBootStack builds the minimal Linux-process-style initial stack frame
// (argc, argv, envp, auxv, all AT_NULL/NULL-terminated) at abi.BootStackOffset
// and returns the guest-physical address RSP must be set to. This is not
// optional scaffolding: the guest kernel binary's real ELF entry point is the
// Go toolchain's own _rt0_amd64_linux, which does `MOVQ 0(SP), DI` / `LEAQ
// 8(SP), SI` to recover argc/argv before ever reaching runtime.rt0_go, and
// runtime.sysargs then walks past argv/envp to find auxv. Without a stack
// built exactly this way, that first read dereferences whatever garbage sits
// at RSP -- or, if RSP is left at zero, faults immediately, since address
// zero is deliberately never mapped (FrameZeroAddr). Supplying at least one
// real auxv pair (AT_PAGESZ) also keeps sysargs from falling back to opening
// /proc/self/auxv, which does not exist in this guest.
func (g *GuestMemory) WriteBootStack() (uint64, error) {
	const argv0 = "guestkernel\x00"

	top := abi.BootStackOffset + abi.BootStackSize
	stringsAddr := top - 64
	argv0Addr := stringsAddr
	randomAddr := argv0Addr + uint64(len(argv0))

	if err := g.writeBootStackBytes(argv0Addr, []byte(argv0)); err != nil {
		return 0, err
	}

	var random [16]byte
	if _, err := rand.Read(random[:]); err != nil {
		return 0, fmt.Errorf("memory: generating AT_RANDOM bytes: %w", err)
	}
	if err := g.writeBootStackBytes(randomAddr, random[:]); err != nil {
		return 0, err
	}

	const (
		atPageSz = 6
		atSecure = 23
		atRandom = 25
		atNull   = 0
	)
	header := []uint64{
		1,         // argc
		argv0Addr, // argv[0]
		0,         // argv NULL terminator
		0,         // envp NULL terminator (no environment)
		atPageSz, pageSize,
		atRandom, randomAddr,
		atSecure, 0,
		atNull, 0,
	}
	headerBytes := make([]byte, len(header)*8)
	for i, v := range header {
		binary.LittleEndian.PutUint64(headerBytes[i*8:], v)
	}

	rsp := alignDown(stringsAddr-uint64(len(headerBytes)), 16)
	if err := g.writeBootStackBytes(rsp, headerBytes); err != nil {
		return 0, err
	}
	return rsp, nil
}

func (g *GuestMemory) writeBootStackBytes(gpa uint64, data []byte) error {
	dst, err := g.Bytes(gpa, len(data))
	if err != nil {
		return fmt.Errorf("memory: writing boot stack at 0x%x: %w", gpa, err)
	}
	copy(dst, data)
	return nil
}

func alignDown(v, align uint64) uint64 { return v &^ (align - 1) }

func ptrOf(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

func writeStruct[T any](hva uintptr, v *T) {
	*(*T)(unsafe.Pointer(hva)) = *v
}

func putUint64(dst []byte, v uint64) {
	binary.LittleEndian.PutUint64(dst, v)
}
