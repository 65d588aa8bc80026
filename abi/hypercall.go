package abi

// Tag discriminates the hypercall request/reply union living at
// SyscallPhysAddr once the guest has consumed its BootInfo.
type Tag uint32

const (
	TagWrite Tag = iota
	TagRead
	TagMmap
	TagMunmap
	TagMremap
	TagMprotect
	TagMadvise
)

func (t Tag) String() string {
	switch t {
	case TagWrite:
		return "Write"
	case TagRead:
		return "Read"
	case TagMmap:
		return "Mmap"
	case TagMunmap:
		return "Munmap"
	case TagMremap:
		return "Mremap"
	case TagMprotect:
		return "Mprotect"
	case TagMadvise:
		return "Madvise"
	default:
		return "Unknown"
	}
}

// WriteBufSize is the inline buffer capacity of a Write request. It is the
// actual bound the host enforces on count (see §4.5/§9 open question iii):
// rather than hard-coding a 4000-byte truncation constant independent of the
// wire struct, the struct's own buffer length is the truncation bound.
const WriteBufSize = 4000

// Linux errno values the host maps host-side I/O errors onto. Kept as
// abi-local constants (rather than importing golang.org/x/sys/unix) because
// the guest kernel is a freestanding binary that cannot import the host's
// syscall package.
const (
	EBADF  = 9
	ENOSYS = 38
)

// Slot is the tagged request/reply union at SyscallPhysAddr. The guest
// populates the Req* fields and Tag, then OUTs to SyscallTriggerPort; the
// host reads the request, performs the side effect, and overwrites the slot
// with Tag plus the Rep* fields before resuming the vCPU. Request and reply
// share storage by design (§3): there is only ever one active participant,
// so no locking is required, but every access must be volatile since the
// compiler cannot see the other side's writes.
type Slot struct {
	Tag Tag

	ReqFD         uint32
	ReqCount      uint64
	ReqAddr       uint64
	ReqLength     uint64
	ReqProt       uint32
	ReqFlags      uint32
	ReqOldAddress uint64
	ReqOldSize    uint64
	ReqNewSize    uint64
	ReqAdvice     uint32
	ReqData       [WriteBufSize]byte

	RepOK    bool
	RepValue int64
	RepErrno int32
}
