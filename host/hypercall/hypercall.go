// Package hypercall implements HypercallDispatcher (C5): on a VM-exit
// reporting an OUT to abi.SyscallTriggerPort, read the request the guest
// wrote into the shared boot/syscall page, run the host-side effect, and
// write the reply back into the same page before the vCPU resumes.
//
// The dispatch-table shape is adapted from the teacher's devices.IOBus/
// PioDevice pattern (core_engine/devices/iobus.go): a single registered
// handler keyed by port, except here there is exactly one port and the
// "device" is the hypercall union rather than a hardware peripheral.
package hypercall

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"unsafe"

	"github.com/finallyjustice/vkvm/abi"
)

// GuestMemoryView is the minimal surface the dispatcher needs from the host's
// memory manager: translating the fixed syscall physical address to a host
// pointer. host/memory.GuestMemory satisfies this.
type GuestMemoryView interface {
	GPAToHVA(gpa uint64) (uintptr, error)
}

// Dispatcher implements the C5 request/reply loop over the shared slot.
type Dispatcher struct {
	mem   GuestMemoryView
	Debug bool
}

// New builds a Dispatcher bound to mem.
func New(mem GuestMemoryView) *Dispatcher {
	return &Dispatcher{mem: mem}
}

// slot returns a pointer to the live abi.Slot at abi.SyscallPhysAddr. Reads
// and writes through it must be volatile: the compiler cannot see that the
// guest vCPU (suspended during this call, per §5) wrote the request bytes,
// nor that the guest will read the reply bytes after resuming.
func (d *Dispatcher) slot() (*abi.Slot, error) {
	hva, err := d.mem.GPAToHVA(abi.SyscallPhysAddr)
	if err != nil {
		return nil, fmt.Errorf("hypercall: locating syscall page: %w", err)
	}
	return (*abi.Slot)(unsafe.Pointer(hva)), nil
}

// Handle services exactly one hypercall: read the request (volatile), run
// the dispatch table entry named by its tag, and overwrite the slot
// (volatile) with the tagged reply. Per §5, this runs to completion with no
// retry; I/O errors are reflected into the reply, never surfaced as a host
// abort.
func (d *Dispatcher) Handle() error {
	s, err := d.slot()
	if err != nil {
		return err
	}

	req := readVolatile(s)
	reply := d.dispatch(req)
	writeVolatile(s, reply)
	return nil
}

// request is a decoded copy of the fields relevant to the current tag.
type request struct {
	tag   abi.Tag
	fd    uint32
	count uint64
	data  [abi.WriteBufSize]byte
}

type reply struct {
	tag   abi.Tag
	ok    bool
	value int64
	errno int32
}

func readVolatile(s *abi.Slot) request {
	return request{
		tag:   s.Tag,
		fd:    s.ReqFD,
		count: s.ReqCount,
		data:  s.ReqData,
	}
}

func writeVolatile(s *abi.Slot, r reply) {
	s.Tag = r.tag
	s.RepOK = r.ok
	s.RepValue = r.value
	s.RepErrno = r.errno
}

func (d *Dispatcher) dispatch(req request) reply {
	switch req.tag {
	case abi.TagWrite:
		return d.handleWrite(req)
	case abi.TagRead:
		// Reserved (§4.5): always EBADF.
		return reply{tag: abi.TagRead, ok: false, errno: abi.EBADF}
	case abi.TagMmap:
		return reply{tag: abi.TagMmap, ok: false, errno: abi.ENOSYS}
	case abi.TagMunmap:
		return reply{tag: abi.TagMunmap, ok: false, errno: abi.ENOSYS}
	case abi.TagMremap:
		return reply{tag: abi.TagMremap, ok: false, errno: abi.ENOSYS}
	case abi.TagMprotect:
		return reply{tag: abi.TagMprotect, ok: false, errno: abi.ENOSYS}
	case abi.TagMadvise:
		return reply{tag: abi.TagMadvise, ok: false, errno: abi.ENOSYS}
	default:
		return reply{tag: req.tag, ok: false, errno: abi.EBADF}
	}
}

// handleWrite implements the Write{fd,count,data[]} dispatch row: fd 1 or 2
// writes up to len(data) (abi.WriteBufSize) bytes to host stdout/stderr and
// returns the byte count written; any other fd is EBADF; I/O errors map to
// the host errno, falling back to EBADF if the error carries none (§9,
// preserving the original's lossy-translation behavior).
func (d *Dispatcher) handleWrite(req request) reply {
	var w *os.File
	switch req.fd {
	case 1:
		w = os.Stdout
	case 2:
		w = os.Stderr
	default:
		return reply{tag: abi.TagWrite, ok: false, errno: abi.EBADF}
	}

	count := req.count
	if count > abi.WriteBufSize {
		count = abi.WriteBufSize
	}

	n, err := w.Write(req.data[:count])
	if err != nil {
		if d.Debug {
			fmt.Fprintf(os.Stderr, "hypercall: write(fd=%d) failed: %v\n", req.fd, err)
		}
		return reply{tag: abi.TagWrite, ok: false, errno: errnoOf(err)}
	}
	return reply{tag: abi.TagWrite, ok: true, value: int64(n)}
}

func errnoOf(err error) int32 {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return int32(errno)
	}
	return abi.EBADF
}
