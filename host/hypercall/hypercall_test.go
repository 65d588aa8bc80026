package hypercall

import (
	"os"
	"testing"
	"unsafe"

	"github.com/finallyjustice/vkvm/abi"
)

// fakeGuestMemory backs a single abi.Slot with a plain heap allocation so
// tests can exercise Dispatcher without a real KVM-backed guest.
type fakeGuestMemory struct {
	slot abi.Slot
}

func (f *fakeGuestMemory) GPAToHVA(gpa uint64) (uintptr, error) {
	if gpa != abi.SyscallPhysAddr {
		return 0, errNoMapping
	}
	return uintptr(unsafe.Pointer(&f.slot)), nil
}

var errNoMapping = &mappingError{}

type mappingError struct{}

func (*mappingError) Error() string { return "no mapping" }

func newFake() *fakeGuestMemory { return &fakeGuestMemory{} }

func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	orig := os.Stdout
	os.Stdout = w
	defer func() { os.Stdout = orig }()

	fn()
	w.Close()

	buf := make([]byte, 4096)
	n, _ := r.Read(buf)
	return string(buf[:n])
}

func TestWriteToStdout(t *testing.T) {
	// S1 Write/1: Write{fd=1, count=5, data="hello..."}.
	mem := newFake()
	copy(mem.slot.ReqData[:], "hello")
	mem.slot.Tag = abi.TagWrite
	mem.slot.ReqFD = 1
	mem.slot.ReqCount = 5

	d := New(mem)
	got := captureStdout(t, func() {
		if err := d.Handle(); err != nil {
			t.Fatalf("Handle: %v", err)
		}
	})

	if got != "hello" {
		t.Fatalf("stdout = %q, want %q", got, "hello")
	}
	if !mem.slot.RepOK || mem.slot.RepValue != 5 {
		t.Fatalf("reply = {ok=%v value=%d}, want {ok=true value=5}", mem.slot.RepOK, mem.slot.RepValue)
	}
}

func TestWriteOversizeTruncatesToBufferLength(t *testing.T) {
	// S2 Write/2 oversize: count=10000 over a 4000-byte buffer.
	mem := newFake()
	for i := range mem.slot.ReqData {
		mem.slot.ReqData[i] = 'x'
	}
	mem.slot.Tag = abi.TagWrite
	mem.slot.ReqFD = 2
	mem.slot.ReqCount = 10000

	d := New(mem)
	if err := d.Handle(); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !mem.slot.RepOK || mem.slot.RepValue != abi.WriteBufSize {
		t.Fatalf("reply = {ok=%v value=%d}, want {ok=true value=%d}", mem.slot.RepOK, mem.slot.RepValue, abi.WriteBufSize)
	}
}

func TestWriteBadFD(t *testing.T) {
	// S3 Write/bad fd.
	mem := newFake()
	mem.slot.Tag = abi.TagWrite
	mem.slot.ReqFD = 7
	mem.slot.ReqCount = 1

	d := New(mem)
	if err := d.Handle(); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if mem.slot.RepOK || mem.slot.RepErrno != abi.EBADF {
		t.Fatalf("reply = {ok=%v errno=%d}, want {ok=false errno=EBADF}", mem.slot.RepOK, mem.slot.RepErrno)
	}
}

func TestMmapReservedStub(t *testing.T) {
	// S4 Mmap stub.
	mem := newFake()
	mem.slot.Tag = abi.TagMmap

	d := New(mem)
	if err := d.Handle(); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if mem.slot.RepOK || mem.slot.RepErrno != abi.ENOSYS {
		t.Fatalf("reply = {ok=%v errno=%d}, want {ok=false errno=ENOSYS}", mem.slot.RepOK, mem.slot.RepErrno)
	}
	if mem.slot.Tag != abi.TagMmap {
		t.Fatalf("reply tag = %v, want Mmap", mem.slot.Tag)
	}
}

func TestReadAlwaysReserved(t *testing.T) {
	mem := newFake()
	mem.slot.Tag = abi.TagRead

	d := New(mem)
	if err := d.Handle(); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if mem.slot.RepOK || mem.slot.RepErrno != abi.EBADF {
		t.Fatalf("reply = {ok=%v errno=%d}, want {ok=false errno=EBADF}", mem.slot.RepOK, mem.slot.RepErrno)
	}
}
