package context

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ExecAllocator turns a freshly-assembled CodeBuffer's bytes into
// executable host memory and returns its entry address, which becomes
// blockcache.Entry.HostCode. Unlike internal/runtime's EntryFunc this is
// expressible in portable Go given golang.org/x/sys/unix, so it is
// implemented here rather than injected; WithExecAllocator still lets a
// caller substitute their own.
type ExecAllocator func(code []byte) (uintptr, error)

// MmapExec is the default ExecAllocator: it maps an anonymous, private
// page as read-write, copies code into it, then mprotects it to
// read-execute. Never mapping a page writable and executable at the same
// time keeps this W^X, the same discipline any JIT that shares a host
// with unrelated code must observe even though nothing in this engine's
// threat model assumes a hostile guest.
func MmapExec(code []byte) (uintptr, error) {
	if len(code) == 0 {
		return 0, errors.New("context: MmapExec called with empty code")
	}
	mem, err := unix.Mmap(-1, 0, len(code), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return 0, errors.Wrap(err, "context: mmap")
	}
	copy(mem, code)
	if err := unix.Mprotect(mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		_ = unix.Munmap(mem)
		return 0, errors.Wrap(err, "context: mprotect")
	}
	return uintptr(unsafe.Pointer(&mem[0])), nil
}
