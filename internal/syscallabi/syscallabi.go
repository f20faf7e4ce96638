// Package syscallabi is the boundary between a compiled guest block's
// OpSyscall/OpInlineSyscall/OpThunk lowering and the host. A guest
// SYSCALL instruction lowers to an indirect call through
// cpu.Frame.JITPointers.SyscallDispatcher. Nothing in this module stores
// an address there (see cpu.JITPointers); Table.HandleSyscall is the
// Go-side handler for that call. This package owns that Go side and the
// thunk equivalent (ThunkHandler / Table.HandleThunk), not the
// machine-code glue that invokes them, which is out of scope the same way
// internal/runtime's EntryFunc is (see that package's doc comment).
package syscallabi

import (
	"golang.org/x/sys/unix"

	"github.com/crosscore-rt/crosscore/internal/cpu"
)

// Args is the x86-64 Linux syscall calling convention: syscall number in
// RAX, up to six arguments in RDI, RSI, RDX, R10, R8, R9. Note R10, not
// RCX: RCX is clobbered by the SYSCALL instruction itself, which is why
// the ABI substitutes R10 for the fourth argument.
type Args struct {
	Number   int64
	A0, A1, A2, A3, A4, A5 uint64
}

// ArgsFromFrame extracts Args from the frame's current guest register
// file, the values a guest SYSCALL instruction would have just loaded.
func ArgsFromFrame(frame *cpu.Frame) Args {
	g := &frame.State.GRegs
	return Args{
		Number: int64(g[regRAX]),
		A0:     g[regRDI],
		A1:     g[regRSI],
		A2:     g[regRDX],
		A3:     g[regR10],
		A4:     g[regR8],
		A5:     g[regR9],
	}
}

const (
	regRAX = 0
	regRDI = 7
	regRSI = 6
	regRDX = 2
	regR10 = 10
	regR8  = 8
	regR9  = 9
)

// Classification records whether a syscall number is forwarded to the host
// kernel unchanged (PassThrough: its argument registers already hold
// host-meaningful values, e.g. read/write/mmap on an already-translated
// file descriptor) or needs guest-specific marshaling before or after the
// host call (Emulated: e.g. rt_sigaction, which must rewrite a guest
// sigaction struct and handler address into host form, or clone, which
// must fork a new guest Thread rather than a bare host thread).
//
// The classification is static per syscall number, not something the
// engine recomputes per call, so it is represented as a lookup table
// built once at table construction.
type Classification uint8

const (
	// Unknown means the syscall number has no registered handler and no
	// classification; HandleSyscall returns -ENOSYS for these.
	Unknown Classification = iota
	PassThrough
	Emulated
)

// Handler marshals one emulated syscall: frame gives it access to full
// guest state (needed by syscalls like clone or rt_sigreturn that touch
// more than their argument registers), args is the decoded register file.
// The return value is the guest-visible result, already in the guest's
// "negative errno" convention.
type Handler func(frame *cpu.Frame, args Args) int64

// Table is the per-context syscall and thunk dispatch table: per-syscall
// handlers indexed by number, plus the thunk-hash table maintained
// alongside them. The zero value is usable; RegisterHandler and
// RegisterThunk populate it.
type Table struct {
	classification map[int64]Classification
	handlers       map[int64]Handler
	thunks         map[[32]byte]ThunkHandler
}

// NewTable returns a Table pre-seeded with the Linux x86-64 pass-through
// classification for the small set of syscalls this engine's test suite
// and Classification docs exercise. Context uses this table as is: any
// other syscall number stays Unknown (and returns -ENOSYS) unless a
// handler is registered for it through RegisterHandler. The seed set is
// deliberately small and named, not a full port of the ~350-entry
// syscall_64.tbl.
func NewTable() *Table {
	t := &Table{
		classification: make(map[int64]Classification),
		handlers:       make(map[int64]Handler),
		thunks:         make(map[[32]byte]ThunkHandler),
	}
	for _, nr := range []int64{
		unix.SYS_READ, unix.SYS_WRITE, unix.SYS_CLOSE, unix.SYS_FSTAT,
		unix.SYS_LSEEK, unix.SYS_MMAP, unix.SYS_MPROTECT, unix.SYS_MUNMAP,
		unix.SYS_BRK, unix.SYS_PREAD64, unix.SYS_PWRITE64, unix.SYS_OPENAT,
		unix.SYS_GETPID, unix.SYS_GETTID, unix.SYS_EXIT, unix.SYS_EXIT_GROUP,
	} {
		t.classification[nr] = PassThrough
	}
	for _, nr := range []int64{
		unix.SYS_CLONE, unix.SYS_RT_SIGACTION, unix.SYS_RT_SIGPROCMASK,
		unix.SYS_SIGALTSTACK, unix.SYS_RT_SIGRETURN, unix.SYS_ARCH_PRCTL,
		unix.SYS_SET_TID_ADDRESS, unix.SYS_EXECVE,
	} {
		t.classification[nr] = Emulated
	}
	return t
}

// Classify reports nr's classification, Unknown if nr was never registered.
func (t *Table) Classify(nr int64) Classification {
	if c, ok := t.classification[nr]; ok {
		return c
	}
	return Unknown
}

// RegisterHandler installs h as the Emulated-path handler for nr and marks
// nr Emulated if it had no prior classification.
func (t *Table) RegisterHandler(nr int64, h Handler) {
	if _, ok := t.classification[nr]; !ok {
		t.classification[nr] = Emulated
	}
	t.handlers[nr] = h
}

// linuxErrno converts a host error returned by golang.org/x/sys/unix into
// the guest's "negative errno" return convention, the same convention
// every Linux syscall ABI (guest or host) already uses on the return path.
func linuxErrno(err error) int64 {
	if err == nil {
		return 0
	}
	if errno, ok := err.(unix.Errno); ok {
		return -int64(errno)
	}
	return -int64(unix.EIO)
}

// HandleSyscall is the single entry point a compiled OpSyscall/
// OpInlineSyscall lowering calls through JITPointers.SyscallDispatcher.
// PassThrough syscalls are forwarded to the host kernel unchanged via
// unix.Syscall6; Emulated ones go through the registered Handler;
// anything with neither returns -ENOSYS.
//
// frame.InSyscall brackets the call, so a signal arriving mid-syscall
// sees InSyscallActive set and defers rather than racing the marshaling
// the Handler or passthrough dispatch performs.
func (t *Table) HandleSyscall(frame *cpu.Frame, args Args) int64 {
	frame.InSyscall |= cpu.InSyscallActive
	defer func() { frame.InSyscall &^= cpu.InSyscallActive }()

	switch t.Classify(args.Number) {
	case PassThrough:
		r, _, errno := unix.Syscall6(uintptr(args.Number),
			uintptr(args.A0), uintptr(args.A1), uintptr(args.A2),
			uintptr(args.A3), uintptr(args.A4), uintptr(args.A5))
		if errno != 0 {
			return -int64(errno)
		}
		return int64(r)
	case Emulated:
		if h, ok := t.handlers[args.Number]; ok {
			return h(frame, args)
		}
		return -int64(unix.ENOSYS)
	default:
		return -int64(unix.ENOSYS)
	}
}

