package cpu

import "sync/atomic"

// InSyscallBits packs the "in-syscall" status word of CpuStateFrame.
type InSyscallBits uint32

const (
	// InSyscallActive is set while a guest syscall is being marshaled and
	// executed; signal delivery checks this alongside DeferredSignalRefCount.
	InSyscallActive InSyscallBits = 1 << iota
	// InSyscallRestartable marks a syscall that should be restarted (by
	// rewinding RIP) rather than returning -EINTR to the guest.
	InSyscallRestartable
)

// FaultInfo is the synchronous-fault scratch area: populated by the signal
// handler before control is handed to HandleGuestSignal, consumed when
// converting a host SIGSEGV/SIGBUS/SIGFPE into a guest-visible signal.
type FaultInfo struct {
	SignalNumber int32
	TrapNumber   int32
	ErrorCode    uint64
	FaultAddress uint64
}

// JITPointers is the struct-of-helper-addresses reachable from generated
// code via a fixed offset off STATE: plain function addresses rather than
// a vtable, so generated code needs no indirect symbol lookup. No code in
// this module assigns these fields; runtime.NewThread leaves them zero.
type JITPointers struct {
	PrintHelper            uintptr
	CPUIDHelper             uintptr
	SyscallDispatcher       uintptr
	ExitFunctionLinker      uintptr
	DivideHelper            uintptr
	UnalignedAccessFallback uintptr
	ThunkHandler            uintptr

	// NamedVectorConstants holds precomputed vector constants (sign masks,
	// shuffle control vectors, ...) that backend lowering references by
	// index instead of materializing inline, avoiding a load-from-literal-
	// pool indirection on every use.
	NamedVectorConstants []Vector256
}

// InternalThread is the minimal subset of the owning thread record that
// CpuStateFrame needs to reference; the full type lives in internal/runtime
// to avoid an import cycle (runtime depends on cpu, not vice versa).
type InternalThread interface {
	ThreadID() int32
}

// Frame is the per-thread structure wrapping State with everything the
// dispatcher and signal sub-protocol need: the long-jump target, the
// in-syscall status word, the deferred-signal refcount, the fault scratch
// area, a back-pointer to the owning thread, and the JITPointers table.
//
// Invariant: the offset of every field here referenced from generated code
// is stable for the lifetime of the host process (see offsets.go).
type Frame struct {
	State State

	// ReturningStackLocation has a stable offset (offsets.go) but no code in
	// this module writes or reads it: ExitFunction lowering on both
	// backends stores RIP and branches through
	// JITPointers.ExitFunctionLinker without resetting SP, and
	// internal/runtime's LoopTop leaves JIT code only through an ordinary
	// return from its EntryFunc.
	ReturningStackLocation uintptr

	InSyscall InSyscallBits

	// DeferredSignalRefCount guards the host dispatcher's own critical
	// sections (pool claims, RA, state reconstruction); atomic because a
	// signal handler running on an alternate stack reads it without
	// synchronizing through the normal execution path.
	DeferredSignalRefCount int32

	Fault FaultInfo

	Thread InternalThread

	JITPointers JITPointers
}

// EnterDeferredSignalSection increments the refcount; signal delivery
// re-queues while it is non-zero.
func (f *Frame) EnterDeferredSignalSection() {
	atomic.AddInt32(&f.DeferredSignalRefCount, 1)
}

// ExitDeferredSignalSection decrements the refcount.
func (f *Frame) ExitDeferredSignalSection() {
	atomic.AddInt32(&f.DeferredSignalRefCount, -1)
}

// DeferringSignals reports whether a signal arriving right now must be
// re-queued rather than delivered immediately.
func (f *Frame) DeferringSignals() bool {
	return atomic.LoadInt32(&f.DeferredSignalRefCount) != 0 || f.InSyscall&InSyscallActive != 0
}
