package runtime

import "github.com/crosscore-rt/crosscore/internal/cpu"

// HandleSignalPause dispatches the internal pause signal: on receipt, act
// on the thread's SignalReason rather than the raw host signal number.
// SignalStop unwinds the loop, SignalPause parks the thread, and anything
// else is a spurious wakeup this returns false for so the caller can
// avoid a redundant wait/wake cycle.
//
// A signal arriving while t.Frame is inside a deferred-signal critical
// section (EnterDeferredSignalSection/ExitDeferredSignalSection) must be
// re-queued rather than acted on immediately, so invariants the critical
// section depends on are never observed half-updated.
func HandleSignalPause(t *Thread) (acted bool) {
	if t.Frame.DeferringSignals() {
		return false
	}
	switch t.SignalReason() {
	case SignalPause:
		t.pause()
		return true
	case SignalStop:
		return true
	default:
		return false
	}
}

// GuestSignal is the information captured about a synchronous host fault
// (SIGSEGV/SIGBUS/SIGFPE) that must be translated into a guest-visible
// signal.
type GuestSignal struct {
	Number       int32
	TrapNumber   int32
	ErrorCode    uint64
	FaultAddress uint64
}

// HandleGuestSignal records sig into frame's synchronous-fault scratch
// area and redirects RIP to handlerRIP, the guest's registered signal
// handler entry point (resolved by the caller from the guest's sigaction
// table, which is out of scope for this package). The dispatcher's
// ordinary LoopTop path then runs the handler like any other compiled
// region. Because ExitFunction's lowering never touches the link
// register or a return address, there is no assembly-level "return
// trampoline" for this package to construct: the guest handler's own
// RET, once compiled and executed like any other guest code, reads
// whatever return address the guest pushed, exactly as it would on real
// hardware.
//
// savedRIP is the guest RIP execution was interrupted at, which the
// caller is responsible for making available to the guest handler (via
// the guest's own signal-stack convention) before invoking this.
func HandleGuestSignal(frame *cpu.Frame, sig GuestSignal, handlerRIP uint64, savedRIP uint64) {
	frame.Fault.SignalNumber = sig.Number
	frame.Fault.TrapNumber = sig.TrapNumber
	frame.Fault.ErrorCode = sig.ErrorCode
	frame.Fault.FaultAddress = sig.FaultAddress
	_ = savedRIP // recorded by the caller's guest-stack setup, not here.
	frame.State.RIP = handlerRIP
}

// StoreThreadState captures frame's guest-visible CPU state into out, the
// scratch-frame copy a stacked signal delivery needs. Host
// general-purpose/FPU register capture is omitted: a hand-written-assembly
// dispatcher has guest values live in real host registers at the moment
// of a signal and must spill them explicitly, but in this Go port the
// only state a signal handler can observe is what already lives in
// *cpu.Frame. No live host register holds a guest value once control has
// returned to Go.
func StoreThreadState(frame *cpu.Frame, out *cpu.State) { *out = frame.State }

// RestoreThreadState is StoreThreadState's inverse, used when unwinding a
// stacked (reentrant) signal frame back to the state it interrupted.
func RestoreThreadState(frame *cpu.Frame, saved *cpu.State) { frame.State = *saved }
