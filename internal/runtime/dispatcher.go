package runtime

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/crosscore-rt/crosscore/internal/blockcache"
	"github.com/crosscore-rt/crosscore/internal/cpu"
)

// EntryFunc performs the one genuinely platform-specific operation this
// package cannot express in portable Go: transferring control to
// JIT-compiled machine code at hostCode with STATE pointing at frame, and
// returning control here once that code runs an ExitFunction trampoline
// back to the dispatcher loop.
//
// A production build supplies EntryFunc from per-ISA assembly
// implementing the dispatcher entry prologue and loop-top body;
// Dispatcher takes it as an injected dependency rather than shipping an
// untestable stub of its own. See DESIGN.md.
type EntryFunc func(frame *cpu.Frame, hostCode uintptr)

// CompileFunc is the block-compilation helper LoopTop calls on an L1/L2
// cache miss. Returning (nil, err) is the missing-block failure case:
// the loop stops the thread with ExitUnknownError.
type CompileFunc func(t *Thread, rip uint64) (*blockcache.Entry, error)

// Dispatcher owns the entry/compile hooks shared by every thread it runs;
// it holds no per-thread state itself (that lives on Thread).
type Dispatcher struct {
	Entry   EntryFunc
	Compile CompileFunc
	log     *zap.Logger
}

// NewDispatcher constructs a Dispatcher. entry and compile must both be
// non-nil; log may be nil (a no-op logger is substituted).
func NewDispatcher(entry EntryFunc, compile CompileFunc, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{Entry: entry, Compile: compile, log: log}
}

// LoopTop runs t's dispatcher loop until a stop is requested, via ctx
// cancellation or t.RequestStop, or until a compile fails
// (ExitUnknownError). A guest HLT does not stop it by itself: its block
// exits at HLT's own address and is re-entered unless the EntryFunc
// requests a stop. Suspension is signal-induced, and
// this loop's top is the only point at which the thread observes a pause
// or stop request; JITted code never suspends cooperatively.
func (d *Dispatcher) LoopTop(ctx context.Context, t *Thread) ExitReason {
	for {
		if ctx.Err() != nil {
			t.RequestStop()
		}

		switch t.SignalReason() {
		case SignalStop:
			t.exitReason = ExitShutdown
			return t.exitReason
		case SignalPause:
			t.pause()
			continue
		}

		rip := t.Frame.State.RIP
		entry, err := t.Cache.Lookup(rip)
		if err != nil {
			entry, err = d.Compile(t, rip)
			if err != nil {
				d.log.Error("runtime: compile failed, stopping thread",
					zap.Uint64("rip", rip), zap.Error(err))
				t.exitReason = ExitUnknownError
				return t.exitReason
			}
			t.Cache.Insert(entry)
		}

		d.Entry(t.Frame, entry.HostCode)
	}
}

// RunUntilExit starts every thread's LoopTop concurrently (one goroutine
// per host thread), installs SIGINT/SIGTERM as a cooperative stop
// request, and returns the main thread's (threads[0]'s) exit reason once
// it returns.
func (d *Dispatcher) RunUntilExit(ctx context.Context, threads []*Thread) (ExitReason, error) {
	if len(threads) == 0 {
		return ExitNone, errors.New("runtime: RunUntilExit requires at least one thread")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case <-sigCh:
			for _, t := range threads {
				t.RequestStop()
			}
			cancel()
		case <-ctx.Done():
		}
	}()

	done := make(chan ExitReason, len(threads))
	for _, t := range threads[1:] {
		go func(t *Thread) { done <- d.LoopTop(ctx, t) }(t)
	}

	mainReason := d.LoopTop(ctx, threads[0])
	for _, t := range threads[1:] {
		t.RequestStop()
		t.Resume()
	}
	for range threads[1:] {
		<-done
	}
	return mainReason, nil
}

// HandleCallback re-enters the JIT at rip on behalf of native code
// (typically a thunked C library invoking a guest function pointer). A
// hand-written-assembly dispatcher would push a synthetic
// return-trampoline onto the guest stack so the callee's RET lands back
// in host code; this Go port instead clears t's pending signal and runs
// LoopTop until the thread is stopped (RequestStop or ctx cancellation)
// or a compile fails, since there is no assembly layer here to splice a
// trampoline into (see EntryFunc).
func (d *Dispatcher) HandleCallback(ctx context.Context, t *Thread, rip uint64) ExitReason {
	t.Frame.State.RIP = rip
	t.clearSignal()
	return d.LoopTop(ctx, t)
}
