package context

import (
	"io"

	"github.com/pkg/errors"

	"github.com/crosscore-rt/crosscore/internal/blockcache"
	"github.com/crosscore-rt/crosscore/internal/ir/aot"
	"github.com/crosscore-rt/crosscore/internal/runtime"
	"github.com/crosscore-rt/crosscore/internal/syscallabi"
)

// SignalDelegator is the signal delegation target: the host embedder's
// own signal stack and sigaction bookkeeping, which this engine must
// cooperate with rather than own outright (a guest process embedded
// inside a larger host program does not get to monopolize SIGSEGV
// handling).
type SignalDelegator interface {
	// Sigaltstack installs ss as the alternate signal stack used while
	// delivering a guest signal.
	Sigaltstack(ss []byte) error
	// RTSigaction registers the host-level handler for signal sig.
	RTSigaction(sig int32, handlerRIP uint64) error
}

// SetSignalDelegator registers sd as the host's signal delegation target.
func (c *Context) SetSignalDelegator(sd SignalDelegator) { c.delegator = sd }

// Sigaltstack forwards to the registered SignalDelegator.
func (c *Context) Sigaltstack(ss []byte) error {
	if c.delegator == nil {
		return errors.New("context: Sigaltstack called with no SignalDelegator registered")
	}
	return c.delegator.Sigaltstack(ss)
}

// RTSigaction forwards to the registered SignalDelegator.
func (c *Context) RTSigaction(sig int32, handlerRIP uint64) error {
	if c.delegator == nil {
		return errors.New("context: RT_Sigaction called with no SignalDelegator registered")
	}
	return c.delegator.RTSigaction(sig, handlerRIP)
}

// HandleGuestSignal delivers a guest-visible signal, delegating to
// internal/runtime's implementation against t's frame.
func (c *Context) HandleGuestSignal(t *Thread, sig runtime.GuestSignal, handlerRIP, savedRIP uint64) {
	runtime.HandleGuestSignal(t.Frame, sig, handlerRIP, savedRIP)
}

// HandleSignalPause dispatches the internal pause signal for t,
// delegating to internal/runtime's implementation.
func (c *Context) HandleSignalPause(t *Thread) bool {
	return runtime.HandleSignalPause(t)
}

// SetSyscallHandler installs a custom Handler for one syscall number,
// overriding (or adding to) the classification/dispatch machinery
// internal/syscallabi.NewTable seeds by default. Most embedders only need
// this for the Emulated syscalls their guest workload actually exercises
// (clone, rt_sigaction, ...).
func (c *Context) SetSyscallHandler(nr int64, h syscallabi.Handler) {
	c.syscalls.RegisterHandler(nr, h)
}

// HandleSyscall is the syscall delegation call boundary: it decodes the
// argument registers out of t's frame and dispatches through the table.
func (c *Context) HandleSyscall(t *Thread) int64 {
	args := syscallabi.ArgsFromFrame(t.Frame)
	return c.syscalls.HandleSyscall(t.Frame, args)
}

// ThunkDefinition is one {hash, handler} pair for AppendThunkDefinitions.
type ThunkDefinition struct {
	Hash    [32]byte
	Handler syscallabi.ThunkHandler
}

// AppendThunkDefinitions registers every {hash, handler} pair with the
// context's thunk table.
func (c *Context) AppendThunkDefinitions(defs []ThunkDefinition) {
	for _, d := range defs {
		c.syscalls.RegisterThunk(d.Hash, d.Handler)
	}
}

// HandleThunk is the thunk-call half of the thunk interface: a compiled
// OpThunk lowering's indirect call through
// cpu.Frame.JITPointers.ThunkHandler lands here, resolving the registered
// native handler by hash and invoking it with the guest argument pointer.
func (c *Context) HandleThunk(t *Thread, hash [32]byte, argPtr uint64) error {
	return c.syscalls.HandleThunk(t.Frame, hash, argPtr)
}

// WriteAOTCache streams every entry currently resident in t's cache to w,
// tagged with guestHash so a later LoadAOTCache call can verify the guest
// file has not changed. Only blocks this Context itself compiled (via
// CompileRIP) carry retained code bytes to serialize; an entry installed
// by a prior LoadAOTCache call, or a real host pointer obtained some
// other way, has no Go-level byte slice behind it and is skipped. An AOT
// cache records compilation work, not arbitrary memory.
func (c *Context) WriteAOTCache(w io.Writer, guestHash [32]byte, t *Thread) error {
	aw := aot.NewWriter(w, guestHash)
	c.codeMu.Lock()
	defer c.codeMu.Unlock()
	for _, e := range t.Cache.Entries() {
		code, ok := c.code[e.GuestStart]
		if !ok {
			continue
		}
		if err := aw.WriteBlock(aot.BlockRecord{
			GuestStart: e.GuestStart, GuestEnd: e.GuestEnd, CodeHash: e.CodeHash, Code: code,
		}); err != nil {
			return errors.Wrap(err, "context: writing AOT cache entry")
		}
	}
	return nil
}

// LoadAOTCache reads a stream written by WriteAOTCache via load (normally
// aot.Load), verifies guestHash, maps each block's code executable, and
// installs the resulting entries into t's cache, skipping recompilation
// entirely for every block the cache already covers.
func (c *Context) LoadAOTCache(r io.Reader, guestHash [32]byte, t *Thread, load aot.LoaderFunc) error {
	if load == nil {
		load = aot.Load
	}
	records, err := load(r, guestHash)
	if err != nil {
		return errors.Wrap(err, "context: loading AOT cache")
	}
	for _, rec := range records {
		hostCode, err := c.execAlloc(rec.Code)
		if err != nil {
			return errors.Wrapf(err, "context: mapping AOT block at %#x executable", rec.GuestStart)
		}
		t.Cache.Insert(&blockcache.Entry{
			GuestStart: rec.GuestStart, GuestEnd: rec.GuestEnd, HostCode: hostCode, CodeHash: rec.CodeHash,
		})
	}
	return nil
}
