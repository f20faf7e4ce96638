package syscallabi

import "github.com/crosscore-rt/crosscore/internal/cpu"

// ThunkHandler implements one guest-library thunk: argPtr is the address
// (in guest memory) of the packed argument structure the IR's Thunk op
// loaded into the platform's first argument register before the indirect
// call through JITPointers.ThunkHandler. The return value is written back
// through whatever convention the thunked library uses; callers that need
// a return value encode it in the argument structure itself.
type ThunkHandler func(frame *cpu.Frame, argPtr uint64)

// RegisterThunk installs h under hash, the 256-bit thunk identifier: a
// hash of the thunked library symbol's name, computed ahead of time by
// the thunk generator and baked into both the guest call site and this
// table.
func (t *Table) RegisterThunk(hash [32]byte, h ThunkHandler) {
	t.thunks[hash] = h
}

// HandleThunk is the entry point a compiled OpThunk lowering calls
// through JITPointers.ThunkHandler. Spilling static registers, loading
// the argument pointer into the first platform argument register, and
// performing the indirect call are all backend-lowering's job
// (internal/backend); by the time control reaches here the argument
// setup is done and this only needs to resolve hash to a handler and
// invoke it.
//
// An unregistered hash is a guest/host library-version mismatch the
// thunking layer cannot recover from; HandleThunk reports it rather than
// silently no-oping so the caller can surface a clear diagnostic instead
// of the guest call falling through and reading undefined state.
func (t *Table) HandleThunk(frame *cpu.Frame, hash [32]byte, argPtr uint64) error {
	h, ok := t.thunks[hash]
	if !ok {
		return ErrUnknownThunk{Hash: hash}
	}
	h(frame, argPtr)
	return nil
}

// ErrUnknownThunk reports a thunk call through a hash with no registered
// handler.
type ErrUnknownThunk struct {
	Hash [32]byte
}

func (e ErrUnknownThunk) Error() string {
	return "syscallabi: no thunk registered for hash " + hexHash(e.Hash)
}

func hexHash(h [32]byte) string {
	const digits = "0123456789abcdef"
	out := make([]byte, 8) // first 4 bytes is plenty to identify a thunk in a log line
	for i := 0; i < 4; i++ {
		out[i*2] = digits[h[i]>>4]
		out[i*2+1] = digits[h[i]&0xf]
	}
	return string(out) + "..."
}
