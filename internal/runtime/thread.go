package runtime

import (
	"sync"
	"sync/atomic"

	"github.com/crosscore-rt/crosscore/internal/blockcache"
	"github.com/crosscore-rt/crosscore/internal/cpu"
)

// SignalReason is the atomic cooperative-cancellation flag: the
// controlling thread writes it and raises the internal pause signal; the
// target thread only ever observes it at LoopTop.
type SignalReason int32

const (
	SignalNone SignalReason = iota
	SignalPause
	SignalStop
)

// Thread is one guest thread: its CPU state frame, its private L1/L2 block
// cache, and the bookkeeping LoopTop/HandleSignalPause need. Each guest
// thread corresponds to exactly one host thread: exactly one host
// goroutine runs a Thread's loop at a time.
type Thread struct {
	id int32

	Frame *cpu.Frame
	Cache *blockcache.Cache

	signalReason int32 // atomic, holds a SignalReason

	pauseMu   sync.Mutex
	pauseCond *sync.Cond
	paused    bool

	exitReason ExitReason
}

// NewThread allocates a Thread with a fresh Frame and block cache, ready
// for InitCore to seed with an entry RIP and stack pointer.
func NewThread(id int32, cache *blockcache.Cache) *Thread {
	t := &Thread{id: id, Frame: &cpu.Frame{}, Cache: cache}
	t.pauseCond = sync.NewCond(&t.pauseMu)
	t.Frame.Thread = t
	return t
}

// ThreadID implements cpu.InternalThread.
func (t *Thread) ThreadID() int32 { return t.id }

// SignalReason atomically reads the thread's pending signal request.
func (t *Thread) SignalReason() SignalReason {
	return SignalReason(atomic.LoadInt32(&t.signalReason))
}

// RequestPause is called by a controlling thread (or this thread's own
// signal-handling path) to ask the target thread to suspend at its next
// LoopTop iteration.
func (t *Thread) RequestPause() {
	atomic.StoreInt32(&t.signalReason, int32(SignalPause))
}

// RequestStop asks the target thread to unwind out of the dispatcher loop
// entirely at its next LoopTop iteration.
func (t *Thread) RequestStop() {
	atomic.StoreInt32(&t.signalReason, int32(SignalStop))
}

func (t *Thread) clearSignal() {
	atomic.StoreInt32(&t.signalReason, int32(SignalNone))
}

// pause blocks the calling (thread-owning) goroutine until Resume is
// called, the Go-level form of the pause handler's blocking wait on a
// condition variable.
func (t *Thread) pause() {
	t.pauseMu.Lock()
	t.paused = true
	for t.paused {
		t.pauseCond.Wait()
	}
	t.pauseMu.Unlock()
	t.clearSignal()
}

// Resume wakes a paused thread. Safe to call whether or not the thread is
// currently paused.
func (t *Thread) Resume() {
	t.pauseMu.Lock()
	t.paused = false
	t.pauseCond.Broadcast()
	t.pauseMu.Unlock()
}

// ExitReason reports why the thread's dispatcher loop most recently
// returned.
func (t *Thread) ExitReason() ExitReason { return t.exitReason }
