// Package pool implements the process-wide intrusive buffer pool that backs
// the IR arenas (see internal/ir). Buffers are coarse-grained, reclaimable
// across threads, and tracked by a small three-state ownership machine
// (Free, Owned, Disowned) so that hot paths can release a buffer without
// taking the pool mutex.
//
// Claim/Unclaim/Reclaim take the pool mutex; Disown and Reown work with
// atomic operations on the buffer's own flag (a store to disown, a
// compare-and-swap to reown), so the common
// release-and-retake cycle of a compile loop never contends on the pool.
package pool

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ClientFlag is the tri-state ownership marker of a Buffer.
type ClientFlag uint32

const (
	// Free means the buffer is not held by any client and is available to
	// ClaimBuffer.
	Free ClientFlag = iota
	// Owned means a client currently holds the buffer and may read/write it.
	Owned
	// Disowned means a client released the buffer but retained a pointer for
	// fast re-claim; the pool may reclaim it once it has been Disowned for
	// longer than the pool's reclaim window.
	Disowned
)

func (f ClientFlag) String() string {
	switch f {
	case Free:
		return "free"
	case Owned:
		return "owned"
	case Disowned:
		return "disowned"
	default:
		return "invalid"
	}
}

// DefaultReclaimWindow is the default duration a Disowned buffer must sit
// idle before the pool is permitted to reclaim it.
const DefaultReclaimWindow = 5 * time.Second

// Backing provides the actual memory behind a Buffer. The pool ships both
// an mmap-backed and a heap-backed implementation. New defaults to
// HeapBacking and no caller in this module passes MMapBacking, so the IR
// arenas (whose graphs are built on pool.New()) are heap-backed.
type Backing interface {
	Alloc(size int) ([]byte, error)
	Free(buf []byte) error
}

// Buffer is one pooled, intrusively-tracked allocation.
type Buffer struct {
	mem      []byte
	flag     atomic.Uint32
	lastUsed atomic.Int64 // UnixNano, valid only while Disowned.
	inPool   *Pool
}

// Bytes returns the backing storage. Callers must not retain it past
// UnclaimBuffer.
func (b *Buffer) Bytes() []byte { return b.mem }

// Flag reads the current ownership state.
func (b *Buffer) Flag() ClientFlag { return ClientFlag(b.flag.Load()) }

// Pool is a process-wide set of pooled buffers, claimed and reclaimed under
// a single mutex; Disown/Reown never take the mutex.
type Pool struct {
	mu        sync.Mutex
	claimed   []*Buffer
	unclaimed []*Buffer
	backing   Backing
	window    time.Duration
	log       *zap.Logger
}

// Option configures a Pool at construction time.
type Option func(*Pool)

// WithBacking overrides the default heap-backed allocator.
func WithBacking(b Backing) Option { return func(p *Pool) { p.backing = b } }

// WithReclaimWindow overrides DefaultReclaimWindow.
func WithReclaimWindow(d time.Duration) Option { return func(p *Pool) { p.window = d } }

// WithLogger attaches a zap logger used to report reclamation activity.
func WithLogger(l *zap.Logger) Option { return func(p *Pool) { p.log = l } }

// New creates an empty Pool backed by heap allocations unless overridden via
// WithBacking.
func New(opts ...Option) *Pool {
	p := &Pool{backing: HeapBacking{}, window: DefaultReclaimWindow, log: zap.NewNop()}
	for _, o := range opts {
		o(p)
	}
	return p
}

// ClaimBuffer returns a buffer of at least size bytes, marking it Owned.
// This scans the unclaimed list under the pool mutex (O(n) over the pool).
func (p *Pool) ClaimBuffer(size int, flag ClientFlag) (*Buffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, buf := range p.unclaimed {
		if len(buf.mem) >= size {
			p.unclaimed = append(p.unclaimed[:i], p.unclaimed[i+1:]...)
			buf.flag.Store(uint32(flag))
			p.claimed = append(p.claimed, buf)
			return buf, nil
		}
	}

	mem, err := p.backing.Alloc(size)
	if err != nil {
		return nil, err
	}
	buf := &Buffer{mem: mem, inPool: p}
	buf.flag.Store(uint32(flag))
	p.claimed = append(p.claimed, buf)
	return buf, nil
}

// UnclaimBuffer atomically flips the buffer to Free and moves it from the
// claimed list to the unclaimed list.
func (p *Pool) UnclaimBuffer(buf *Buffer) {
	buf.flag.Store(uint32(Free))

	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeClaimedLocked(buf)
	p.unclaimed = append(p.unclaimed, buf)
}

// DisownBuffer marks buf Disowned and stamps it with the current time. This
// is mutex-free: the buffer stays on the claimed list (so Reclaim can find
// and eventually evict it) but is logically released.
func (buf *Buffer) DisownBuffer() {
	buf.lastUsed.Store(time.Now().UnixNano())
	buf.flag.Store(uint32(Disowned))
}

// ReownOrClaimBuffer attempts a CAS from Disowned back to Owned on buf. On
// success this is O(1) and mutex-free. On failure (someone else reclaimed
// or re-owned it first, or the buffer is too small) it falls back to a full
// ClaimBuffer.
func (p *Pool) ReownOrClaimBuffer(buf *Buffer, size int, flag ClientFlag) (*Buffer, error) {
	if len(buf.mem) >= size && buf.flag.CompareAndSwap(uint32(Disowned), uint32(flag)) {
		return buf, nil
	}
	return p.ClaimBuffer(size, flag)
}

// Reclaim scans the claimed list for Disowned-and-expired buffers and moves
// them back to the unclaimed list, then frees at most one expired
// unclaimed buffer. This amortizes pool housekeeping across claims: callers
// are expected to invoke Reclaim periodically (e.g. once per ClaimBuffer),
// never from within a signal-deferred critical section.
func (p *Pool) Reclaim() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now().UnixNano()
	cutoff := now - p.window.Nanoseconds()

	var stillClaimed []*Buffer
	for _, buf := range p.claimed {
		if ClientFlag(buf.flag.Load()) == Disowned && buf.lastUsed.Load() < cutoff {
			if buf.flag.CompareAndSwap(uint32(Disowned), uint32(Free)) {
				p.unclaimed = append(p.unclaimed, buf)
				p.log.Debug("pool: reclaimed disowned buffer", zap.Int("size", len(buf.mem)))
				continue
			}
		}
		stillClaimed = append(stillClaimed, buf)
	}
	p.claimed = stillClaimed

	// Free at most one expired unclaimed buffer per call; Owned buffers are
	// never present in p.unclaimed so this can never touch a live buffer.
	for i, buf := range p.unclaimed {
		if buf.lastUsed.Load() < cutoff {
			_ = p.backing.Free(buf.mem)
			p.unclaimed = append(p.unclaimed[:i], p.unclaimed[i+1:]...)
			p.log.Debug("pool: freed expired unclaimed buffer", zap.Int("size", len(buf.mem)))
			break
		}
	}
}

func (p *Pool) removeClaimedLocked(buf *Buffer) {
	for i, c := range p.claimed {
		if c == buf {
			p.claimed = append(p.claimed[:i], p.claimed[i+1:]...)
			return
		}
	}
}

// HeapBacking allocates buffers from the Go heap. Used by allocations that
// do not need execute permission, e.g. scratch structures.
type HeapBacking struct{}

func (HeapBacking) Alloc(size int) ([]byte, error) { return make([]byte, size), nil }
func (HeapBacking) Free([]byte) error              { return nil }
