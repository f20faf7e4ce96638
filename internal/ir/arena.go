// Package ir implements the SSA intermediate representation: a dual-arena
// node graph (one arena of OrderedNode link headers, one arena of op
// payloads) addressed by 32-bit offsets, plus the fluent Emitter used by
// internal/dispatch to lower decoded guest instructions into IR, and the
// optimization/register-allocation passes in internal/ir/pass.
//
// IR storage is backed by internal/pool rather than a process-local bump
// allocator, so arena pages are a reclaimable, cross-thread resource;
// element addressing stays "id = offset / sizeof(T)" across a page/index
// split, so ids stay stable as the arena grows.
package ir

import (
	"unsafe"

	"github.com/crosscore-rt/crosscore/internal/pool"
)

const arenaPageElems = 256

// arena is a growable, page-based store of fixed-size elements, each page
// claimed from a pool.Pool as a Buffer (heap- or mmap-backed, per the
// pool's Backing). An element's "id" is
// its flat index across all pages (page*arenaPageElems + indexInPage),
// which never changes once assigned: this is the offset-stability
// OrderedNode/op-payload arenas require.
type arena[T any] struct {
	backing *pool.Pool
	bufs    []*pool.Buffer
	views   [][]T
	count   int // elements allocated across all pages
}

func newArena[T any](backing *pool.Pool) *arena[T] {
	return &arena[T]{backing: backing}
}

func (a *arena[T]) elemSize() int {
	var zero T
	return int(unsafe.Sizeof(zero))
}

// allocate returns the id and pointer of a newly-zeroed element.
func (a *arena[T]) allocate() (uint32, *T) {
	page := a.count / arenaPageElems
	idx := a.count % arenaPageElems
	if page >= len(a.views) {
		a.growPage()
	}
	id := uint32(a.count)
	a.count++
	elem := &a.views[page][idx]
	var zero T
	*elem = zero
	return id, elem
}

func (a *arena[T]) growPage() {
	size := arenaPageElems * a.elemSize()
	buf, err := a.backing.ClaimBuffer(size, pool.Owned)
	if err != nil {
		// Out-of-memory on the IR arena pool is fatal, never recoverable
		// mid-compile.
		panic("ir: pool allocation failure: " + err.Error())
	}
	mem := buf.Bytes()[:size]
	view := unsafe.Slice((*T)(unsafe.Pointer(&mem[0])), arenaPageElems)
	a.bufs = append(a.bufs, buf)
	a.views = append(a.views, view)
}

// view returns a pointer to the element addressed by id. id 0 is reserved
// as the sentinel/invalid slot by every arena user in this package.
func (a *arena[T]) view(id uint32) *T {
	page, idx := id/arenaPageElems, id%arenaPageElems
	return &a.views[page][idx]
}

// len returns the number of elements allocated so far.
func (a *arena[T]) len() int { return a.count }

// reset returns all backing pages to the pool and clears the arena so it
// can be reused for the next translated region.
func (a *arena[T]) reset() {
	for _, buf := range a.bufs {
		a.backing.UnclaimBuffer(buf)
	}
	a.bufs = a.bufs[:0]
	a.views = a.views[:0]
	a.count = 0
}
