package context

import (
	"hash/fnv"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/crosscore-rt/crosscore/internal/backend"
	"github.com/crosscore-rt/crosscore/internal/blockcache"
	"github.com/crosscore-rt/crosscore/internal/decode"
	"github.com/crosscore-rt/crosscore/internal/dispatch"
	"github.com/crosscore-rt/crosscore/internal/ir"
)

// hashCode computes the content hash stored in blockcache.Entry.CodeHash
// and later recomputed by the caller of Cache.ValidateCode to detect
// self-modifying writes into an already-compiled guest range. FNV-1a is
// used rather than a cryptographic hash since this is purely a
// fast-path equality check guarding an invalidation decision, not a
// security boundary.
func hashCode(b []byte) uint64 {
	h := fnv.New64a()
	h.Write(b)
	return h.Sum64()
}

// CompileRIP compiles the region starting at rip: the external AOT-style
// trigger, and the same pipeline internal/runtime's dispatcher calls on
// an ordinary L1/L2 cache miss (compileForDispatcher wraps this). It runs
// decode, IR build, optimize/allocate, and lowering back to back, then
// maps the result into executable memory via c.execAlloc.
func (c *Context) CompileRIP(t *Thread, rip uint64) (*blockcache.Entry, error) {
	return c.compileRIPBudget(t, rip, c.Config.MaxInstructionsPerBlock())
}

// CompileRIPCount is CompileRIP with an explicit instruction budget
// override instead of the config default, for callers (e.g. a debugger
// single-stepping a guest) that want a narrower region compiled.
func (c *Context) CompileRIPCount(t *Thread, rip uint64, maxInst int) (*blockcache.Entry, error) {
	return c.compileRIPBudget(t, rip, maxInst)
}

func (c *Context) compileRIPBudget(t *Thread, rip uint64, budget int) (*blockcache.Entry, error) {
	if c.mem == nil {
		return nil, errors.New("context: CompileRIP requires WithGuestMemory")
	}

	blocks, err := decode.DecodeBlocks(c.mem, rip, budget)
	if err != nil {
		return nil, errors.Wrapf(err, "context: decode at %#x", rip)
	}

	g := ir.NewGraph(c.pool)
	if err := dispatch.NewBuilder(g, c.log).Lower(blocks); err != nil {
		return nil, errors.Wrapf(err, "context: IR lowering at %#x", rip)
	}

	buf, err := backend.NewCompiler(c.machine).Compile(g)
	if err != nil {
		return nil, errors.Wrapf(err, "context: backend compile at %#x", rip)
	}

	hostCode, err := c.execAlloc(buf.Code)
	if err != nil {
		return nil, errors.Wrapf(err, "context: mapping compiled code at %#x executable", rip)
	}

	guestEnd := guestRangeEnd(blocks)
	entry := &blockcache.Entry{
		GuestStart: rip,
		GuestEnd:   guestEnd,
		HostCode:   hostCode,
		CodeHash:   hashCode(c.mem.ReadCode(rip, int(guestEnd-rip))),
	}

	c.codeMu.Lock()
	c.code[rip] = buf.Code
	c.codeMu.Unlock()

	c.log.Debug("context: compiled block",
		zap.Uint64("rip", rip), zap.Uint64("end", guestEnd), zap.Int("bytes", len(buf.Code)))
	return entry, nil
}

// guestRangeEnd computes the upper bound of every guest byte the compiled
// region covers, the union blockcache.Entry.GuestEnd needs for self-modifying
// code invalidation to catch a write anywhere inside a multi-block region.
func guestRangeEnd(blocks *decode.DecodedBlocks) uint64 {
	var end uint64
	for _, addr := range blocks.Order {
		blk := blocks.Blocks[addr]
		for _, inst := range blk.Insts {
			if e := inst.RIP + uint64(inst.Length); e > end {
				end = e
			}
		}
	}
	return end
}

// InvalidateGuestCodeRange flushes every cached block overlapping
// [start, start+length) from t's L1/L2 cache, invoking cb once per
// invalidated block if non-nil.
func (c *Context) InvalidateGuestCodeRange(t *Thread, start, length uint64, cb func(e *blockcache.Entry)) {
	invalidated := t.Cache.InvalidateRange(start, start+length)
	if cb == nil {
		return
	}
	for _, e := range invalidated {
		cb(e)
	}
}
