package backend

import (
	"github.com/pkg/errors"

	"github.com/crosscore-rt/crosscore/internal/ir"
	"github.com/crosscore-rt/crosscore/internal/ir/pass"
)

// Compiler drives one Machine across a Graph, producing a linked
// CodeBuffer. It carries no virtual-register bookkeeping of its own:
// internal/ir/pass has already assigned every surviving value a
// PhysicalRegister or spill slot, so Compiler's job reduces to walking
// blocks in order and handing each op to the Machine, then resolving the
// branch fixups Machine.LowerOp left behind.
type Compiler struct {
	mach Machine
}

// NewCompiler returns a Compiler targeting mach.
func NewCompiler(mach Machine) *Compiler { return &Compiler{mach: mach} }

// Compile runs the default optimization and register-allocation pipeline
// over g and lowers the result, mutating g in place (dead code elided,
// constants folded) the same way pass.RunDefault always does.
func (c *Compiler) Compile(g *ir.Graph) (*CodeBuffer, error) {
	m := pass.NewManager(g)
	m.NumGPR, m.NumFPR = c.mach.RegisterPools()
	if err := m.RunDefault(); err != nil {
		return nil, errors.Wrap(err, "backend: optimization pipeline")
	}
	return c.CompileAllocated(g, m.RegAlloc)
}

// CompileAllocated lowers g using an already-computed RegisterAllocationData,
// for callers that have already run a pass pipeline: Compile itself, after
// RunDefault, and tests.
func (c *Compiler) CompileAllocated(g *ir.Graph, ra *pass.RegisterAllocationData) (*CodeBuffer, error) {
	buf := NewCodeBuffer()
	frameBytes := ra.NumSlots * pass.SpillSlotBytes
	c.mach.Prologue(buf, frameBytes)

	for _, blk := range g.Blocks() {
		buf.MarkBlock(blk.ID)
		for _, id := range g.BlockOps(blk) {
			op := g.Op(id)
			if op.Kind == ir.OpInvalid {
				continue // cleared by dead-code elimination; no arena slot to lower.
			}
			if err := c.mach.LowerOp(buf, g, id, op, ra); err != nil {
				return nil, errors.Wrapf(err, "backend: lowering %s at node %d", op.Kind, id)
			}
		}
	}

	c.mach.Epilogue(buf, frameBytes)
	buf.applyFixups(c.mach)
	return buf, nil
}
