package backend

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/crosscore-rt/crosscore/internal/ir"
	"github.com/crosscore-rt/crosscore/internal/ir/pass"
	"github.com/crosscore-rt/crosscore/internal/pool"
)

// fakeMachine is a minimal Machine that emits one NOP byte per op and
// records an unconditional-branch fixup for OpJump, enough to exercise
// Compiler's block-walking and fixup-patching without any real ISA.
type fakeMachine struct {
	lowered []ir.Opcode
}

func (m *fakeMachine) Name() string { return "fake" }

func (m *fakeMachine) RegisterPools() (int, int) { return 16, 16 }

func (m *fakeMachine) Prologue(buf *CodeBuffer, frameBytes int) { buf.Emit8(0xF0) }
func (m *fakeMachine) Epilogue(buf *CodeBuffer, frameBytes int) { buf.Emit8(0xFE) }

func (m *fakeMachine) LowerOp(buf *CodeBuffer, g *ir.Graph, id ir.NodeID, op *ir.Op, ra *pass.RegisterAllocationData) error {
	m.lowered = append(m.lowered, op.Kind)
	if op.Kind == ir.OpJump {
		buf.AddFixup(op.Target, FixupRel32)
		buf.Emit32(0) // placeholder displacement
		return nil
	}
	buf.Emit8(0x90)
	return nil
}

func (m *fakeMachine) PatchBranch(buf *CodeBuffer, kind FixupKind, siteOffset, delta int) {
	var tmp [4]byte
	tmp[0] = byte(delta)
	tmp[1] = byte(delta >> 8)
	tmp[2] = byte(delta >> 16)
	tmp[3] = byte(delta >> 24)
	copy(buf.Code[siteOffset:siteOffset+4], tmp[:])
}

func twoBlockGraph(t *testing.T) (*ir.Graph, ir.NodeID, ir.NodeID) {
	t.Helper()
	g := ir.NewGraph(pool.New())
	e := ir.NewEmitter(g)

	blkA := g.CreateCodeNode()
	blkB := g.CreateNewCodeBlockAfter(blkA)

	g.SetCurrentCodeBlock(blkA)
	e.Jump(blkB)
	g.EndCodeBlock()

	g.SetCurrentCodeBlock(blkB)
	c := e.Constant(8, 1)
	e.ExitFunction(c.Node)
	g.EndCodeBlock()

	return g, blkA, blkB
}

func TestCompileAllocatedWalksBlocksInOrder(t *testing.T) {
	g, blkA, blkB := twoBlockGraph(t)
	m := pass.NewManager(g)
	require.NoError(t, m.RunDefault())

	mach := &fakeMachine{}
	buf, err := backendCompileAllocated(mach, g, m.RegAlloc)
	require.NoError(t, err)

	require.Contains(t, buf.BlockOffsets, blkA)
	require.Contains(t, buf.BlockOffsets, blkB)
	require.Less(t, buf.BlockOffsets[blkA], buf.BlockOffsets[blkB])
	require.Contains(t, mach.lowered, ir.OpJump)
	require.Contains(t, mach.lowered, ir.OpExitFunction)
}

func TestApplyFixupsPatchesResolvedBranchDelta(t *testing.T) {
	g, blkA, blkB := twoBlockGraph(t)
	m := pass.NewManager(g)
	require.NoError(t, m.RunDefault())

	mach := &fakeMachine{}
	buf, err := backendCompileAllocated(mach, g, m.RegAlloc)
	require.NoError(t, err)

	jumpSite := buf.BlockOffsets[blkA] // the Jump op is blkA's only content
	delta := int32(buf.Code[jumpSite]) | int32(buf.Code[jumpSite+1])<<8 |
		int32(buf.Code[jumpSite+2])<<16 | int32(buf.Code[jumpSite+3])<<24
	require.Equal(t, int32(buf.BlockOffsets[blkB]-jumpSite), delta)
}

// backendCompileAllocated is a tiny wrapper so tests can call
// Compiler.CompileAllocated without re-deriving the frame-size math twice.
func backendCompileAllocated(mach Machine, g *ir.Graph, ra *pass.RegisterAllocationData) (*CodeBuffer, error) {
	return NewCompiler(mach).CompileAllocated(g, ra)
}
