package ir

import (
	"testing"

	"github.com/crosscore-rt/crosscore/internal/cpu"
	"github.com/crosscore-rt/crosscore/internal/pool"
	"github.com/stretchr/testify/require"
)

func newTestGraph(t *testing.T) *Graph {
	t.Helper()
	return NewGraph(pool.New())
}

func TestEmitterLinksIntoCurrentBlock(t *testing.T) {
	g := newTestGraph(t)
	e := NewEmitter(g)

	entry := g.CreateCodeNode()
	g.SetCurrentCodeBlock(entry)

	c1 := e.Constant(4, 10)
	c2 := e.Constant(4, 20)
	sum := e.Add(4, c1.Node, c2.Node)
	g.EndCodeBlock()

	blk := g.BlockByID(entry)
	require.True(t, blk.closed)
	require.Equal(t, uint32(1), g.Node(c1.Node).NumUses, "c1 used once by the add")
	require.Equal(t, uint32(1), g.Node(c2.Node).NumUses, "c2 used once by the add")
	require.Equal(t, uint32(0), g.Node(sum.Node).NumUses, "sum not yet consumed")
	require.Equal(t, OpAdd, g.Op(sum.Node).Kind)
}

// TestInvariantOneUseCountsMatchReferences exercises spec invariant 1: a
// node's NumUses must equal the number of operand slots across the whole
// graph that reference it.
func TestInvariantOneUseCountsMatchReferences(t *testing.T) {
	g := newTestGraph(t)
	e := NewEmitter(g)

	entry := g.CreateCodeNode()
	g.SetCurrentCodeBlock(entry)
	a := e.Constant(8, 1)
	b := e.Constant(8, 2)
	_ = e.Add(8, a.Node, b.Node)
	_ = e.Sub(8, a.Node, b.Node)
	_ = e.Xor(8, a.Node, a.Node)
	g.EndCodeBlock()

	counted := map[NodeID]uint32{}
	for i := 1; i < g.NumNodes(); i++ {
		id := NodeID(i)
		op := g.Op(id)
		for _, ref := range args(op) {
			counted[ref]++
		}
		if op.Target.Valid() {
			counted[op.Target]++
		}
		if op.TargetElse.Valid() {
			counted[op.TargetElse]++
		}
	}
	for id, want := range counted {
		require.Equal(t, want, g.Node(id).NumUses, "node %d", id)
	}
}

func TestJumpCarriesBlockArguments(t *testing.T) {
	g := newTestGraph(t)
	e := NewEmitter(g)

	entry := g.CreateCodeNode()
	target := g.CreateNewCodeBlockAfter(entry)

	g.SetCurrentCodeBlock(entry)
	v := e.Constant(4, 42)
	e.Jump(target, v.Node)
	g.EndCodeBlock()

	g.SetCurrentCodeBlock(target)
	g.EndCodeBlock()

	blk := g.BlockByID(entry)
	require.Contains(t, blk.Succs, target)
	require.Contains(t, g.BlockByID(target).Preds, entry)

	jumpOp := g.Op(g.lastContentNode(blk))
	require.Equal(t, OpJump, jumpOp.Kind)
	require.Equal(t, target, jumpOp.Target)
	require.Equal(t, []NodeID{v.Node}, jumpOp.ExtraArgs)
	require.Equal(t, uint32(1), g.Node(v.Node).NumUses)
}

func TestResumingABlockAppendsAfterPriorContent(t *testing.T) {
	g := newTestGraph(t)
	e := NewEmitter(g)

	entry := g.CreateCodeNode()
	other := g.CreateCodeNode()

	g.SetCurrentCodeBlock(entry)
	first := e.Constant(4, 1)

	g.SetCurrentCodeBlock(other)
	e.Constant(4, 99)
	g.EndCodeBlock()

	g.SetCurrentCodeBlock(entry) // resume; switching to other closed it
	second := e.Constant(4, 2)
	g.EndCodeBlock()

	n := g.Node(first.Node)
	require.Equal(t, second.Node, n.Next)
}

func TestReplaceAllUsesWithUpdatesCounts(t *testing.T) {
	g := newTestGraph(t)
	e := NewEmitter(g)

	entry := g.CreateCodeNode()
	g.SetCurrentCodeBlock(entry)
	a := e.Constant(4, 1)
	b := e.Constant(4, 2)
	sum := e.Add(4, a.Node, a.Node)
	g.EndCodeBlock()
	_ = sum

	require.Equal(t, uint32(2), g.Node(a.Node).NumUses)
	require.Equal(t, uint32(0), g.Node(b.Node).NumUses)

	g.ReplaceAllUsesWith(a.Node, b.Node)

	require.Equal(t, uint32(0), g.Node(a.Node).NumUses)
	require.Equal(t, uint32(2), g.Node(b.Node).NumUses)
	require.Equal(t, [maxInlineArgs]NodeID{b.Node, b.Node, InvalidNode}, g.Op(sum.Node).Args)
}

func TestReplaceWithConstantFoldsInPlace(t *testing.T) {
	g := newTestGraph(t)
	e := NewEmitter(g)

	entry := g.CreateCodeNode()
	g.SetCurrentCodeBlock(entry)
	a := e.Constant(4, 1)
	b := e.Constant(4, 2)
	sum := e.Add(4, a.Node, b.Node)
	g.EndCodeBlock()

	g.ReplaceWithConstant(sum.Node, 4, 3)

	op := g.Op(sum.Node)
	require.Equal(t, OpConstant, op.Kind)
	require.Equal(t, uint64(3), op.ConstValue)
	require.True(t, g.IsValueConstant(sum.Node))
	require.True(t, g.IsValueInlineConstant(sum.Node))
}

func TestConstantMasksToDeclaredSize(t *testing.T) {
	g := newTestGraph(t)
	e := NewEmitter(g)
	entry := g.CreateCodeNode()
	g.SetCurrentCodeBlock(entry)

	pair := e.Constant(1, 0x1FF)
	require.Equal(t, uint64(0xFF), pair.Op.ConstValue)
}

func TestReadFlagCarriesFlagSelector(t *testing.T) {
	g := newTestGraph(t)
	e := NewEmitter(g)
	entry := g.CreateCodeNode()
	g.SetCurrentCodeBlock(entry)

	pair := e.ReadFlag(cpu.FlagCF)
	require.Equal(t, cpu.FlagCF, pair.Op.Flag)
	require.Equal(t, OpReadFlag, pair.Op.Kind)
}

func TestGraphResetReleasesArenasAndBlocks(t *testing.T) {
	g := newTestGraph(t)
	e := NewEmitter(g)
	entry := g.CreateCodeNode()
	g.SetCurrentCodeBlock(entry)
	e.Constant(4, 1)
	g.EndCodeBlock()

	require.NotEmpty(t, g.Blocks())
	g.Reset()
	require.Empty(t, g.Blocks())
	require.Equal(t, 1, g.NumNodes(), "sentinel re-allocated")
}

func TestFormatProducesOneLinePerOp(t *testing.T) {
	g := newTestGraph(t)
	e := NewEmitter(g)
	entry := g.CreateCodeNode()
	g.SetCurrentCodeBlock(entry)
	e.Constant(4, 7)
	g.EndCodeBlock()

	out := g.Format()
	require.Contains(t, out, "begin_block")
	require.Contains(t, out, "const.4 0x7")
	require.Contains(t, out, "end_block")
}
