package ir

import (
	"github.com/crosscore-rt/crosscore/internal/pool"
)

// Block tracks the CFG-relevant metadata for one CodeBlock: the bracketing
// marker nodes and the predecessor/successor edges used by
// internal/ir/pass. The CodeBlock op itself (Begin/Last) is the on-arena
// representation; Block is an auxiliary index kept alongside it for O(1)
// traversal instead of re-deriving it from the arena each time.
type Block struct {
	ID NodeID // the OpCodeBlock node identifying this block.

	headOp, tailOp NodeID // the BeginBlock/EndBlock marker nodes.
	closed         bool

	Preds []NodeID
	Succs []NodeID
}

// Head returns the block's OpBeginBlock marker node, or InvalidNode if the
// block has never been made current.
func (b *Block) Head() NodeID { return b.headOp }

// Tail returns the block's OpEndBlock marker node, or InvalidNode if the
// block has not been closed yet.
func (b *Block) Tail() NodeID { return b.tailOp }

// Closed reports whether EndCodeBlock has run for this block.
func (b *Block) Closed() bool { return b.closed }

// Graph is one translated region's SSA IR: the dual node/op arenas plus the
// block list and write cursor the Emitter advances as it lowers guest
// instructions.
type Graph struct {
	pool *pool.Pool

	nodes arena[OrderedNode]
	ops   arena[Op]

	blocks   []*Block
	blockIdx map[NodeID]*Block

	current *Block
	cursor  NodeID // insertion happens immediately after this node.
}

// NewGraph allocates a Graph backed by p, typically the process-wide IR
// arena pool shared by every guest thread.
func NewGraph(p *pool.Pool) *Graph {
	g := &Graph{pool: p, blockIdx: make(map[NodeID]*Block)}
	g.nodes = *newArena[OrderedNode](p)
	g.ops = *newArena[Op](p)
	// Allocate sentinel slot 0 in both arenas so NodeID/opID 0 is never a
	// real allocation.
	g.nodes.allocate()
	g.ops.allocate()
	return g
}

// Reset releases all arena pages back to the pool and clears block state,
// making the Graph ready for the next translated region.
func (g *Graph) Reset() {
	g.nodes.reset()
	g.ops.reset()
	g.blocks = g.blocks[:0]
	for k := range g.blockIdx {
		delete(g.blockIdx, k)
	}
	g.current = nil
	g.cursor = InvalidNode
	g.nodes.allocate()
	g.ops.allocate()
}

// Node dereferences a NodeID into its OrderedNode header.
func (g *Graph) Node(id NodeID) *OrderedNode { return g.nodes.view(uint32(id)) }

// Op dereferences a NodeID into the Op payload it points at.
func (g *Graph) Op(id NodeID) *Op {
	n := g.Node(id)
	return g.ops.view(n.Value)
}

// NumNodes returns the number of allocated nodes, including the sentinel.
func (g *Graph) NumNodes() int { return g.nodes.len() }

// Args returns the live operand slice for op: inline Args trimmed to those
// still Valid, followed by ExtraArgs. Exported for internal/ir/pass.
func Args(op *Op) []NodeID { return args(op) }

// BlockOps returns the content node ids of blk in execution order,
// excluding its OpBeginBlock/OpEndBlock bracket markers. Empty if blk has
// no content yet.
func (g *Graph) BlockOps(blk *Block) []NodeID {
	if !blk.headOp.Valid() {
		return nil
	}
	var out []NodeID
	for cur := g.Node(blk.headOp).Next; cur.Valid() && cur != blk.tailOp; cur = g.Node(cur).Next {
		out = append(out, cur)
	}
	return out
}

// Unlink removes node from its block's linked list without releasing its
// arena slot (arena slots are never individually freed; only whole-graph
// Reset reclaims pages). Used by dead-code elimination.
func (g *Graph) Unlink(node NodeID) {
	n := g.Node(node)
	prev, next := n.Prev, n.Next
	if prev.Valid() {
		g.Node(prev).Next = next
	}
	if next.Valid() {
		g.Node(next).Prev = prev
	}
}

// args returns the live operand slice for op (inline Args trimmed to those
// still Valid, followed by ExtraArgs), used by use-counting and rewrites.
func args(op *Op) []NodeID {
	var out []NodeID
	for _, a := range op.Args {
		if a.Valid() {
			out = append(out, a)
		}
	}
	out = append(out, op.ExtraArgs...)
	return out
}

// allocRaw allocates a node+op pair of the given kind, without linking it
// into any block; used internally by the Emitter.
func (g *Graph) allocRaw(kind Opcode) (NodeID, *Op) {
	opID, op := g.ops.allocate()
	op.Kind = kind
	nodeID, node := g.nodes.allocate()
	node.Value = opID
	node.Next = InvalidNode
	node.Prev = InvalidNode
	return NodeID(nodeID), op
}

// insertAfterCursor links node into the current block's list immediately
// after g.cursor, then advances the cursor to node.
func (g *Graph) insertAfterCursor(node NodeID) {
	if g.cursor.Valid() {
		cur := g.Node(g.cursor)
		next := cur.Next
		cur.Next = node
		n := g.Node(node)
		n.Prev = g.cursor
		n.Next = next
		if next.Valid() {
			g.Node(next).Prev = node
		}
	}
	g.cursor = node
}

// bumpUses increments NumUses on every operand op references; called once
// per newly-inserted instruction so use counts stay accurate by
// construction.
func (g *Graph) bumpUses(op *Op) {
	for _, a := range args(op) {
		g.Node(a).NumUses++
	}
	// A branch target outside the graph is not counted; pass.Validate
	// reports it as an unknown block.
	if op.Target.Valid() && int(op.Target) < g.NumNodes() {
		g.Node(op.Target).NumUses++
	}
	if op.TargetElse.Valid() && int(op.TargetElse) < g.NumNodes() {
		g.Node(op.TargetElse).NumUses++
	}
}
