package ir

// CreateCodeNode allocates a new, empty CodeBlock and returns the NodeID of
// its OpCodeBlock marker. The block has no content until SetCurrentCodeBlock
// makes it current and ops are emitted into it.
func (g *Graph) CreateCodeNode() NodeID {
	id, op := g.allocRaw(OpCodeBlock)
	op.Begin, op.Last = InvalidNode, InvalidNode
	blk := &Block{ID: id}
	g.blocks = append(g.blocks, blk)
	g.blockIdx[id] = blk
	return id
}

// CreateNewCodeBlockAfter creates a new block and records a fallthrough
// control-flow edge from after to it, for the decoder's common case of a
// block immediately followed by its fallthrough successor.
func (g *Graph) CreateNewCodeBlockAfter(after NodeID) NodeID {
	next := g.CreateCodeNode()
	g.LinkCodeBlocks(after, next)
	return next
}

// LinkCodeBlocks records a CFG edge from pred to succ, consumed by
// internal/ir/pass for dominance, liveness and RA validation merges.
func (g *Graph) LinkCodeBlocks(pred, succ NodeID) {
	p, okP := g.blockIdx[pred]
	s, okS := g.blockIdx[succ]
	if !okP || !okS {
		panic("ir: LinkCodeBlocks on unknown block")
	}
	p.Succs = append(p.Succs, succ)
	s.Preds = append(s.Preds, pred)
}

// SetCurrentCodeBlock makes block the target of subsequent Emitter calls,
// emitting its opening BeginBlock marker the first time it is visited.
func (g *Graph) SetCurrentCodeBlock(block NodeID) {
	blk, ok := g.blockIdx[block]
	if !ok {
		panic("ir: SetCurrentCodeBlock on unknown block")
	}
	if g.current != nil && !g.current.closed {
		g.closeCurrent()
	}
	g.current = blk
	if !blk.headOp.Valid() {
		beginID, _ := g.allocRaw(OpBeginBlock)
		blk.headOp = beginID
		g.cursor = InvalidNode
		g.insertAfterCursor(beginID)
	} else {
		// Resuming a block: position the cursor at its last content node
		// (immediately before the EndBlock marker, which is only placed by
		// closeCurrent/EndCodeBlock).
		g.cursor = g.lastContentNode(blk)
	}
}

// lastContentNode walks from headOp to the last node before the block's
// EndBlock marker (or to the list tail if the block is not closed); used
// when re-entering a block that was previously current.
func (g *Graph) lastContentNode(blk *Block) NodeID {
	cur := blk.headOp
	for {
		n := g.Node(cur)
		if !n.Next.Valid() || n.Next == blk.tailOp {
			return cur
		}
		cur = n.Next
	}
}

// CurrentBlock returns the block Emitter calls currently target.
func (g *Graph) CurrentBlock() NodeID {
	if g.current == nil {
		return InvalidNode
	}
	return g.current.ID
}

// EndCodeBlock explicitly closes off the current block, emitting its
// EndBlock marker and filling in the OpCodeBlock's Begin/Last fields. Safe
// to call even if SetCurrentCodeBlock will later resume this block (e.g.
// after emitting into a different block in between); resuming inserts new
// content before the EndBlock marker that closeCurrent placed, so the
// block stays closed.
func (g *Graph) EndCodeBlock() {
	if g.current == nil || g.current.closed {
		return
	}
	g.closeCurrent()
}

func (g *Graph) closeCurrent() {
	blk := g.current
	endID, _ := g.allocRaw(OpEndBlock)
	g.insertAfterCursor(endID)
	blk.tailOp = endID
	blk.closed = true

	codeOp := g.Op(blk.ID)
	codeOp.Begin = blk.headOp
	codeOp.Last = blk.tailOp
}

// Blocks returns every block allocated in this graph, in creation order
// (which, since the decoder discovers blocks breadth-first, is also a
// valid reverse-postorder-compatible traversal for the entry block).
func (g *Graph) Blocks() []*Block { return g.blocks }

// BlockByID looks up a Block by its CodeBlock NodeID.
func (g *Graph) BlockByID(id NodeID) *Block { return g.blockIdx[id] }
