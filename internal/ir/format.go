package ir

import (
	"fmt"
	"strings"
)

// Format renders the graph as a flat, human-readable listing, one block per
// section, for use in test failure output and debug logging. It does not
// attempt a parseable syntax.
func (g *Graph) Format() string {
	var b strings.Builder
	for _, blk := range g.blocks {
		fmt.Fprintf(&b, "blk%d: preds=%v succs=%v\n", blk.ID, blk.Preds, blk.Succs)
		if !blk.headOp.Valid() {
			continue
		}
		for cur := blk.headOp; cur.Valid(); {
			n := g.Node(cur)
			op := g.ops.view(n.Value)
			fmt.Fprintf(&b, "  v%d = %s\n", cur, formatOp(cur, op))
			if cur == blk.tailOp {
				break
			}
			cur = n.Next
		}
	}
	return b.String()
}

func formatOp(id NodeID, op *Op) string {
	switch op.Kind {
	case OpBeginBlock, OpEndBlock:
		return op.Kind.String()
	case OpConstant:
		return fmt.Sprintf("const.%d %#x", op.Size, op.ConstValue)
	case OpJump:
		return fmt.Sprintf("jump blk%d%s", op.Target, formatBlockArgs(op.ExtraArgs))
	case OpCondJump:
		return fmt.Sprintf("cond_jump(cc=%d) v%d, blk%d, blk%d", op.Cond, op.Args[0], op.Target, op.TargetElse)
	case OpCodeBlock:
		return fmt.Sprintf("code_block [v%d, v%d]", op.Begin, op.Last)
	default:
		parts := make([]string, 0, len(args(op)))
		for _, a := range args(op) {
			parts = append(parts, fmt.Sprintf("v%d", a))
		}
		return fmt.Sprintf("%s.%d %s", op.Kind, op.Size, strings.Join(parts, ", "))
	}
}

func formatBlockArgs(extra []NodeID) string {
	if len(extra) == 0 {
		return ""
	}
	parts := make([]string, len(extra))
	for i, a := range extra {
		parts[i] = fmt.Sprintf("v%d", a)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}
