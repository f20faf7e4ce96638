package pass

import "github.com/crosscore-rt/crosscore/internal/ir"

// ConstantFold replaces arithmetic ops whose operands are both OpConstant
// with a single folded OpConstant, in place (so existing uses of the node
// do not need rewriting).
func ConstantFold(m *Manager) error {
	g := m.Graph
	for _, blk := range g.Blocks() {
		for _, id := range g.BlockOps(blk) {
			op := g.Op(id)
			x, y, ok := constOperands(g, op)
			if !ok {
				continue
			}
			folded, ok := fold(op.Kind, op.Size, x, y)
			if !ok {
				continue
			}
			for _, a := range ir.Args(op) {
				g.Node(a).NumUses--
			}
			g.ReplaceWithConstant(id, op.Size, folded)
		}
	}
	return nil
}

func constOperands(g *ir.Graph, op *ir.Op) (x, y uint64, ok bool) {
	switch op.Kind {
	case ir.OpAdd, ir.OpSub, ir.OpAnd, ir.OpOr, ir.OpXor, ir.OpMul,
		ir.OpShl, ir.OpShrLogical, ir.OpShrArithmetic:
	default:
		return 0, 0, false
	}
	a, b := op.Args[0], op.Args[1]
	if !g.IsValueConstant(a) || !g.IsValueConstant(b) {
		return 0, 0, false
	}
	return g.Op(a).ConstValue, g.Op(b).ConstValue, true
}

func fold(kind ir.Opcode, size uint8, x, y uint64) (uint64, bool) {
	switch kind {
	case ir.OpAdd:
		return x + y, true
	case ir.OpSub:
		return x - y, true
	case ir.OpAnd:
		return x & y, true
	case ir.OpOr:
		return x | y, true
	case ir.OpXor:
		return x ^ y, true
	case ir.OpMul:
		return x * y, true
	case ir.OpShl:
		return x << (y & 63), true
	case ir.OpShrLogical:
		return x >> (y & 63), true
	case ir.OpShrArithmetic:
		bits := size * 8
		if bits == 0 || bits > 64 {
			bits = 64
		}
		signBit := uint64(1) << (bits - 1)
		shift := y & 63
		if x&signBit == 0 {
			return x >> shift, true
		}
		ext := ^uint64(0) << bits
		return (x >> shift) | (ext >> shift), true
	default:
		return 0, false
	}
}
