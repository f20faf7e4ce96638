package pass

import "github.com/crosscore-rt/crosscore/internal/ir"

// hasSideEffects reports whether op must be kept even with a zero use
// count: stores, atomics, host calls, control flow, and the structural
// marker ops all have meaning beyond their (absent) result value.
func hasSideEffects(k ir.Opcode) bool {
	switch k {
	case ir.OpStoreMem, ir.OpStoreMemTSO, ir.OpStoreMemVector, ir.OpStoreMemVectorTSO,
		ir.OpAtomicCAS, ir.OpAtomicCASPair,
		ir.OpAtomicFetchAdd, ir.OpAtomicFetchSub, ir.OpAtomicFetchAnd, ir.OpAtomicFetchOr,
		ir.OpAtomicFetchXor, ir.OpAtomicFetchNeg,
		ir.OpAtomicAdd, ir.OpAtomicSub, ir.OpAtomicAnd, ir.OpAtomicOr, ir.OpAtomicXor,
		ir.OpSyscall, ir.OpInlineSyscall, ir.OpThunk, ir.OpCPUID, ir.OpXGETBV,
		ir.OpWriteFlag, ir.OpStoreRegister, ir.OpValidateCode,
		ir.OpJump, ir.OpCondJump, ir.OpExitFunction,
		ir.OpSpillRegister,
		ir.OpBeginBlock, ir.OpEndBlock, ir.OpCodeBlock:
		return true
	default:
		return false
	}
}

// EliminateDeadCode removes ops with a zero use count and no side effect,
// iterating to a fixed point since removing one op can drop its operands'
// counts to zero in turn. It works off the incrementally-maintained
// NumUses rather than a from-scratch live-instruction walk.
func EliminateDeadCode(m *Manager) error {
	g := m.Graph
	for {
		removedAny := false
		for _, blk := range g.Blocks() {
			for _, id := range g.BlockOps(blk) {
				op := g.Op(id)
				if hasSideEffects(op.Kind) {
					continue
				}
				if g.Node(id).NumUses != 0 {
					continue
				}
				for _, a := range ir.Args(op) {
					g.Node(a).NumUses--
				}
				g.Unlink(id)
				*op = ir.Op{Kind: ir.OpInvalid}
				removedAny = true
			}
		}
		if !removedAny {
			return nil
		}
	}
}
