package pass

import "github.com/crosscore-rt/crosscore/internal/ir"

// EliminateRedundantLoads replaces a LoadMem whose address node was the
// subject of an earlier, still-governing StoreMem in the same block with
// the stored value directly, skipping the reload. The "location" key is
// the SSA address value itself; any op besides a same-size, same-address
// store/load (another store, a syscall, a thunk, a fence, an atomic)
// invalidates the cached value for that address, since it may alias.
func EliminateRedundantLoads(m *Manager) error {
	g := m.Graph
	for _, blk := range g.Blocks() {
		cache := map[ir.NodeID]ir.NodeID{} // address node -> last stored value
		for _, id := range g.BlockOps(blk) {
			op := g.Op(id)
			switch op.Kind {
			case ir.OpStoreMem:
				// Any other cached address may alias this store.
				cache = map[ir.NodeID]ir.NodeID{op.Args[0]: op.Args[1]}
			case ir.OpLoadMem:
				if v, ok := cache[op.Args[0]]; ok && g.Op(v).Size == op.Size {
					g.ReplaceAllUsesWith(id, v)
					cache[op.Args[0]] = v
				}
			default:
				if opMayAliasMemory(op.Kind) {
					cache = map[ir.NodeID]ir.NodeID{}
				}
			}
		}
	}
	return nil
}

func opMayAliasMemory(k ir.Opcode) bool {
	switch k {
	case ir.OpStoreMemTSO, ir.OpStoreMemVector, ir.OpStoreMemVectorTSO,
		ir.OpAtomicCAS, ir.OpAtomicCASPair,
		ir.OpAtomicFetchAdd, ir.OpAtomicFetchSub, ir.OpAtomicFetchAnd, ir.OpAtomicFetchOr,
		ir.OpAtomicFetchXor, ir.OpAtomicFetchNeg,
		ir.OpAtomicAdd, ir.OpAtomicSub, ir.OpAtomicAnd, ir.OpAtomicOr, ir.OpAtomicXor,
		ir.OpSyscall, ir.OpInlineSyscall, ir.OpThunk, ir.OpLoadMemTSO:
		return true
	default:
		return false
	}
}
