package pass

import (
	"github.com/crosscore-rt/crosscore/internal/cpu"
	"github.com/crosscore-rt/crosscore/internal/ir"
)

// ElideUnreadDeferredFlags drops a flags-defining op (OpCmp/OpTestOp) when
// a later flags-defining op in the same block overwrites its result before
// any OpReadFlag/OpCondJump consumes it. This is the lazy-flags
// "only materialize on demand" model applied transitively: if the demand
// never arrives before the next definition, the earlier definition never
// needed to be computed at all.
//
// The same rule applies to the raw PF/AF input stores the dispatcher emits
// alongside every flags-defining instruction: a StoreRegister targeting
// cpu.RegPFRaw/cpu.RegAFRaw that is overwritten by the next one before any
// PF/AF read is dead, and dropping it lets dead-code elimination also
// reclaim the xor/sub that fed it. The last store of each kind in a block
// always survives, since a successor block may read the flags.
//
// OpCondJump's Cond operand is treated as an implicit flag read when it
// references the flags-defining op's own result node (the common case
// where the dispatcher wires the compare node directly into the branch).
func ElideUnreadDeferredFlags(m *Manager) error {
	g := m.Graph
	for _, blk := range g.Blocks() {
		var pending ir.NodeID   // last unread flags-defining node, or InvalidNode
		var pendingPF ir.NodeID // last unread store to RegPFRaw
		var pendingAF ir.NodeID // last unread store to RegAFRaw
		ops := g.BlockOps(blk)
		for _, id := range ops {
			op := g.Op(id)
			if pending.Valid() && readsFlags(g, op, pending) {
				pending = ir.InvalidNode
			}
			if readsRawFlags(op) {
				pendingPF = ir.InvalidNode
				pendingAF = ir.InvalidNode
			}
			switch op.Kind {
			case ir.OpCmp, ir.OpTestOp:
				if pending.Valid() {
					markDeadFlagsOp(g, pending)
				}
				pending = id
			case ir.OpReadFlag:
				pending = ir.InvalidNode
			case ir.OpStoreRegister:
				switch op.ConstValue {
				case cpu.RegPFRaw:
					if pendingPF.Valid() {
						markDeadFlagsOp(g, pendingPF)
					}
					pendingPF = id
				case cpu.RegAFRaw:
					if pendingAF.Valid() {
						markDeadFlagsOp(g, pendingAF)
					}
					pendingAF = id
				}
			}
		}
		if pending.Valid() {
			// Nothing in the block ever reads it before the block ends; a
			// successor might still need it (cross-block lazy flags are not
			// modeled here), so only elide purely block-local dead defines.
			if g.Node(pending).NumUses == 0 {
				markDeadFlagsOp(g, pending)
			}
		}
	}
	return nil
}

func readsFlags(g *ir.Graph, op *ir.Op, pending ir.NodeID) bool {
	if op.Kind != ir.OpCondJump {
		return false
	}
	return op.Args[0] == pending
}

// readsRawFlags reports whether op may observe the synthetic PFRaw/AFRaw
// registers: a lazy PF/AF materialization reads both (AF derives from
// AFRaw^PFRaw), a direct load of either synthetic register obviously does,
// and any host call can inspect the whole guest state frame.
func readsRawFlags(op *ir.Op) bool {
	switch op.Kind {
	case ir.OpReadFlag:
		return op.Flag == cpu.FlagPF || op.Flag == cpu.FlagAF
	case ir.OpLoadRegister:
		return op.ConstValue == cpu.RegPFRaw || op.ConstValue == cpu.RegAFRaw
	case ir.OpSyscall, ir.OpInlineSyscall, ir.OpCPUID, ir.OpXGETBV, ir.OpThunk:
		return true
	default:
		return false
	}
}

func markDeadFlagsOp(g *ir.Graph, id ir.NodeID) {
	op := g.Op(id)
	for _, a := range ir.Args(op) {
		g.Node(a).NumUses--
	}
	g.Unlink(id)
	*op = ir.Op{Kind: ir.OpInvalid}
}
