package pass

import (
	"fmt"

	"github.com/crosscore-rt/crosscore/internal/ir"
)

// Validate checks the structural invariants that must hold before any
// other pass or the backend may touch the graph: every block is closed,
// every branch target is a known block, predecessor/successor edges are
// mutually consistent, and an entry block exists.
func Validate(m *Manager) error {
	g := m.Graph
	blocks := g.Blocks()
	if len(blocks) == 0 {
		return fmt.Errorf("ir: validate: graph has no blocks")
	}
	entry := blocks[0]
	if !entry.Closed() {
		return fmt.Errorf("ir: validate: entry block %d not closed", entry.ID)
	}

	byID := make(map[ir.NodeID]*struct{ succs, preds int })
	for _, b := range blocks {
		if !b.Closed() {
			return fmt.Errorf("ir: validate: block %d not closed", b.ID)
		}
		byID[b.ID] = &struct{ succs, preds int }{}
	}

	for _, b := range blocks {
		for _, s := range b.Succs {
			succ := g.BlockByID(s)
			if succ == nil {
				return fmt.Errorf("ir: validate: block %d has unknown successor %d", b.ID, s)
			}
			found := false
			for _, p := range succ.Preds {
				if p == b.ID {
					found = true
					break
				}
			}
			if !found {
				return fmt.Errorf("ir: validate: block %d -> %d missing reciprocal predecessor edge", b.ID, s)
			}
		}
		ops := g.BlockOps(b)
		for i, id := range ops {
			op := g.Op(id)
			isLast := i == len(ops)-1
			if op.Kind.IsBranch() && !isLast {
				return fmt.Errorf("ir: validate: block %d has a branch op v%d before its end", b.ID, id)
			}
			if op.Kind == ir.OpJump || op.Kind == ir.OpCondJump {
				if g.BlockByID(op.Target) == nil {
					return fmt.Errorf("ir: validate: v%d targets unknown block %d", id, op.Target)
				}
			}
			if op.Kind == ir.OpCondJump && g.BlockByID(op.TargetElse) == nil {
				return fmt.Errorf("ir: validate: v%d else-targets unknown block %d", id, op.TargetElse)
			}
		}
	}

	return ValidateUseCounts(g)
}

// ValidateUseCounts recomputes reference counts from scratch and compares
// them against the incrementally-maintained NumUses field on every node.
func ValidateUseCounts(g *ir.Graph) error {
	counted := make(map[ir.NodeID]uint32)
	for i := 1; i < g.NumNodes(); i++ {
		id := ir.NodeID(i)
		op := g.Op(id)
		for _, ref := range ir.Args(op) {
			counted[ref]++
		}
		if op.Target.Valid() {
			counted[op.Target]++
		}
		if op.TargetElse.Valid() {
			counted[op.TargetElse]++
		}
	}
	for i := 1; i < g.NumNodes(); i++ {
		id := ir.NodeID(i)
		want := counted[id]
		if got := g.Node(id).NumUses; got != want {
			return fmt.Errorf("ir: validate: node %d has NumUses=%d, want %d", id, got, want)
		}
	}
	return nil
}
