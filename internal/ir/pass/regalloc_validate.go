package pass

import (
	"fmt"

	"github.com/crosscore-rt/crosscore/internal/ir"
)

// RegState is the per-block physical-register occupancy snapshot the
// validator threads across a block's op list: four fixed 32-entry arrays,
// one per PhysicalRegClass that has a general pool (GPR, GPRFixed, FPR,
// FPRFixed; GPRPair values occupy two adjacent GPR slots and are checked
// against the GPR array). A non-zero entry names the value currently
// holding that physical register; Clobbered marks a register whose
// occupant changed between two predecessors of a merge block. Nothing
// reads Clobbered: the validator does not check values consumed across
// block boundaries, only overlapping live ranges within one block.
type RegState struct {
	GPR      [32]ir.NodeID
	GPRFixed [32]ir.NodeID
	FPR      [32]ir.NodeID
	FPRFixed [32]ir.NodeID
	Clobbered [32]bool
}

func classArray(s *RegState, c PhysicalRegClass) *[32]ir.NodeID {
	switch c {
	case RegGPR, RegGPRPair:
		return &s.GPR
	case RegGPRFixed:
		return &s.GPRFixed
	case RegFPR:
		return &s.FPR
	case RegFPRFixed:
		return &s.FPRFixed
	default:
		return nil
	}
}

// ValidateRegisterAllocation independently re-derives, block by block, that
// no two values with overlapping local live ranges were assigned the same
// physical register by AllocateRegisters, and that the state flowing into a
// block from each of its predecessors agrees: a predecessor-state
// intersection with mismatches recorded as Clobbered, filtering out
// back-edges so a loop's own body does not spuriously conflict with its own
// not-yet-updated state.
func ValidateRegisterAllocation(m *Manager) error {
	g := m.Graph
	data := m.RegAlloc
	if data == nil {
		return fmt.Errorf("ir/pass: ValidateRegisterAllocation ran before AllocateRegisters")
	}

	exitState := make(map[ir.NodeID]*RegState, len(g.Blocks()))
	visiting := make(map[ir.NodeID]bool, len(g.Blocks()))

	var walk func(blk *ir.Block) (*RegState, error)
	walk = func(blk *ir.Block) (*RegState, error) {
		if s, ok := exitState[blk.ID]; ok {
			return s, nil
		}
		if visiting[blk.ID] {
			// Back-edge: the loop header's state is still being computed.
			// Skip merging against it, per the back-edge filtering spec
			// §4.F calls for.
			return nil, nil
		}
		visiting[blk.ID] = true
		defer delete(visiting, blk.ID)

		state := &RegState{}
		for _, predID := range blk.Preds {
			pred := g.BlockByID(predID)
			predState, err := walk(pred)
			if err != nil {
				return nil, err
			}
			if predState == nil {
				continue
			}
			mergeInto(state, predState)
		}

		if err := validateBlockLocal(g, blk, data, state); err != nil {
			return nil, err
		}
		exitState[blk.ID] = state
		return state, nil
	}

	for _, blk := range g.Blocks() {
		if _, err := walk(blk); err != nil {
			return err
		}
	}
	return nil
}

// mergeInto intersects src into dst: a register occupied by the same value
// in both stays; any disagreement marks the register Clobbered rather than
// failing outright, since a value going dead along one path is expected.
func mergeInto(dst, src *RegState) {
	for _, pair := range []struct{ d, s *[32]ir.NodeID }{
		{&dst.GPR, &src.GPR}, {&dst.GPRFixed, &src.GPRFixed},
		{&dst.FPR, &src.FPR}, {&dst.FPRFixed, &src.FPRFixed},
	} {
		for i := range pair.d {
			switch {
			case !pair.d[i].Valid() && !pair.s[i].Valid():
			case !pair.d[i].Valid():
				pair.d[i] = pair.s[i]
			case pair.d[i] != pair.s[i]:
				dst.Clobbered[i] = true
			}
		}
	}
}

func validateBlockLocal(g *ir.Graph, blk *ir.Block, data *RegisterAllocationData, state *RegState) error {
	for _, id := range g.BlockOps(blk) {
		if _, spilled := data.SpillSlot[id]; spilled {
			continue
		}
		reg, ok := data.Assignment[id]
		if !ok {
			continue
		}
		arr := classArray(state, reg.Class)
		if arr == nil {
			continue
		}
		if occupant := arr[reg.Index]; occupant.Valid() && occupant != id && !opDead(g, blk, occupant, id) {
			return fmt.Errorf("ir/pass: block %d: register %s[%d] double-assigned to v%d and v%d",
				blk.ID, reg.Class, reg.Index, occupant, id)
		}
		arr[reg.Index] = id
	}
	return nil
}

// opDead reports whether occupant's last use precedes upTo's definition,
// i.e. the register was legitimately freed and reused rather than
// double-booked. BlockOps order is program order, so occupant is dead
// unless upTo itself or a later op in blk still references it.
func opDead(g *ir.Graph, blk *ir.Block, occupant, upTo ir.NodeID) bool {
	reached := false
	for _, id := range g.BlockOps(blk) {
		reached = reached || id == upTo
		if !reached {
			continue
		}
		for _, a := range ir.Args(g.Op(id)) {
			if a == occupant {
				return false
			}
		}
	}
	return true
}
