package decode

import (
	"fmt"
)

// DecodedBlock is one basic block's worth of decoded instructions: a
// contiguous run of guest code from Entry up to (and including) a
// block-ending instruction.
type DecodedBlock struct {
	Entry uint64
	Insts []X86InstInfo

	// Fallthrough/Targets record discovered successor addresses, for the
	// caller (internal/dispatch) to link the corresponding ir.Block CFG
	// edges. Targets is non-empty for (conditional) jumps with a known
	// direct target; a call records no target, since its callee is a
	// separate region.
	Fallthrough uint64
	HasFallthrough bool
	Targets []uint64
}

// DecodedBlocks is a translated region: every block discovered by a
// breadth-first walk from the entry address, bounded by an instruction
// budget.
type DecodedBlocks struct {
	Entry  uint64
	Blocks map[uint64]*DecodedBlock
	Order  []uint64 // discovery order, entry first.
}

// ReadGuestMemory supplies guest code bytes to the decoder; implemented by
// the caller's guest address space (internal/runtime in production, a byte
// slice in tests).
type ReadGuestMemory interface {
	ReadCode(addr uint64, maxLen int) []byte
}

// SliceMemory adapts a flat byte slice, addressed starting at Base, to
// ReadGuestMemory; used by tests and by AOT/offline tooling.
type SliceMemory struct {
	Base uint64
	Code []byte
}

func (m SliceMemory) ReadCode(addr uint64, maxLen int) []byte {
	if addr < m.Base || addr >= m.Base+uint64(len(m.Code)) {
		return nil
	}
	off := addr - m.Base
	end := off + uint64(maxLen)
	if end > uint64(len(m.Code)) {
		end = uint64(len(m.Code))
	}
	return m.Code[off:end]
}

// DefaultInstructionBudget bounds the number of instructions one
// DecodeBlocks call will decode across every discovered block, preventing
// runaway discovery on corrupt or adversarial guest code.
const DefaultInstructionBudget = 4096

// DecodeBlocks discovers every block reachable from entry via direct,
// statically-known control flow (fallthrough, unconditional/conditional
// jumps with an immediate target), stopping at indirect branches, calls
// (whose target is a separate compiled region) and returns, or when the
// instruction budget is exhausted.
func DecodeBlocks(mem ReadGuestMemory, entry uint64, budget int) (*DecodedBlocks, error) {
	if budget <= 0 {
		budget = DefaultInstructionBudget
	}
	result := &DecodedBlocks{Entry: entry, Blocks: map[uint64]*DecodedBlock{}}

	queue := []uint64{entry}
	queued := map[uint64]bool{entry: true}
	total := 0

	for len(queue) > 0 {
		addr := queue[0]
		queue = queue[1:]
		if _, done := result.Blocks[addr]; done {
			continue
		}

		blk, next, err := decodeOneBlock(mem, addr, budget-total)
		if err != nil {
			return nil, fmt.Errorf("decode: block at %#x: %w", addr, err)
		}
		total += len(blk.Insts)
		result.Blocks[addr] = blk
		result.Order = append(result.Order, addr)

		for _, t := range next {
			if !queued[t] {
				queued[t] = true
				queue = append(queue, t)
			}
		}
		if total >= budget {
			break
		}
	}

	return result, nil
}

func decodeOneBlock(mem ReadGuestMemory, entry uint64, remainingBudget int) (*DecodedBlock, []uint64, error) {
	blk := &DecodedBlock{Entry: entry}
	addr := entry
	var next []uint64

	for {
		if len(blk.Insts) >= remainingBudget {
			break
		}
		code := mem.ReadCode(addr, 16)
		if len(code) == 0 {
			return nil, nil, fmt.Errorf("%w: no code at %#x", ErrDecodeFailure, addr)
		}
		inst, err := DecodeOne(code, addr)
		if err != nil {
			return nil, nil, err
		}
		blk.Insts = append(blk.Insts, inst)
		addr += uint64(inst.Length)

		if inst.Flags&FlagBlockEnd == 0 {
			continue
		}

		switch inst.Class {
		case ClassJump:
			if inst.BranchTarget != 0 {
				blk.Targets = append(blk.Targets, inst.BranchTarget)
				next = append(next, inst.BranchTarget)
			}
		case ClassCondJump:
			if inst.BranchTarget != 0 {
				blk.Targets = append(blk.Targets, inst.BranchTarget)
				next = append(next, inst.BranchTarget)
			}
			blk.Fallthrough = addr
			blk.HasFallthrough = true
			next = append(next, addr)
		}
		return blk, next, nil
	}

	blk.Fallthrough = addr
	blk.HasFallthrough = true
	return blk, []uint64{addr}, nil
}
