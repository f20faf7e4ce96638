// Package dispatch lowers decode.DecodedBlocks into an ir.Graph: one
// handler per decode.InstClass, a lazy-flags descriptor tracked across a
// block, and a block-local cache of already-loaded register values.
package dispatch

import (
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/crosscore-rt/crosscore/internal/decode"
	"github.com/crosscore-rt/crosscore/internal/ir"
)

// GuestRegister identifies one of the 16 general-purpose x86-64 registers
// by its encoded index (the same numbering ModRM/REX operands use).
type GuestRegister int8

// FlagsOp is the lazy-flags descriptor: the last flag-defining IR op
// emitted in the current block, its operand width, and which raw operands
// fed it. That is enough for lowerCondJump and lowerSetcc to re-derive a
// condition without re-decoding the original instruction.
type FlagsOp struct {
	Node ir.NodeID
	Size uint8
	Op1  ir.NodeID
	Op2  ir.NodeID
}

// blockLocals is the block-scoped cache of already-loaded guest register
// values, avoiding redundant LoadRegister IR for repeated accesses to
// the same register within one block. No corpus file names this cache
// directly; it is modeled on the general "local value numbering" pattern
// a block-scoped IR builder uses to avoid re-emitting a load it already
// issued earlier in the same block, as a plain map cleared at each new
// block.
type blockLocals struct {
	gpr map[GuestRegister]ir.NodeID
}

func newBlockLocals() *blockLocals {
	return &blockLocals{gpr: map[GuestRegister]ir.NodeID{}}
}

// Builder lowers one DecodedBlocks region into a Graph, maintaining the
// lazy-flags descriptor and block-local value cache as it walks each
// block's instructions in order.
type Builder struct {
	Graph   *ir.Graph
	Emitter *ir.Emitter
	log     *zap.Logger

	flags  FlagsOp
	locals *blockLocals

	// JumpTargets maps a guest RIP to its ir.Block entry, populated as
	// blocks are created so direct branches can be linked even before
	// their target block's instructions are lowered.
	JumpTargets map[uint64]ir.NodeID
}

// NewBuilder creates a Builder over g, logging block-local cache activity
// and lowering failures to log.
func NewBuilder(g *ir.Graph, log *zap.Logger) *Builder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Builder{
		Graph:       g,
		Emitter:     ir.NewEmitter(g),
		log:         log,
		locals:      newBlockLocals(),
		JumpTargets: map[uint64]ir.NodeID{},
	}
}

// ErrUnsupportedInstruction is returned when a decoded instruction's class
// has no lowering handler registered.
var ErrUnsupportedInstruction = fmt.Errorf("dispatch: unsupported instruction class")

// Lower translates every block in blocks into g, in discovery order,
// wiring CFG edges between them via JumpTargets.
func (b *Builder) Lower(blocks *decode.DecodedBlocks) error {
	for _, addr := range blocks.Order {
		blockNode := b.blockFor(addr)
		b.Graph.SetCurrentCodeBlock(blockNode)
		b.locals = newBlockLocals()
		b.flags = FlagsOp{}

		blk := blocks.Blocks[addr]
		for _, inst := range blk.Insts {
			if err := b.lowerOne(inst); err != nil {
				return errors.Wrapf(err, "dispatch: lowering %s at %#x", inst.Mnemonic, inst.RIP)
			}
		}
		b.linkSuccessors(blockNode, blk)
		b.Graph.EndCodeBlock()
	}
	return nil
}

func (b *Builder) blockFor(addr uint64) ir.NodeID {
	if node, ok := b.JumpTargets[addr]; ok {
		return node
	}
	node := b.Graph.CreateCodeNode()
	b.JumpTargets[addr] = node
	return node
}

func (b *Builder) linkSuccessors(blockNode ir.NodeID, blk *decode.DecodedBlock) {
	for _, t := range blk.Targets {
		target := b.blockFor(t)
		b.Graph.LinkCodeBlocks(blockNode, target)
	}
	if blk.HasFallthrough {
		target := b.blockFor(blk.Fallthrough)
		b.Graph.LinkCodeBlocks(blockNode, target)
	}
}

func (b *Builder) lowerOne(inst decode.X86InstInfo) error {
	switch inst.Class {
	case decode.ClassArithmetic:
		return b.lowerArithmetic(inst)
	case decode.ClassCompare:
		return b.lowerCompare(inst)
	case decode.ClassTest:
		return b.lowerTest(inst)
	case decode.ClassMove:
		return b.lowerMove(inst)
	case decode.ClassLoadEffectiveAddress:
		return b.lowerLEA(inst)
	case decode.ClassJump:
		return b.lowerJump(inst)
	case decode.ClassCondJump:
		return b.lowerCondJump(inst)
	case decode.ClassSetcc:
		return b.lowerSetcc(inst)
	case decode.ClassCmpXchg:
		return b.lowerCmpXchg(inst)
	case decode.ClassPush:
		return b.lowerPush(inst)
	case decode.ClassPop:
		return b.lowerPop(inst)
	case decode.ClassCall:
		return b.lowerCall(inst)
	case decode.ClassReturn:
		return b.lowerReturn(inst)
	case decode.ClassSyscall:
		return b.lowerSyscall(inst)
	case decode.ClassCPUID:
		return b.lowerCPUID(inst)
	case decode.ClassHalt:
		return b.lowerHalt(inst)
	case decode.ClassNop:
		return nil
	default:
		return errors.Wrapf(ErrUnsupportedInstruction, "class %d", inst.Class)
	}
}

// LoadSource materializes a decoded operand into an IR value, consulting
// (and populating) the block-local register cache for register operands.
func (b *Builder) LoadSource(op decode.DecodedOperand) (ir.NodeID, error) {
	return b.LoadSourceWithOpSize(op, op.Size)
}

// LoadSourceWithOpSize is LoadSource with an explicit result width,
// for operands the decoder sized generically (e.g. immediates).
//
// Register operands always load the full 64-bit architectural value
// (through the block-local cache) and narrow from there: 8/4-byte uses
// read the low bits natively on both host ISAs, 1/2-byte uses get an
// explicit mask so sub-word compares see only their own bytes.
func (b *Builder) LoadSourceWithOpSize(op decode.DecodedOperand, size uint8) (ir.NodeID, error) {
	switch op.Kind {
	case decode.OperandImmediate, decode.OperandRelative:
		return b.Emitter.Constant(size, uint64(op.Value)).Node, nil
	case decode.OperandRegister:
		full := b.loadGuestReg(GuestRegister(op.Value))
		if size >= 4 {
			return full, nil
		}
		mask := b.Emitter.Constant(4, (uint64(1)<<(size*8))-1)
		return b.Emitter.And(4, full, mask.Node).Node, nil
	case decode.OperandMemory:
		addr, err := b.effectiveAddress(op)
		if err != nil {
			return 0, err
		}
		return b.Emitter.LoadMem(size, addr).Node, nil
	default:
		return 0, errors.New("dispatch: LoadSource on an operand with no value")
	}
}

// StoreResult writes value into a decoded destination operand, invalidating
// the block-local cache entry for register destinations (the value
// replaces, rather than aliases, the cached load).
func (b *Builder) StoreResult(dst decode.DecodedOperand, value ir.NodeID) error {
	return b.StoreResultWithOpSize(dst, value, dst.Size)
}

// StoreResultWithOpSize is StoreResult with an explicit operand width.
// Register writes go through to guest state immediately (write-through
// keeps the frame current at every block exit and host call) with x86
// sub-register semantics: 8-byte and 4-byte writes replace the whole
// register (32-bit results are already zero-extended in the host
// register), 1/2-byte writes merge into its low bytes.
func (b *Builder) StoreResultWithOpSize(dst decode.DecodedOperand, value ir.NodeID, size uint8) error {
	switch dst.Kind {
	case decode.OperandRegister:
		b.storeGuestReg(GuestRegister(dst.Value), size, value)
		return nil
	case decode.OperandMemory:
		addr, err := b.effectiveAddress(dst)
		if err != nil {
			return err
		}
		b.Emitter.StoreMem(size, addr, value)
		return nil
	default:
		return errors.New("dispatch: StoreResult to a non-addressable operand")
	}
}

// loadGuestReg returns reg's full 64-bit value, reusing the block-local
// cache when a prior load or store in this block already produced it.
func (b *Builder) loadGuestReg(reg GuestRegister) ir.NodeID {
	if cached, ok := b.locals.gpr[reg]; ok {
		return cached
	}
	node := b.Emitter.LoadRegister(8, uint8(reg)).Node
	b.locals.gpr[reg] = node
	return node
}

func (b *Builder) storeGuestReg(reg GuestRegister, size uint8, value ir.NodeID) {
	if size >= 4 {
		b.Emitter.StoreRegister(uint8(reg), 8, value)
		b.locals.gpr[reg] = value
		return
	}
	// Sub-word write: the stored bytes merge into the register, so the
	// cached full value (if any) is stale and the next read reloads.
	b.Emitter.StoreRegister(uint8(reg), size, value)
	delete(b.locals.gpr, reg)
}

func (b *Builder) effectiveAddress(op decode.DecodedOperand) (ir.NodeID, error) {
	if op.Kind != decode.OperandMemory {
		return 0, errors.New("dispatch: effectiveAddress on a non-memory operand")
	}
	var addr ir.NodeID
	have := false

	if op.Base == -2 {
		// RIP-relative: decode.DecodeOne has already added the next
		// instruction's address to the displacement, so Value is the
		// absolute address.
		return b.Emitter.Constant(8, uint64(op.Value)).Node, nil
	}

	if op.Base >= 0 {
		addr = b.loadGuestReg(GuestRegister(op.Base))
		have = true
	}
	if op.Index >= 0 {
		idx := b.loadGuestReg(GuestRegister(op.Index))
		if op.Scale > 1 {
			scale := b.Emitter.Constant(8, uint64(op.Scale))
			idx = b.Emitter.Shl(8, idx, b.log2(scale.Op.ConstValue)).Node
		}
		if have {
			addr = b.Emitter.Add(8, addr, idx).Node
		} else {
			addr, have = idx, true
		}
	}
	if op.Value != 0 {
		disp := b.Emitter.Constant(8, uint64(op.Value))
		if have {
			addr = b.Emitter.Add(8, addr, disp.Node).Node
		} else {
			addr, have = disp.Node, true
		}
	}
	if !have {
		return 0, errors.New("dispatch: memory operand resolved to no address terms")
	}
	return addr, nil
}

func (b *Builder) log2(v uint64) ir.NodeID {
	n := uint64(0)
	for v > 1 {
		v >>= 1
		n++
	}
	return b.Emitter.Constant(1, n).Node
}
