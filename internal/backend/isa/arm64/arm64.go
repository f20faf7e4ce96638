package arm64

import (
	"github.com/pkg/errors"

	"github.com/crosscore-rt/crosscore/internal/backend"
	"github.com/crosscore-rt/crosscore/internal/cpu"
	"github.com/crosscore-rt/crosscore/internal/ir"
	"github.com/crosscore-rt/crosscore/internal/ir/pass"
)

// Machine is the primary backend.Machine implementation, targeting
// AArch64. A Machine carries only configuration; every piece of per-op
// context (register assignments, spill slots) comes from the
// RegisterAllocationData argument, so one Machine can lower many graphs
// concurrently.
type Machine struct {
	// ParanoidTSO forces a full DMB ISH on both sides of every TSO memory
	// access instead of the minimum one-sided fence.
	ParanoidTSO bool
}

// New returns an AArch64 Machine.
func New() *Machine { return &Machine{} }

func (m *Machine) Name() string { return "arm64" }

// RegisterPools: x9-x15 and x19-x27 are free for the allocator once the
// scratch pair, platform register, STATE, FP and LR are carved out; the
// full 32-entry vector file minus the fixed set leaves 16 FPRs.
func (m *Machine) RegisterPools() (int, int) { return 16, 16 }

// Prologue reserves frameBytes of spill-slot stack space. FP/LR are left
// untouched: every generated region exits via ExitFunction's BR through
// JITPointersExitFunctionLinker rather than BL/RET, so nothing here ever
// clobbers the caller's link register.
func (m *Machine) Prologue(buf *backend.CodeBuffer, frameBytes int) {
	if frameBytes <= 0 {
		return
	}
	buf.Emit32(addSubImm(rSP, rSP, uint32(align16(frameBytes)), true, true))
}

// Epilogue restores the stack pointer and falls back to a plain return;
// reachable only if a compiled region runs off its last block without an
// explicit OpExitFunction, which well-formed dispatch output never does.
func (m *Machine) Epilogue(buf *backend.CodeBuffer, frameBytes int) {
	if frameBytes > 0 {
		buf.Emit32(addSubImm(rSP, rSP, uint32(align16(frameBytes)), false, true))
	}
	buf.Emit32(retReg(rLR))
}

func align16(n int) int { return (n + 15) &^ 15 }

// LowerOp appends the AArch64 instructions implementing op.
func (m *Machine) LowerOp(buf *backend.CodeBuffer, g *ir.Graph, id ir.NodeID, op *ir.Op, ra *pass.RegisterAllocationData) error {
	is64 := op.Size == 8

	switch op.Kind {
	case ir.OpInvalid, ir.OpBeginBlock, ir.OpEndBlock, ir.OpCodeBlock, ir.OpEntry:
		return nil

	case ir.OpConstant:
		m.loadImmediate(buf, m.dest(buf, ra, id), op.ConstValue, is64)
		m.spillIfNeeded(buf, ra, id, is64)
		return nil

	case ir.OpAdd, ir.OpSub, ir.OpAnd, ir.OpOr, ir.OpXor, ir.OpMul:
		x := m.operand(buf, ra, op.Args[0], rScratch0, is64)
		y := m.operand(buf, ra, op.Args[1], rScratch1, is64)
		d := m.dest(buf, ra, id)
		switch op.Kind {
		case ir.OpAdd:
			buf.Emit32(addSubReg(d, x, y, false, false, is64))
		case ir.OpSub:
			buf.Emit32(addSubReg(d, x, y, true, false, is64))
		case ir.OpAnd:
			buf.Emit32(logicalReg(d, x, y, logAND, is64))
		case ir.OpOr:
			buf.Emit32(logicalReg(d, x, y, logORR, is64))
		case ir.OpXor:
			buf.Emit32(logicalReg(d, x, y, logEOR, is64))
		case ir.OpMul:
			buf.Emit32(madd(d, x, y, rZR, is64))
		}
		m.spillIfNeeded(buf, ra, id, is64)
		return nil

	case ir.OpNeg:
		x := m.operand(buf, ra, op.Args[0], rScratch0, is64)
		d := m.dest(buf, ra, id)
		buf.Emit32(addSubReg(d, rZR, x, true, false, is64))
		m.spillIfNeeded(buf, ra, id, is64)
		return nil

	case ir.OpNot:
		x := m.operand(buf, ra, op.Args[0], rScratch0, is64)
		d := m.dest(buf, ra, id)
		buf.Emit32(logicalRegInvert(d, rZR, x, is64))
		m.spillIfNeeded(buf, ra, id, is64)
		return nil

	case ir.OpShl, ir.OpShrLogical, ir.OpShrArithmetic:
		x := m.operand(buf, ra, op.Args[0], rScratch0, is64)
		shiftAmt := m.operand(buf, ra, op.Args[1], rScratch1, is64)
		d := m.dest(buf, ra, id)
		var kind uint32
		switch op.Kind {
		case ir.OpShl:
			kind = shiftLSL
		case ir.OpShrLogical:
			kind = shiftLSR
		case ir.OpShrArithmetic:
			kind = shiftASR
		}
		buf.Emit32(shiftReg(d, x, shiftAmt, kind, is64))
		m.spillIfNeeded(buf, ra, id, is64)
		return nil

	case ir.OpCmp:
		x := m.operand(buf, ra, op.Args[0], rScratch0, is64)
		y := m.operand(buf, ra, op.Args[1], rScratch1, is64)
		buf.Emit32(addSubReg(rZR, x, y, true, true, is64)) // SUBS xzr, x, y
		return nil

	case ir.OpTestOp:
		x := m.operand(buf, ra, op.Args[0], rScratch0, is64)
		y := m.operand(buf, ra, op.Args[1], rScratch1, is64)
		buf.Emit32(logicalReg(rZR, x, y, logANDS, is64)) // ANDS xzr, x, y
		return nil

	case ir.OpSelect:
		// The compare is emitted immediately after resolving condReg so its
		// scratch register is free again before x/y need one: a Select with
		// all three operands spilled would otherwise need a third temporary
		// this backend doesn't reserve.
		condReg := m.operand(buf, ra, op.Args[0], rScratch0, false)
		buf.Emit32(addSubReg(rZR, condReg, rZR, true, true, false)) // SUBS wzr, cond, xzr
		x := m.operand(buf, ra, op.Args[1], rScratch0, is64)
		y := m.operand(buf, ra, op.Args[2], rScratch1, is64)
		d := m.dest(buf, ra, id)
		buf.Emit32(csel(d, x, y, ccNE, is64))
		m.spillIfNeeded(buf, ra, id, is64)
		return nil

	case ir.OpReadFlag:
		d := m.dest(buf, ra, id)
		switch op.Flag {
		case cpu.FlagPF:
			// PF = popcount(PFRaw ^ 1) & 1, i.e. the even-parity bit of the
			// raw result byte: fold the byte's parity down with shifted
			// xors, flip it, and mask to one bit.
			buf.Emit32(ldStImm(rScratch0, rState, uint32(cpu.ComputedFrameOffsets.PFRaw), 0, true))
			buf.Emit32(logicalShiftReg(rScratch0, rScratch0, rScratch0, logEOR, shiftLSR, 4, false))
			buf.Emit32(logicalShiftReg(rScratch0, rScratch0, rScratch0, logEOR, shiftLSR, 2, false))
			buf.Emit32(logicalShiftReg(rScratch0, rScratch0, rScratch0, logEOR, shiftLSR, 1, false))
			buf.Emit32(movWide(rScratch1, 1, 0, false, false))
			buf.Emit32(logicalReg(rScratch0, rScratch0, rScratch1, logEOR, false))
			buf.Emit32(logicalReg(d, rScratch0, rScratch1, logAND, false))
		case cpu.FlagAF:
			// AF = bit 4 of AFRaw ^ PFRaw (src1^src2 xor the raw result).
			buf.Emit32(ldStImm(rScratch0, rState, uint32(cpu.ComputedFrameOffsets.AFRaw), 3, true))
			buf.Emit32(ldStImm(rScratch1, rState, uint32(cpu.ComputedFrameOffsets.PFRaw), 3, true))
			buf.Emit32(logicalReg(rScratch0, rScratch0, rScratch1, logEOR, true))
			buf.Emit32(movWide(rScratch1, 1, 0, false, false))
			buf.Emit32(logicalShiftReg(d, rScratch1, rScratch0, logAND, shiftLSR, 4, true))
		default:
			buf.Emit32(ldStImm(d, rState, uint32(cpu.ComputedFrameOffsets.Flags0)+uint32(op.Flag), 0, true))
		}
		m.spillIfNeeded(buf, ra, id, is64)
		return nil

	case ir.OpWriteFlag:
		v := m.operand(buf, ra, op.Args[0], rScratch0, false)
		buf.Emit32(ldStImm(v, rState, uint32(cpu.ComputedFrameOffsets.Flags0)+uint32(op.Flag), 0, false))
		return nil

	case ir.OpLoadRegister:
		d := m.dest(buf, ra, id)
		off := uint32(cpu.ComputedFrameOffsets.GRegOffset(uint8(op.ConstValue)))
		buf.Emit32(ldStImm(d, rState, off, sizeField(op.Size), true))
		m.spillIfNeeded(buf, ra, id, is64)
		return nil

	case ir.OpStoreRegister:
		v := m.operand(buf, ra, op.Args[0], rScratch0, op.Size == 8)
		off := uint32(cpu.ComputedFrameOffsets.GRegOffset(uint8(op.ConstValue)))
		buf.Emit32(ldStImm(v, rState, off, sizeField(op.Size), false))
		return nil

	case ir.OpLoadMem, ir.OpLoadMemTSO:
		addr := m.operand(buf, ra, op.Args[0], rScratch0, true)
		d := m.dest(buf, ra, id)
		// The host memory model is weaker than the guest's: a TSO load is
		// preceded by an acquire-flavored fence, a full barrier under
		// ParanoidTSO.
		if op.Kind == ir.OpLoadMemTSO {
			if m.ParanoidTSO {
				buf.Emit32(dmb(barrierISH))
			} else {
				buf.Emit32(dmb(barrierISHLD))
			}
		}
		buf.Emit32(ldStImm(d, addr, 0, sizeField(op.Size), true))
		if op.Kind == ir.OpLoadMemTSO && m.ParanoidTSO {
			buf.Emit32(dmb(barrierISH))
		}
		m.spillIfNeeded(buf, ra, id, is64)
		return nil

	case ir.OpStoreMem, ir.OpStoreMemTSO:
		addr := m.operand(buf, ra, op.Args[0], rScratch0, true)
		v := m.operand(buf, ra, op.Args[1], rScratch1, op.Size == 8)
		if op.Kind == ir.OpStoreMemTSO && m.ParanoidTSO {
			buf.Emit32(dmb(barrierISH))
		}
		buf.Emit32(ldStImm(v, addr, 0, sizeField(op.Size), false))
		// A TSO store is followed by the minimum fence keeping it ordered
		// against later stores as other guest threads observe them.
		if op.Kind == ir.OpStoreMemTSO {
			buf.Emit32(dmb(barrierISH))
		}
		return nil

	case ir.OpCondClassCmp:
		x := m.operand(buf, ra, op.Args[0], rScratch0, is64)
		y := m.operand(buf, ra, op.Args[1], rScratch1, is64)
		buf.Emit32(addSubReg(rZR, x, y, true, true, is64))
		d := m.dest(buf, ra, id)
		buf.Emit32(cset(d, condFromIR(op.Cond), false))
		m.spillIfNeeded(buf, ra, id, false)
		return nil

	case ir.OpAtomicCAS:
		// ARMv8.1 LSE single-instruction CAS; the LL/SC loop for pre-LSE
		// hosts is not emitted (see DESIGN.md). Rs doubles as the
		// destination: seed it with the expected value, CASAL leaves the
		// observed value in it.
		addr := m.operand(buf, ra, op.Args[0], rScratch1, true)
		desired := m.operand(buf, ra, op.Args[2], rScratch2, is64)
		d := m.dest(buf, ra, id)
		if pr, ok := ra.Assignment[op.Args[1]]; ok {
			buf.Emit32(logicalReg(d, rZR, realReg(pr), logORR, true))
		} else if slot, ok := ra.SpillSlot[op.Args[1]]; ok {
			buf.Emit32(ldStImm(d, rSP, uint32(slot)*pass.SpillSlotBytes, 3, true))
		}
		buf.Emit32(casal(d, desired, addr, sizeField(op.Size)))
		m.spillIfNeeded(buf, ra, id, is64)
		return nil

	case ir.OpSyscall, ir.OpInlineSyscall:
		// Hand the frame to the registered syscall dispatcher; the helper
		// reads the argument registers out of guest state and writes the
		// result back, so nothing register-carried crosses the call. Helper
		// entry stubs must preserve every register except x0, x16/x17 and
		// x30: JITPointers targets are preserve-most trampolines, not
		// ordinary AAPCS functions.
		buf.Emit32(logicalReg(rArg0, rZR, rState, logORR, true))
		buf.Emit32(ldStImm(rScratch1, rState, uint32(cpu.ComputedFrameOffsets.JITPointersSyscallDispatcher), 3, true))
		buf.Emit32(blrReg(rScratch1))
		return nil

	case ir.OpCPUID, ir.OpXGETBV:
		buf.Emit32(logicalReg(rArg0, rZR, rState, logORR, true))
		buf.Emit32(ldStImm(rScratch1, rState, uint32(cpu.ComputedFrameOffsets.JITPointersCPUIDHelper), 3, true))
		buf.Emit32(blrReg(rScratch1))
		return nil

	case ir.OpThunk:
		// Argument pointer into the first platform argument register,
		// handler resolved through the frame's thunk dispatcher.
		argp := m.operand(buf, ra, op.Args[0], rScratch0, true)
		if argp != rArg0 {
			buf.Emit32(logicalReg(rArg0, rZR, argp, logORR, true))
		}
		buf.Emit32(ldStImm(rScratch1, rState, uint32(cpu.ComputedFrameOffsets.JITPointersThunkHandler), 3, true))
		buf.Emit32(blrReg(rScratch1))
		return nil

	case ir.OpJump:
		buf.AddFixup(op.Target, backend.FixupBranch26)
		buf.Emit32(0) // patched once every block in the region is laid out.
		return nil

	case ir.OpCondJump:
		// The single argument is the flags-defining op (OpCmp/OpTestOp)
		// already lowered earlier in this block; its NZCV output is still
		// live here because nothing this backend emits in between sets
		// flags implicitly (every ALU form it uses omits the S suffix).
		buf.AddFixup(op.Target, backend.FixupCondBranch19)
		buf.Emit32(bCond(0, condFromIR(op.Cond)))
		buf.AddFixup(op.TargetElse, backend.FixupBranch26)
		buf.Emit32(0)
		return nil

	case ir.OpExitFunction:
		nextRIP := m.operand(buf, ra, op.Args[0], rScratch0, true)
		buf.Emit32(ldStImm(nextRIP, rState, uint32(cpu.ComputedFrameOffsets.RIP), 3, false))
		buf.Emit32(ldStImm(rScratch1, rState, uint32(cpu.ComputedFrameOffsets.JITPointersExitFunctionLinker), 3, true))
		buf.Emit32(brReg(rScratch1))
		return nil

	case ir.OpSpillRegister:
		v := m.operand(buf, ra, op.Args[0], rScratch0, true)
		buf.Emit32(ldStImm(v, rSP, uint32(op.ConstValue)*pass.SpillSlotBytes, 3, false))
		return nil

	case ir.OpFillRegister:
		d := m.dest(buf, ra, id)
		buf.Emit32(ldStImm(d, rSP, uint32(op.ConstValue)*pass.SpillSlotBytes, 3, true))
		m.spillIfNeeded(buf, ra, id, op.Size == 8)
		return nil

	case ir.OpValidateCode:
		// Self-modifying-code guard: the hash comparison and
		// bail-to-recompile branch live in the block cache's runtime entry
		// sequence (internal/blockcache, internal/runtime), not in per-op
		// host code, so there is nothing to lower here.
		return nil

	default:
		return errors.Errorf("arm64: unsupported op %s", op.Kind)
	}
}

// PatchBranch rewrites the placeholder word LowerOp left at siteOffset.
func (m *Machine) PatchBranch(buf *backend.CodeBuffer, kind backend.FixupKind, siteOffset, delta int) {
	wordDelta := int32(delta / 4)
	var word uint32
	switch kind {
	case backend.FixupBranch26:
		word = bUncond(wordDelta)
	case backend.FixupCondBranch19:
		// The cond field was already encoded by LowerOp; only the
		// displacement bits need patching, so re-derive cond from the
		// placeholder word rather than re-deriving it from op.Cond (which
		// PatchBranch, running after every block is laid out, no longer
		// has access to).
		existing := leUint32(buf.Code[siteOffset:])
		cond := condCode(existing & 0xf)
		word = bCond(wordDelta, cond)
	default:
		return
	}
	putLeUint32(buf.Code[siteOffset:], word)
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func putLeUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// dest resolves id's assigned register, or rScratch0 if it was spilled (the
// caller must follow up with spillIfNeeded to flush it back out).
func (m *Machine) dest(buf *backend.CodeBuffer, ra *pass.RegisterAllocationData, id ir.NodeID) backend.RealReg {
	if pr, ok := ra.Assignment[id]; ok {
		return realReg(pr)
	}
	return rScratch0
}

// spillIfNeeded stores rScratch0 (the register dest used when id has no
// live register assignment) out to its spill slot.
func (m *Machine) spillIfNeeded(buf *backend.CodeBuffer, ra *pass.RegisterAllocationData, id ir.NodeID, is64 bool) {
	if _, ok := ra.Assignment[id]; ok {
		return
	}
	slot, ok := ra.SpillSlot[id]
	if !ok {
		return // dead result, nothing referenced it.
	}
	buf.Emit32(ldStImm(rScratch0, rSP, uint32(slot)*pass.SpillSlotBytes, 3, false))
}

// operand resolves node's value into a register, materializing it into
// scratch first if the allocator spilled it or if node is an invalid
// (absent) operand, in which case xzr stands in for zero.
func (m *Machine) operand(buf *backend.CodeBuffer, ra *pass.RegisterAllocationData, node ir.NodeID, scratch backend.RealReg, is64 bool) backend.RealReg {
	if !node.Valid() {
		return rZR
	}
	if pr, ok := ra.Assignment[node]; ok {
		return realReg(pr)
	}
	if slot, ok := ra.SpillSlot[node]; ok {
		buf.Emit32(ldStImm(scratch, rSP, uint32(slot)*pass.SpillSlotBytes, 3, true))
		return scratch
	}
	return rZR
}

// loadImmediate emits a MOVZ followed by as many MOVK as value needs.
func (m *Machine) loadImmediate(buf *backend.CodeBuffer, rd backend.RealReg, value uint64, is64 bool) {
	buf.Emit32(movWide(rd, uint16(value), 0, false, is64))
	chunks := 2
	if is64 {
		chunks = 4
	}
	for hw := 1; hw < chunks; hw++ {
		chunk := uint16(value >> (16 * hw))
		if chunk != 0 {
			buf.Emit32(movWide(rd, chunk, uint32(hw), true, is64))
		}
	}
}
