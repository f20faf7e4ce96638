package amd64

import (
	"github.com/pkg/errors"

	"github.com/crosscore-rt/crosscore/internal/backend"
	"github.com/crosscore-rt/crosscore/internal/cpu"
	"github.com/crosscore-rt/crosscore/internal/ir"
	"github.com/crosscore-rt/crosscore/internal/ir/pass"
)

// Machine is the x86-64 backend.Machine implementation. Like isa/arm64's
// Machine, it carries no per-compile state of its own.
type Machine struct{}

// New returns an amd64 Machine.
func New() *Machine { return &Machine{} }

func (m *Machine) Name() string { return "amd64" }

// RegisterPools: the general pool is gprPool exactly (RSP/RBP/R12, the
// scratch pair and STATE are carved out); the FPR pool is the full XMM
// file, though no vector op is lowered by this backend yet.
func (m *Machine) RegisterPools() (int, int) { return len(gprPool), 16 }

func (m *Machine) Prologue(buf *backend.CodeBuffer, frameBytes int) {
	if frameBytes <= 0 {
		return
	}
	subRSPImm32(buf, uint32(align8(frameBytes)))
}

// Epilogue restores RSP and falls back to a plain RET; reachable only if a
// region runs off its last block without an explicit OpExitFunction.
func (m *Machine) Epilogue(buf *backend.CodeBuffer, frameBytes int) {
	if frameBytes > 0 {
		addRSPImm32(buf, uint32(align8(frameBytes)))
	}
	ret(buf)
}

func align8(n int) int { return (n + 7) &^ 7 }

// LowerOp appends the x86-64 instructions implementing op.
func (m *Machine) LowerOp(buf *backend.CodeBuffer, g *ir.Graph, id ir.NodeID, op *ir.Op, ra *pass.RegisterAllocationData) error {
	is64 := op.Size == 8

	switch op.Kind {
	case ir.OpInvalid, ir.OpBeginBlock, ir.OpEndBlock, ir.OpCodeBlock, ir.OpEntry:
		return nil

	case ir.OpConstant:
		d := m.dest(ra, id)
		m.loadImmediate(buf, d, op.ConstValue, is64)
		m.spillIfNeeded(buf, ra, id, is64)
		return nil

	case ir.OpAdd, ir.OpSub, ir.OpAnd, ir.OpOr, ir.OpXor:
		// x86 ALU forms are two-operand (dst op= src), so the first source
		// is moved into dst first rather than the three-address shape
		// isa/arm64 can use directly.
		x := m.operand(buf, ra, op.Args[0], rScratch0, is64)
		y := m.operand(buf, ra, op.Args[1], rScratch1, is64)
		d := m.dest(ra, id)
		if d != x {
			aluRegReg(buf, 0x89, d, x, is64) // MOV d, x
		}
		var opcode byte
		switch op.Kind {
		case ir.OpAdd:
			opcode = 0x01
		case ir.OpSub:
			opcode = 0x29
		case ir.OpAnd:
			opcode = 0x21
		case ir.OpOr:
			opcode = 0x09
		case ir.OpXor:
			opcode = 0x31
		}
		aluRegReg(buf, opcode, d, y, is64)
		m.spillIfNeeded(buf, ra, id, is64)
		return nil

	case ir.OpMul:
		x := m.operand(buf, ra, op.Args[0], rScratch0, is64)
		y := m.operand(buf, ra, op.Args[1], rScratch1, is64)
		d := m.dest(ra, id)
		if d != x {
			aluRegReg(buf, 0x89, d, x, is64)
		}
		imulRegReg(buf, d, y, is64)
		m.spillIfNeeded(buf, ra, id, is64)
		return nil

	case ir.OpNeg:
		x := m.operand(buf, ra, op.Args[0], rScratch0, is64)
		d := m.dest(ra, id)
		if d != x {
			aluRegReg(buf, 0x89, d, x, is64)
		}
		group3F7(buf, 3, d, is64)
		m.spillIfNeeded(buf, ra, id, is64)
		return nil

	case ir.OpNot:
		x := m.operand(buf, ra, op.Args[0], rScratch0, is64)
		d := m.dest(ra, id)
		if d != x {
			aluRegReg(buf, 0x89, d, x, is64)
		}
		group3F7(buf, 2, d, is64)
		m.spillIfNeeded(buf, ra, id, is64)
		return nil

	case ir.OpShl, ir.OpShrLogical, ir.OpShrArithmetic:
		// x86's variable-count shift form hardwires the count to CL, unlike
		// arm64's register-controlled LSLV/LSRV/ASRV: stage the count into
		// CL first, being careful not to clobber it if the count source
		// already happens to be RCX.
		x := m.operand(buf, ra, op.Args[0], rScratch0, is64)
		count := m.operand(buf, ra, op.Args[1], rScratch1, false)
		d := m.dest(ra, id)
		if d != x {
			aluRegReg(buf, 0x89, d, x, is64)
		}
		if count != rCX {
			mov8(buf, rCX, count)
		}
		var digit byte
		switch op.Kind {
		case ir.OpShl:
			digit = 4
		case ir.OpShrLogical:
			digit = 5
		case ir.OpShrArithmetic:
			digit = 7
		}
		shiftCL(buf, digit, d, is64)
		m.spillIfNeeded(buf, ra, id, is64)
		return nil

	case ir.OpCmp:
		x := m.operand(buf, ra, op.Args[0], rScratch0, is64)
		y := m.operand(buf, ra, op.Args[1], rScratch1, is64)
		aluRegReg(buf, 0x39, x, y, is64) // CMP x, y
		return nil

	case ir.OpTestOp:
		x := m.operand(buf, ra, op.Args[0], rScratch0, is64)
		y := m.operand(buf, ra, op.Args[1], rScratch1, is64)
		aluRegReg(buf, 0x85, x, y, is64) // TEST x, y
		return nil

	case ir.OpSelect:
		condReg := m.operand(buf, ra, op.Args[0], rScratch0, false)
		aluRegReg(buf, 0x85, condReg, condReg, false) // TEST cond, cond
		x := m.operand(buf, ra, op.Args[1], rScratch0, is64)
		y := m.operand(buf, ra, op.Args[2], rScratch1, is64)
		d := m.dest(ra, id)
		// CMOVcc only overwrites dst when the condition holds, so dst needs
		// to start out holding whichever arm it is NOT about to be
		// conditionally loaded with. When d already coincides with x's
		// register (the common case when x was spilled into the same
		// rScratch0 slot d falls back to), seeding dst from y first would
		// destroy x's value before the cmov ever reads it, so that case
		// seeds from x (a no-op move) and conditionally overwrites with y
		// on the inverted condition instead, rather than ever writing
		// through x's register.
		if d == x {
			if d != y {
				cmovRegReg(buf, ccFromIR(ir.CondEqual), d, y, is64)
			}
		} else {
			if d != y {
				aluRegReg(buf, 0x89, d, y, is64)
			}
			cmovRegReg(buf, ccFromIR(ir.CondNotEqual), d, x, is64)
		}
		m.spillIfNeeded(buf, ra, id, is64)
		return nil

	case ir.OpReadFlag:
		d := m.dest(ra, id)
		switch op.Flag {
		case cpu.FlagPF:
			// The host computes byte parity natively: TEST the raw result
			// byte and SETP it. x86 PF set on even parity is exactly
			// popcount(PFRaw^1) & 1.
			movzxMem(buf, 0xB6, rScratch0, rState, int32(cpu.ComputedFrameOffsets.PFRaw))
			aluRegReg(buf, 0x85, rScratch0, rScratch0, false)
			setcc(buf, 0xA, d)
			movzxRegByte(buf, d, d)
		case cpu.FlagAF:
			// AF = bit 4 of AFRaw ^ PFRaw (src1^src2 xor the raw result).
			memDisp32(buf, 0x8B, rScratch0, rState, int32(cpu.ComputedFrameOffsets.AFRaw), true)
			memDisp32(buf, 0x8B, rScratch1, rState, int32(cpu.ComputedFrameOffsets.PFRaw), true)
			aluRegReg(buf, 0x31, rScratch0, rScratch1, true)
			shiftImm8(buf, 5, rScratch0, 4, false)
			aluImm8(buf, 4, rScratch0, 1, false)
			if d != rScratch0 {
				aluRegReg(buf, 0x89, d, rScratch0, false)
			}
		default:
			memDisp32Byte(buf, 0x8A, d, rState, int32(cpu.ComputedFrameOffsets.Flags0)+int32(op.Flag))
		}
		m.spillIfNeeded(buf, ra, id, is64)
		return nil

	case ir.OpWriteFlag:
		v := m.operand(buf, ra, op.Args[0], rScratch0, false)
		memDisp32Byte(buf, 0x88, v, rState, int32(cpu.ComputedFrameOffsets.Flags0)+int32(op.Flag))
		return nil

	case ir.OpLoadRegister:
		d := m.dest(ra, id)
		off := int32(cpu.ComputedFrameOffsets.GRegOffset(uint8(op.ConstValue)))
		switch op.Size {
		case 1:
			movzxMem(buf, 0xB6, d, rState, off)
		case 2:
			movzxMem(buf, 0xB7, d, rState, off)
		default:
			memDisp32(buf, 0x8B, d, rState, off, is64)
		}
		m.spillIfNeeded(buf, ra, id, is64)
		return nil

	case ir.OpStoreRegister:
		v := m.operand(buf, ra, op.Args[0], rScratch0, op.Size == 8)
		off := int32(cpu.ComputedFrameOffsets.GRegOffset(uint8(op.ConstValue)))
		switch op.Size {
		case 1:
			memDisp32Byte(buf, 0x88, v, rState, off)
		case 2:
			buf.Emit8(0x66)
			memDisp32(buf, 0x89, v, rState, off, false)
		default:
			memDisp32(buf, 0x89, v, rState, off, op.Size == 8)
		}
		return nil

	case ir.OpLoadMem, ir.OpLoadMemTSO:
		// The host is itself TSO, so the TSO variant needs no fence here,
		// only the load: the minimum fence on this target is none.
		addr := m.operand(buf, ra, op.Args[0], rScratch0, true)
		d := m.dest(ra, id)
		memDisp32(buf, 0x8B, d, addr, 0, is64) // MOV d, [addr]
		m.spillIfNeeded(buf, ra, id, is64)
		return nil

	case ir.OpCondClassCmp:
		x := m.operand(buf, ra, op.Args[0], rScratch0, is64)
		y := m.operand(buf, ra, op.Args[1], rScratch1, is64)
		aluRegReg(buf, 0x39, x, y, is64) // CMP x, y
		d := m.dest(ra, id)
		setcc(buf, ccFromIR(op.Cond), d)
		movzxRegByte(buf, d, d)
		m.spillIfNeeded(buf, ra, id, false)
		return nil

	case ir.OpAtomicCAS:
		// RAX is architecturally pinned as CMPXCHG's accumulator; it is not
		// in gprPool, so staging the expected value there clobbers nothing.
		addr := m.operand(buf, ra, op.Args[0], rScratch1, true)
		exp := m.operand(buf, ra, op.Args[1], rScratch0, is64)
		if exp != rAX {
			aluRegReg(buf, 0x89, rAX, exp, true)
		}
		des := m.operand(buf, ra, op.Args[2], rScratch0, is64)
		buf.Emit8(0xF0) // LOCK
		if op.Size == 2 {
			buf.Emit8(0x66)
		}
		cmpxchgMem(buf, des, addr, 0, op.Size)
		d := m.dest(ra, id)
		if d != rAX {
			aluRegReg(buf, 0x89, d, rAX, is64)
		}
		m.spillIfNeeded(buf, ra, id, is64)
		return nil

	case ir.OpSyscall, ir.OpInlineSyscall:
		// Same helper contract as isa/arm64: the frame is the only
		// argument, results flow through guest state, and JITPointers
		// targets are preserve-most trampolines rather than SysV functions.
		aluRegReg(buf, 0x89, rDI, rState, true)
		memDisp32(buf, 0x8B, rScratch1, rState, int32(cpu.ComputedFrameOffsets.JITPointersSyscallDispatcher), true)
		callIndirect(buf, rScratch1)
		return nil

	case ir.OpCPUID, ir.OpXGETBV:
		aluRegReg(buf, 0x89, rDI, rState, true)
		memDisp32(buf, 0x8B, rScratch1, rState, int32(cpu.ComputedFrameOffsets.JITPointersCPUIDHelper), true)
		callIndirect(buf, rScratch1)
		return nil

	case ir.OpThunk:
		argp := m.operand(buf, ra, op.Args[0], rScratch0, true)
		if argp != rDI {
			aluRegReg(buf, 0x89, rDI, argp, true)
		}
		memDisp32(buf, 0x8B, rScratch1, rState, int32(cpu.ComputedFrameOffsets.JITPointersThunkHandler), true)
		callIndirect(buf, rScratch1)
		return nil

	case ir.OpStoreMem, ir.OpStoreMemTSO:
		addr := m.operand(buf, ra, op.Args[0], rScratch0, true)
		v := m.operand(buf, ra, op.Args[1], rScratch1, op.Size == 8)
		memDisp32(buf, 0x89, v, addr, 0, op.Size == 8) // MOV [addr], v
		return nil

	case ir.OpJump:
		buf.AddFixup(op.Target, backend.FixupRel32)
		jmpRel32(buf, 0) // patched once every block in the region is laid out.
		return nil

	case ir.OpCondJump:
		// The single argument is the flags-defining op (OpCmp/OpTestOp)
		// already lowered earlier in this block; EFLAGS is still live here
		// since nothing this backend emits in between alters it.
		buf.AddFixup(op.Target, backend.FixupRel32)
		jccRel32(buf, ccFromIR(op.Cond), 0)
		buf.AddFixup(op.TargetElse, backend.FixupRel32)
		jmpRel32(buf, 0)
		return nil

	case ir.OpExitFunction:
		nextRIP := m.operand(buf, ra, op.Args[0], rScratch0, true)
		memDisp32(buf, 0x89, nextRIP, rState, int32(cpu.ComputedFrameOffsets.RIP), true)
		memDisp32(buf, 0x8B, rScratch1, rState, int32(cpu.ComputedFrameOffsets.JITPointersExitFunctionLinker), true)
		jmpIndirect(buf, rScratch1)
		return nil

	case ir.OpSpillRegister:
		v := m.operand(buf, ra, op.Args[0], rScratch0, true)
		memDisp32(buf, 0x89, v, rSP, int32(op.ConstValue)*pass.SpillSlotBytes, true)
		return nil

	case ir.OpFillRegister:
		d := m.dest(ra, id)
		memDisp32(buf, 0x8B, d, rSP, int32(op.ConstValue)*pass.SpillSlotBytes, true)
		m.spillIfNeeded(buf, ra, id, op.Size == 8)
		return nil

	case ir.OpValidateCode:
		// Lowered by the block cache's runtime entry sequence, not per-op
		// host code; see isa/arm64's identical note.
		return nil

	default:
		return errors.Errorf("amd64: unsupported op %s", op.Kind)
	}
}

// PatchBranch rewrites the rel32 placeholder LowerOp left at siteOffset.
// delta is measured from the start of the branch instruction, but x86's
// rel32 is relative to the address of the FOLLOWING instruction: JMP
// rel32 (0xE9, 1-byte opcode) is 5 bytes total, Jcc rel32 (0x0F 0x8x,
// 2-byte opcode) is 6, so the immediate field's own offset and the
// instruction-length adjustment both depend on which form this site is,
// distinguished by the opcode byte LowerOp already wrote there.
func (m *Machine) PatchBranch(buf *backend.CodeBuffer, kind backend.FixupKind, siteOffset, delta int) {
	if kind != backend.FixupRel32 {
		return
	}
	if buf.Code[siteOffset] == 0x0F {
		rel := int32(delta) - 6
		putLeUint32(buf.Code[siteOffset+2:], uint32(rel))
		return
	}
	rel := int32(delta) - 5
	putLeUint32(buf.Code[siteOffset+1:], uint32(rel))
}

func putLeUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// dest resolves id's assigned register, or rScratch0 if it was spilled (the
// caller must follow up with spillIfNeeded to flush it back out).
func (m *Machine) dest(ra *pass.RegisterAllocationData, id ir.NodeID) backend.RealReg {
	if pr, ok := ra.Assignment[id]; ok {
		return realReg(pr)
	}
	return rScratch0
}

// spillIfNeeded stores rScratch0 out to its spill slot when id had no live
// register assignment.
func (m *Machine) spillIfNeeded(buf *backend.CodeBuffer, ra *pass.RegisterAllocationData, id ir.NodeID, is64 bool) {
	if _, ok := ra.Assignment[id]; ok {
		return
	}
	slot, ok := ra.SpillSlot[id]
	if !ok {
		return // dead result, nothing referenced it.
	}
	memDisp32(buf, 0x89, rScratch0, rSP, int32(slot)*pass.SpillSlotBytes, true)
}

// operand resolves node's value into a register, materializing it into
// scratch first if the allocator spilled it. An invalid (absent) operand
// falls back to the scratch register uninitialized; absent operands only
// occur for flags-only ops this backend always supplies both args for,
// so that path never actually executes.
func (m *Machine) operand(buf *backend.CodeBuffer, ra *pass.RegisterAllocationData, node ir.NodeID, scratch backend.RealReg, is64 bool) backend.RealReg {
	if !node.Valid() {
		return scratch
	}
	if pr, ok := ra.Assignment[node]; ok {
		return realReg(pr)
	}
	if slot, ok := ra.SpillSlot[node]; ok {
		memDisp32(buf, 0x8B, scratch, rSP, int32(slot)*pass.SpillSlotBytes, is64)
		return scratch
	}
	return scratch
}

// loadImmediate picks the shortest encoding: a 32-bit immediate zero-extends
// into the full 64-bit register on x86-64, so only values that don't fit in
// 32 bits need the 10-byte MOVABS form.
func (m *Machine) loadImmediate(buf *backend.CodeBuffer, rd backend.RealReg, value uint64, is64 bool) {
	if !is64 || value <= 0xffffffff {
		movImm32(buf, rd, uint32(value))
		return
	}
	movImm64(buf, rd, value)
}
