package dispatch

import (
	"github.com/pkg/errors"

	"github.com/crosscore-rt/crosscore/internal/cpu"
	"github.com/crosscore-rt/crosscore/internal/decode"
	"github.com/crosscore-rt/crosscore/internal/ir"
)

// recordRawFlags stores the raw PF/AF inputs of a flags-defining
// instruction into the synthetic registers: PFRaw holds the raw result
// (PF derives from its low byte), AFRaw holds src1^src2 (AF is bit 4 of
// AFRaw^PFRaw). The stores themselves never set host flags, so callers
// sequence them before the final flags-defining IR op; the host flag
// state a later CondJump consumes is whatever that last op left behind.
// Stores that the next flags-defining instruction overwrites before any
// PF/AF read are elided by internal/ir/pass.ElideUnreadDeferredFlags.
func (b *Builder) recordRawFlags(result, xorOfOperands ir.NodeID) {
	if xorOfOperands.Valid() {
		b.Emitter.StoreRegister(cpu.RegAFRaw, 8, xorOfOperands)
	}
	b.Emitter.StoreRegister(cpu.RegPFRaw, 8, result)
}

func (b *Builder) lowerArithmetic(inst decode.X86InstInfo) error {
	if inst.NumOperands < 2 {
		return errors.Errorf("dispatch: %s needs 2 operands, got %d", inst.Mnemonic, inst.NumOperands)
	}
	dst, src := inst.Operands[0], inst.Operands[1]
	x, err := b.LoadSource(dst)
	if err != nil {
		return err
	}
	y, err := b.LoadSourceWithOpSize(src, dst.Size)
	if err != nil {
		return err
	}

	// The AF raw input has to be staged before the result op: its xor must
	// not disturb the host flags the result op defines (amd64 XOR would).
	ax := b.Emitter.Xor(dst.Size, x, y)
	b.Emitter.StoreRegister(cpu.RegAFRaw, 8, ax.Node)

	var result ir.IRPair
	switch inst.Mnemonic {
	case "add":
		result = b.Emitter.Add(dst.Size, x, y)
	case "sub":
		result = b.Emitter.Sub(dst.Size, x, y)
	case "and":
		result = b.Emitter.And(dst.Size, x, y)
	case "or":
		result = b.Emitter.Or(dst.Size, x, y)
	case "xor":
		result = b.Emitter.Xor(dst.Size, x, y)
	case "imul":
		result = b.Emitter.Mul(dst.Size, x, y)
	default:
		return errors.Errorf("dispatch: unhandled arithmetic mnemonic %q", inst.Mnemonic)
	}

	b.Emitter.StoreRegister(cpu.RegPFRaw, 8, result.Node)
	b.flags = FlagsOp{Node: result.Node, Size: dst.Size, Op1: x, Op2: y}
	return b.StoreResult(dst, result.Node)
}

func (b *Builder) lowerCompare(inst decode.X86InstInfo) error {
	if inst.NumOperands < 2 {
		return errors.Errorf("dispatch: cmp needs 2 operands, got %d", inst.NumOperands)
	}
	size := inst.Operands[0].Size
	x, err := b.LoadSource(inst.Operands[0])
	if err != nil {
		return err
	}
	y, err := b.LoadSourceWithOpSize(inst.Operands[1], size)
	if err != nil {
		return err
	}
	// Raw-flag inputs first (the difference is the raw result CMP never
	// architecturally writes back), the flags-defining compare last so the
	// host condition codes are live for the branch/setcc that follows.
	diff := b.Emitter.Sub(size, x, y)
	b.recordRawFlags(diff.Node, b.Emitter.Xor(size, x, y).Node)
	cmp := b.Emitter.Cmp(size, x, y)
	b.flags = FlagsOp{Node: cmp.Node, Size: size, Op1: x, Op2: y}
	return nil
}

func (b *Builder) lowerTest(inst decode.X86InstInfo) error {
	if inst.NumOperands < 2 {
		return errors.Errorf("dispatch: test needs 2 operands, got %d", inst.NumOperands)
	}
	size := inst.Operands[0].Size
	x, err := b.LoadSource(inst.Operands[0])
	if err != nil {
		return err
	}
	y, err := b.LoadSourceWithOpSize(inst.Operands[1], size)
	if err != nil {
		return err
	}
	// TEST leaves AF architecturally undefined; only the PF raw result is
	// recorded.
	and := b.Emitter.And(size, x, y)
	b.Emitter.StoreRegister(cpu.RegPFRaw, 8, and.Node)
	test := b.Emitter.TestOp(size, x, y)
	b.flags = FlagsOp{Node: test.Node, Size: size, Op1: x, Op2: y}
	return nil
}

func (b *Builder) lowerMove(inst decode.X86InstInfo) error {
	if inst.NumOperands < 2 {
		return errors.Errorf("dispatch: mov needs at least 2 operands, got %d", inst.NumOperands)
	}
	dst := inst.Operands[0]
	src := inst.Operands[1]
	if inst.NumOperands == 3 {
		// ModRM group form (C6/C7): the reg field is an opcode extension
		// sitting in Operands[1]; the appended immediate is the real source.
		src = inst.Operands[2]
	}
	v, err := b.LoadSourceWithOpSize(src, dst.Size)
	if err != nil {
		return err
	}
	return b.StoreResult(dst, v)
}

func (b *Builder) lowerLEA(inst decode.X86InstInfo) error {
	if inst.NumOperands < 2 || inst.Operands[1].Kind != decode.OperandMemory {
		return errors.New("dispatch: lea requires a memory source operand")
	}
	addr, err := b.effectiveAddress(inst.Operands[1])
	if err != nil {
		return err
	}
	return b.StoreResult(inst.Operands[0], addr)
}

func (b *Builder) lowerJump(inst decode.X86InstInfo) error {
	target := b.blockFor(inst.BranchTarget)
	b.Emitter.Jump(target)
	return nil
}

// lowerCondJump emits a read of the current lazy-flags descriptor's
// condition and a CondJump to the taken/not-taken successors. The actual
// per-condition-code derivation from FlagsOp (e.g. ZF for "je") belongs to
// internal/backend's deferred-flag calculation helpers; here the IR only
// records which raw compare fed the branch via b.flags.
func (b *Builder) lowerCondJump(inst decode.X86InstInfo) error {
	if !b.flags.Node.Valid() {
		return errors.New("dispatch: conditional jump with no preceding flags-defining instruction")
	}
	taken := b.blockFor(inst.BranchTarget)
	nib := inst.ConditionNibble()
	if nib == 0xA || nib == 0xB {
		// JP/JNP: parity has no CondClass (see conditionFromOpcode).
		return errors.Wrap(ErrUnsupportedInstruction, "parity jcc")
	}
	notTaken := b.blockFor(inst.NextAddr())
	cc := conditionFromOpcode(nib)
	b.Emitter.CondJump(b.flags.Node, cc, taken, notTaken)
	return nil
}

// lowerSetcc materializes a condition into a byte destination. Parity
// conditions go through the lazy PF derivation (ReadFlag synthesizes the
// bit from the stored raw result); the rest re-compare the recorded
// flags-defining operands through CondClassCmp, with a TEST-style define
// first reduced to "result vs zero" since its condition is about the
// and-result rather than an operand ordering.
func (b *Builder) lowerSetcc(inst decode.X86InstInfo) error {
	dst := inst.Operands[0]
	var val ir.NodeID
	switch nib := inst.ConditionNibble(); nib {
	case 0xA: // SETP/SETPE
		val = b.Emitter.ReadFlag(cpu.FlagPF).Node
	case 0xB: // SETNP/SETPO
		pf := b.Emitter.ReadFlag(cpu.FlagPF)
		one := b.Emitter.Constant(1, 1)
		val = b.Emitter.Xor(1, pf.Node, one.Node).Node
	default:
		if !b.flags.Node.Valid() {
			return errors.New("dispatch: setcc with no preceding flags-defining instruction")
		}
		cc := conditionFromOpcode(nib)
		x, y := b.flags.Op1, b.flags.Op2
		switch b.Graph.Op(b.flags.Node).Kind {
		case ir.OpCmp:
			// compare conditions follow the operand ordering directly
		default:
			// TEST and the value-producing ALU ops judge their own result.
			if b.Graph.Op(b.flags.Node).Kind == ir.OpTestOp {
				x = b.Emitter.And(b.flags.Size, x, y).Node
			} else {
				x = b.flags.Node
			}
			y = b.Emitter.Constant(b.flags.Size, 0).Node
		}
		val = b.Emitter.CondClassCmp(cc, b.flags.Size, x, y).Node
	}
	return b.StoreResultWithOpSize(dst, val, 1)
}

// lowerCmpXchg implements CMPXCHG: with a LOCK prefix and a memory
// destination it lowers to the atomic CAS op; otherwise to a plain
// compare-and-select. Either way RAX receives the observed value (on
// success the observed value equals the accumulator, so the unconditional
// write matches the architectural "load destination into RAX on failure")
// and the flags descriptor records accumulator-vs-observed.
func (b *Builder) lowerCmpXchg(inst decode.X86InstInfo) error {
	if inst.NumOperands < 2 {
		return errors.Errorf("dispatch: cmpxchg needs 2 operands, got %d", inst.NumOperands)
	}
	dst, src := inst.Operands[0], inst.Operands[1]
	size := dst.Size
	srcV, err := b.LoadSourceWithOpSize(src, size)
	if err != nil {
		return err
	}
	accOp := decode.DecodedOperand{Kind: decode.OperandRegister, Size: size, Value: 0} // RAX
	acc, err := b.LoadSourceWithOpSize(accOp, size)
	if err != nil {
		return err
	}

	var observed ir.NodeID
	if dst.Kind == decode.OperandMemory && inst.Flags&decode.FlagLocksBus != 0 {
		addr, err := b.effectiveAddress(dst)
		if err != nil {
			return err
		}
		observed = b.Emitter.AtomicCAS(size, addr, acc, srcV).Node
	} else {
		cur, err := b.LoadSourceWithOpSize(dst, size)
		if err != nil {
			return err
		}
		eq := b.Emitter.CondClassCmp(ir.CondEqual, size, acc, cur)
		sel := b.Emitter.Select(size, eq.Node, srcV, cur)
		if err := b.StoreResultWithOpSize(dst, sel.Node, size); err != nil {
			return err
		}
		observed = cur
	}

	if err := b.StoreResultWithOpSize(accOp, observed, size); err != nil {
		return err
	}
	diff := b.Emitter.Sub(size, acc, observed)
	b.recordRawFlags(diff.Node, b.Emitter.Xor(size, acc, observed).Node)
	cmp := b.Emitter.Cmp(size, acc, observed)
	b.flags = FlagsOp{Node: cmp.Node, Size: size, Op1: acc, Op2: observed}
	return nil
}

func (b *Builder) lowerPush(inst decode.X86InstInfo) error {
	v, err := b.LoadSource(inst.Operands[0])
	if err != nil {
		return err
	}
	sp := b.loadGuestReg(stackPointerRegister)
	eight := b.Emitter.Constant(8, 8)
	newSP := b.Emitter.Sub(8, sp, eight.Node)
	b.Emitter.StoreMem(8, newSP.Node, v)
	b.storeGuestReg(stackPointerRegister, 8, newSP.Node)
	return nil
}

func (b *Builder) lowerPop(inst decode.X86InstInfo) error {
	sp := b.loadGuestReg(stackPointerRegister)
	v := b.Emitter.LoadMem(8, sp)
	eight := b.Emitter.Constant(8, 8)
	newSP := b.Emitter.Add(8, sp, eight.Node)
	b.storeGuestReg(stackPointerRegister, 8, newSP.Node)
	return b.StoreResultWithOpSize(inst.Operands[0], v.Node, 8)
}

// lowerCall pushes the return address and exits the region at the callee:
// the decoder treats a call target as a separate compiled region (spec
// §4.D stops multi-block discovery at calls), so the transfer goes through
// the dispatcher rather than an intra-region branch.
func (b *Builder) lowerCall(inst decode.X86InstInfo) error {
	ret := b.Emitter.Constant(8, inst.NextAddr())
	sp := b.loadGuestReg(stackPointerRegister)
	eight := b.Emitter.Constant(8, 8)
	newSP := b.Emitter.Sub(8, sp, eight.Node)
	b.Emitter.StoreMem(8, newSP.Node, ret.Node)
	b.storeGuestReg(stackPointerRegister, 8, newSP.Node)
	target := b.Emitter.Constant(8, inst.BranchTarget)
	b.Emitter.ExitFunction(target.Node)
	return nil
}

func (b *Builder) lowerReturn(inst decode.X86InstInfo) error {
	sp := b.loadGuestReg(stackPointerRegister)
	retAddr := b.Emitter.LoadMem(8, sp)
	eight := b.Emitter.Constant(8, 8)
	newSP := b.Emitter.Add(8, sp, eight.Node)
	b.storeGuestReg(stackPointerRegister, 8, newSP.Node)
	b.Emitter.ExitFunction(retAddr.Node)
	return nil
}

// stackPointerRegister is the guest register index for RSP (x86-64 ABI).
const stackPointerRegister = GuestRegister(4)

// lowerSyscall emits the host-call op. The syscall number and arguments
// live in guest state (write-through register stores keep the frame
// current), so the IR op carries no static number; the registered
// dispatcher reads RAX/RDI/... from the frame and writes the result back,
// which is also why the block-local register cache is flushed after it.
func (b *Builder) lowerSyscall(inst decode.X86InstInfo) error {
	b.Emitter.Syscall(-1)
	b.locals = newBlockLocals()
	return nil
}

func (b *Builder) lowerCPUID(inst decode.X86InstInfo) error {
	leaf := b.loadGuestReg(GuestRegister(0))    // RAX
	subleaf := b.loadGuestReg(GuestRegister(1)) // RCX
	b.Emitter.CPUID(leaf, subleaf)
	b.locals = newBlockLocals()
	return nil
}

// lowerHalt lowers HLT as a block-end instruction that exits back to
// the dispatcher at HLT's own address: re-entering the compiled block
// lands on HLT again rather than falling through to whatever bytes follow
// it in the guest image. Observing HLT as EXIT_SHUTDOWN rather than an
// infinite re-entry loop is the dispatcher's job, via RequestStop on the
// real EntryFunc trampoline; see that type's doc comment in
// internal/runtime for why this module doesn't ship one.
func (b *Builder) lowerHalt(inst decode.X86InstInfo) error {
	addr := b.Emitter.Constant(8, inst.RIP)
	b.Emitter.ExitFunction(addr.Node)
	return nil
}

// conditionFromOpcode maps the low nibble of a Jcc/SETcc opcode (0x0-0xF)
// to the architecture-neutral CondClass, per the standard x86
// condition-code encoding (0=O, 1=NO, 2=B, 3=AE, 4=E, 5=NE, 6=BE, 7=A,
// 8=S, 9=NS, A=P, B=NP, C=L, D=GE, E=LE, F=G). Parity (A/B) has no
// CondClass and falls to the CondEqual default here: SETcc routes it
// through the lazy PF read instead, and lowerCondJump rejects a parity Jcc
// with ErrUnsupportedInstruction before calling this.
func conditionFromOpcode(nibble uint8) ir.CondClass {
	switch nibble {
	case 0x4:
		return ir.CondEqual
	case 0x5:
		return ir.CondNotEqual
	case 0x2:
		return ir.CondUnsignedLess
	case 0x3:
		return ir.CondUnsignedGreaterEqual
	case 0x6:
		return ir.CondUnsignedLessEqual
	case 0x7:
		return ir.CondUnsignedGreater
	case 0xC:
		return ir.CondSignedLess
	case 0xD:
		return ir.CondSignedGreaterEqual
	case 0xE:
		return ir.CondSignedLessEqual
	case 0xF:
		return ir.CondSignedGreater
	case 0x8:
		return ir.CondSign
	case 0x9:
		return ir.CondNotSign
	case 0x0:
		return ir.CondOverflow
	case 0x1:
		return ir.CondNotOverflow
	default:
		return ir.CondEqual
	}
}
