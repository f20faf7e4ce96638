package ir

import "github.com/crosscore-rt/crosscore/internal/cpu"

// IRPair exposes both the raw Op and the owning NodeID produced by an
// Emitter call, so callers can chain further builder calls without an
// extra dereference through the graph.
type IRPair struct {
	Node NodeID
	Op   *Op
}

// Emitter is the fluent IR builder used by internal/dispatch to lower one
// decoded guest instruction at a time. Each method allocates an op payload
// and a node, links the node into the current block after the write
// cursor, and returns an IRPair.
type Emitter struct {
	*Graph
}

// NewEmitter wraps g with the fluent builder API.
func NewEmitter(g *Graph) *Emitter { return &Emitter{Graph: g} }

func (e *Emitter) emit(kind Opcode, size, elemSize uint8, args ...NodeID) IRPair {
	id, op := e.allocRaw(kind)
	op.Size, op.ElementSize = size, elemSize
	for i, a := range args {
		if i >= maxInlineArgs {
			op.ExtraArgs = append(op.ExtraArgs, a)
			continue
		}
		op.Args[i] = a
	}
	e.insertAfterCursor(id)
	e.bumpUses(op)
	return IRPair{Node: id, Op: op}
}

// Constant canonicalizes value to size bytes and emits a new Constant op
// on every call; no pass in internal/ir/pass merges equal constants. The
// mask ensures two constants of the same truncated value are bit-for-bit
// identical.
func (e *Emitter) Constant(size uint8, value uint64) IRPair {
	masked := value
	if size < 8 && size > 0 {
		masked = value & ((uint64(1) << (size * 8)) - 1)
	}
	pair := e.emit(OpConstant, size, 0)
	pair.Op.ConstValue = masked
	return pair
}

func (e *Emitter) Add(size uint8, x, y NodeID) IRPair { return e.emit(OpAdd, size, 0, x, y) }
func (e *Emitter) Sub(size uint8, x, y NodeID) IRPair { return e.emit(OpSub, size, 0, x, y) }
func (e *Emitter) And(size uint8, x, y NodeID) IRPair { return e.emit(OpAnd, size, 0, x, y) }
func (e *Emitter) Or(size uint8, x, y NodeID) IRPair  { return e.emit(OpOr, size, 0, x, y) }
func (e *Emitter) Xor(size uint8, x, y NodeID) IRPair { return e.emit(OpXor, size, 0, x, y) }
func (e *Emitter) Neg(size uint8, x NodeID) IRPair    { return e.emit(OpNeg, size, 0, x) }
func (e *Emitter) Not(size uint8, x NodeID) IRPair    { return e.emit(OpNot, size, 0, x) }
func (e *Emitter) Mul(size uint8, x, y NodeID) IRPair { return e.emit(OpMul, size, 0, x, y) }

func (e *Emitter) Shl(size uint8, x, shift NodeID) IRPair {
	return e.emit(OpShl, size, 0, x, shift)
}
func (e *Emitter) ShrLogical(size uint8, x, shift NodeID) IRPair {
	return e.emit(OpShrLogical, size, 0, x, shift)
}
func (e *Emitter) ShrArithmetic(size uint8, x, shift NodeID) IRPair {
	return e.emit(OpShrArithmetic, size, 0, x, shift)
}

// Cmp emits a subtract-style flags-defining compare. The caller (the lazy
// flags tracker in internal/dispatch) is responsible for recording the
// last-flag-op descriptor; the IR node itself just marks the operation that
// produced the raw flag inputs.
func (e *Emitter) Cmp(size uint8, x, y NodeID) IRPair { return e.emit(OpCmp, size, 0, x, y) }
func (e *Emitter) TestOp(size uint8, x, y NodeID) IRPair {
	return e.emit(OpTestOp, size, 0, x, y)
}

// LoadRegister reads one guest architectural register out of the CPU
// state frame: indices 0-15 are the GPR file, cpu.RegPFRaw/cpu.RegAFRaw
// the synthetic raw-flag registers. The backend resolves the index against
// cpu.FrameOffsets and addresses off the pinned STATE register.
func (e *Emitter) LoadRegister(size uint8, reg uint8) IRPair {
	pair := e.emit(OpLoadRegister, size, 0)
	pair.Op.ConstValue = uint64(reg)
	return pair
}

// StoreRegister writes value into one guest architectural register. Size
// controls the store width: 8 overwrites the whole register, 1/2 merge
// into its low bytes (x86 sub-register write semantics); dispatch widens
// 4-byte writes to 8 itself since 32-bit results are already
// zero-extended in the host register.
func (e *Emitter) StoreRegister(reg uint8, size uint8, value NodeID) IRPair {
	pair := e.emit(OpStoreRegister, size, 0, value)
	pair.Op.ConstValue = uint64(reg)
	return pair
}

// ReadFlag materializes one architectural flag. PF and AF are derived
// lazily from the synthetic raw registers rather than read from a stored
// bit: PF = popcount(PFRaw^1) & 1 over the low result byte, AF = bit 4 of
// AFRaw^PFRaw (AFRaw holds src1^src2, PFRaw the raw result, so their xor
// reproduces src1^src2^result). The remaining flags read their dedicated
// byte slot directly.
func (e *Emitter) ReadFlag(f cpu.Flag) IRPair {
	pair := e.emit(OpReadFlag, 1, 0)
	pair.Op.Flag = f
	return pair
}

// WriteFlag emits an explicit architectural-flag write (used for flags the
// lazy-flags tracker cannot derive cheaply, e.g. after a thunked call).
func (e *Emitter) WriteFlag(f cpu.Flag, value NodeID) IRPair {
	pair := e.emit(OpWriteFlag, 1, 0, value)
	pair.Op.Flag = f
	return pair
}

// CondClassCmp compares x and y at the given operand width and produces
// the condition's truth value as a 0/1 byte, the IR form a guest SETcc
// or CMOVcc condition lowers through.
func (e *Emitter) CondClassCmp(cond CondClass, size uint8, x, y NodeID) IRPair {
	pair := e.emit(OpCondClassCmp, size, 0, x, y)
	pair.Op.Cond = cond
	return pair
}

// Select implements a branchless conditional move: a = cond ? x : y.
func (e *Emitter) Select(size uint8, cond, x, y NodeID) IRPair {
	return e.emit(OpSelect, size, 0, cond, x, y)
}

// LoadMem/StoreMem cover the non-TSO scalar case; LoadMemTSO/StoreMemTSO
// the TSO-respecting one, where the backend precedes each load with an
// acquire-flavored fence and follows each store with the minimum fence
// the host needs.
func (e *Emitter) LoadMem(size uint8, addr NodeID) IRPair {
	pair := e.emit(OpLoadMem, size, 0, addr)
	return pair
}
func (e *Emitter) StoreMem(size uint8, addr, value NodeID) IRPair {
	return e.emit(OpStoreMem, size, 0, addr, value)
}
func (e *Emitter) LoadMemTSO(size uint8, addr NodeID) IRPair {
	return e.emit(OpLoadMemTSO, size, 0, addr)
}
func (e *Emitter) StoreMemTSO(size uint8, addr, value NodeID) IRPair {
	return e.emit(OpStoreMemTSO, size, 0, addr, value)
}

func (e *Emitter) LoadMemVector(size, elemSize uint8, addr NodeID, tso bool) IRPair {
	kind := OpLoadMemVector
	if tso {
		kind = OpLoadMemVectorTSO
	}
	return e.emit(kind, size, elemSize, addr)
}
func (e *Emitter) StoreMemVector(size, elemSize uint8, addr, value NodeID, tso bool) IRPair {
	kind := OpStoreMemVector
	if tso {
		kind = OpStoreMemVectorTSO
	}
	return e.emit(kind, size, elemSize, addr, value)
}

// AtomicCAS: a = atomic_cas(addr, expected, desired); a is the value
// observed at addr before the (possibly no-op) swap.
func (e *Emitter) AtomicCAS(size uint8, addr, expected, desired NodeID) IRPair {
	return e.emit(OpAtomicCAS, size, 0, addr, expected, desired)
}
func (e *Emitter) AtomicCASPair(size uint8, addr, expectedLo, expectedHi, desiredLo NodeID) IRPair {
	pair := e.emit(OpAtomicCASPair, size, 0)
	pair.Op.Args[0], pair.Op.Args[1], pair.Op.Args[2] = addr, expectedLo, expectedHi
	pair.Op.ExtraArgs = append(pair.Op.ExtraArgs, desiredLo)
	e.bumpUses(pair.Op)
	return pair
}
func (e *Emitter) AtomicFetchAdd(size uint8, addr, val NodeID) IRPair {
	return e.emit(OpAtomicFetchAdd, size, 0, addr, val)
}
func (e *Emitter) AtomicFetchAnd(size uint8, addr, val NodeID) IRPair {
	return e.emit(OpAtomicFetchAnd, size, 0, addr, val)
}
func (e *Emitter) AtomicFetchOr(size uint8, addr, val NodeID) IRPair {
	return e.emit(OpAtomicFetchOr, size, 0, addr, val)
}
func (e *Emitter) AtomicFetchXor(size uint8, addr, val NodeID) IRPair {
	return e.emit(OpAtomicFetchXor, size, 0, addr, val)
}

func (e *Emitter) ConvertIntToFloat(dstSize, srcSize uint8, x NodeID) IRPair {
	pair := e.emit(OpConvertIntToFloat, dstSize, 0, x)
	pair.Op.ElementSize = srcSize
	return pair
}
func (e *Emitter) ConvertFloatToInt(dstSize, srcSize uint8, x NodeID) IRPair {
	pair := e.emit(OpConvertFloatToInt, dstSize, 0, x)
	pair.Op.ElementSize = srcSize
	return pair
}
func (e *Emitter) ConvertFloatToFloat(dstSize, srcSize uint8, x NodeID) IRPair {
	pair := e.emit(OpConvertFloatToFloat, dstSize, 0, x)
	pair.Op.ElementSize = srcSize
	return pair
}

func (e *Emitter) CPUID(leaf, subleaf NodeID) IRPair { return e.emit(OpCPUID, 8, 0, leaf, subleaf) }
func (e *Emitter) XGETBV(index NodeID) IRPair        { return e.emit(OpXGETBV, 8, 0, index) }

// Syscall lowers to a call into the marshaling layer (internal/syscallabi);
// args beyond the inline operand budget spill into ExtraArgs.
func (e *Emitter) Syscall(no int64, args ...NodeID) IRPair {
	pair := e.emit(OpSyscall, 8, 0)
	pair.Op.SyscallNo = no
	pair.Op.ExtraArgs = append(pair.Op.ExtraArgs, args...)
	e.bumpUses(pair.Op)
	return pair
}
func (e *Emitter) InlineSyscall(no int64, args ...NodeID) IRPair {
	pair := e.emit(OpInlineSyscall, 8, 0)
	pair.Op.SyscallNo = no
	pair.Op.ExtraArgs = append(pair.Op.ExtraArgs, args...)
	e.bumpUses(pair.Op)
	return pair
}

// Thunk lowers a thunked call: hash identifies the registered native
// handler, argPtr is the pointer to the packed argument structure.
func (e *Emitter) Thunk(hash [32]byte, argPtr NodeID) IRPair {
	pair := e.emit(OpThunk, 8, 0, argPtr)
	pair.Op.ThunkHash = hash
	return pair
}

// Jump emits an unconditional branch to target, passing blockArgs as the
// target block's parameters (the "block argument" SSA form).
func (e *Emitter) Jump(target NodeID, blockArgs ...NodeID) IRPair {
	pair := e.emit(OpJump, 0, 0)
	pair.Op.Target = target
	pair.Op.ExtraArgs = blockArgs
	e.bumpUses(pair.Op)
	return pair
}

// CondJump emits a conditional branch: cond determines whether control
// transfers to ifTrue or ifFalse.
func (e *Emitter) CondJump(cond NodeID, cc CondClass, ifTrue, ifFalse NodeID) IRPair {
	pair := e.emit(OpCondJump, 0, 0)
	pair.Op.Args[0] = cond
	pair.Op.Cond = cc
	pair.Op.Target = ifTrue
	pair.Op.TargetElse = ifFalse
	e.bumpUses(pair.Op)
	return pair
}

// ExitFunction lowers to writing nextRIP into guest state and returning
// control to the dispatcher (see internal/runtime).
func (e *Emitter) ExitFunction(nextRIP NodeID) IRPair {
	return e.emit(OpExitFunction, 8, 0, nextRIP)
}

// ValidateCode emits the self-modifying-code guard: expectedHash is the
// short hash of the guest bytes captured at compile time, compared at
// block entry against the current bytes when the source page is writable.
func (e *Emitter) ValidateCode(expectedHash uint64) IRPair {
	pair := e.emit(OpValidateCode, 0, 0)
	pair.Op.ConstValue = expectedHash
	return pair
}

// SpillRegister/FillRegister are the RA pseudo-ops; slots are fixed at 16
// bytes so a spilled vector fits the same slot a GPR does.
func (e *Emitter) SpillRegister(slot uint16, value NodeID) IRPair {
	pair := e.emit(OpSpillRegister, 0, 0, value)
	pair.Op.ConstValue = uint64(slot)
	return pair
}
func (e *Emitter) FillRegister(slot uint16, class RegClass, size uint8) IRPair {
	pair := e.emit(OpFillRegister, size, 0)
	pair.Op.ConstValue = uint64(slot)
	pair.Op.Class = class
	return pair
}
