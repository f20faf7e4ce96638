package ir

import "github.com/crosscore-rt/crosscore/internal/cpu"

// CondClass is the architecture-neutral condition used by OpCondJump and
// OpCondClassCmp; backend lowering maps it onto the target ISA's condition
// codes (see internal/backend/isa/arm64/cond.go-equivalent).
type CondClass uint8

const (
	CondEqual CondClass = iota
	CondNotEqual
	CondSignedLess
	CondSignedLessEqual
	CondSignedGreater
	CondSignedGreaterEqual
	CondUnsignedLess
	CondUnsignedLessEqual
	CondUnsignedGreater
	CondUnsignedGreaterEqual
	CondSign
	CondNotSign
	CondOverflow
	CondNotOverflow
)

// RegClass is the coarse register-file class a value belongs to, used both
// by OpFillRegister and by register allocation (internal/ir/pass).
type RegClass uint8

const (
	RegClassGPR RegClass = iota
	RegClassFPR
)

// maxInlineArgs is the number of operand references kept inline in Op;
// ops needing more (variadic Jump/CondJump arguments passed to block
// parameters) spill into ExtraArgs.
const maxInlineArgs = 3

// Op is the payload of one IR node: a flattened tagged union over every
// opcode, addressed by the OrderedNode that owns it. A single fixed-size
// struct stands in for a variable-length "header + argument array"
// payload encoding: the Kind field is the tag, and callers access only
// the fields meaningful for that Kind. See DESIGN.md for the rationale.
type Op struct {
	Kind Opcode

	// Size is the result byte width; for vectors ElementSize is the lane
	// width. Both must always equal the declared result width.
	Size        uint8
	ElementSize uint8

	Cond  CondClass
	Flag  cpu.Flag
	Class RegClass

	// ConstValue holds the masked immediate for OpConstant, the slot index
	// for OpSpillRegister/OpFillRegister, and the memory displacement for
	// load/store ops (reusing the same 64-bit slot keeps Op's size down).
	ConstValue uint64

	// Args holds up to maxInlineArgs operand references. Meaning depends on
	// Kind: e.g. for OpAdd, Args[0]/Args[1] are the two operands; for
	// OpLoadMem, Args[0] is the address; for OpStoreMem, Args[0] is the
	// address and Args[1] the stored value.
	Args [maxInlineArgs]NodeID

	// ExtraArgs holds overflow operands: block arguments passed across a
	// Jump/CondJump (the "block argument" SSA form), or additional operands
	// for variadic ops like OpSyscall.
	ExtraArgs []NodeID

	// Target/TargetElse are block references for OpJump/OpCondJump:
	// Target is the unconditional (or "then") successor, TargetElse is the
	// CondJump "else" successor.
	Target     NodeID
	TargetElse NodeID

	// Begin/Last bracket a block's contained op list; only meaningful when
	// Kind == OpCodeBlock.
	Begin NodeID
	Last  NodeID

	// ThunkHash identifies the native handler for OpThunk.
	ThunkHash [32]byte

	// SyscallNo is the guest syscall number for OpSyscall/OpInlineSyscall.
	SyscallNo int64
}
