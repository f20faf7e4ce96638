// Package decode implements the frontend x86/x86-64 instruction decoder:
// prefix/ModRM/SIB/displacement/immediate extraction driven by a
// table-driven opcode map, and breadth-first multi-block region discovery
// bounded by an instruction budget.
//
// The table defines the decoding pattern rather than enumerating every
// x86 opcode: it covers the instruction classes the dispatcher and test
// suite exercise, not the full ISA.
package decode

import "fmt"

// InstClass coarsely categorizes a decoded instruction for the dispatcher's
// handler table (internal/dispatch).
type InstClass uint8

const (
	ClassUnknown InstClass = iota
	ClassArithmetic
	ClassMove
	ClassCompare
	ClassTest
	ClassLoadEffectiveAddress
	ClassPush
	ClassPop
	ClassJump
	ClassCondJump
	ClassCall
	ClassReturn
	ClassNop
	ClassSyscall
	ClassHalt
	ClassSetcc
	ClassCmpXchg
	ClassCPUID
)

// InstFlags carries decode-time facts the dispatcher needs without
// re-deriving them: whether the instruction ends its containing block
// (branches, calls, returns, hlt) and whether it redirects RIP. SYSCALL
// and CPUID do not carry FlagBlockEnd; decoding continues past them.
type InstFlags uint8

const (
	FlagBlockEnd InstFlags = 1 << iota
	FlagSetsRIP
	FlagHasModRM
	FlagLocksBus
	// FlagImpliedReg marks an opcode that encodes its register operand in
	// the low 3 bits of the opcode byte itself (REX.B-extendable) rather
	// than via a ModRM byte, e.g. B8+rd (MOV r32, imm32).
	FlagImpliedReg
	// FlagRegDest marks a ModRM opcode whose reg field is the destination
	// (the "r, r/m" direction, opcode bit 1 set: 0x03/0x2B/0x8B/...).
	// Without it the r/m operand is the destination, and the decoder swaps
	// the two so Operands[0] is always the destination either way.
	FlagRegDest
	// FlagImpliedAccum marks the accumulator-immediate forms (0x05 ADD
	// eax,imm32, 0x3D CMP eax,imm32, ...) whose first operand is RAX/EAX
	// without any encoding bytes of its own.
	FlagImpliedAccum
)

// OperandKind identifies how a DecodedOperand's Value field should be
// interpreted.
type OperandKind uint8

const (
	OperandNone OperandKind = iota
	OperandRegister
	OperandMemory
	OperandImmediate
	OperandRelative
)

// DecodedOperand is one operand of a decoded instruction: for
// OperandMemory, Base/Index/Scale/Disp describe a SIB-style address
// expression (Index invalid means no index register is present).
type DecodedOperand struct {
	Kind  OperandKind
	Size  uint8
	Value int64 // register number, immediate, or displacement

	Base  int8 // -1 if absent
	Index int8 // -1 if absent
	Scale uint8
}

// X86InstInfo is the per-instruction decode result: the opcode's semantic
// class, its operands, and its length in bytes (so the caller can advance
// RIP without re-decoding).
type X86InstInfo struct {
	RIP     uint64
	Length  int
	Class   InstClass
	Flags   InstFlags
	Mnemonic string
	Opcode  uint8

	Operands [3]DecodedOperand
	NumOperands int

	// BranchTarget holds the absolute target address for direct jumps/calls
	// (Class == ClassJump/ClassCondJump/ClassCall with a relative operand),
	// 0 otherwise.
	BranchTarget uint64
}

// NextAddr returns the guest address immediately following this
// instruction, i.e. the fallthrough address a non-taken conditional branch
// or a non-branch instruction continues at.
func (i X86InstInfo) NextAddr() uint64 { return i.RIP + uint64(i.Length) }

// ConditionNibble returns the low nibble of a Jcc opcode byte (0x70-0x7F
// short form, or the analogous 0x0F 0x80-0x8F near form's second byte),
// the index into the standard x86 condition-code table.
func (i X86InstInfo) ConditionNibble() uint8 { return i.Opcode & 0xF }

// ErrDecodeFailure is returned (wrapped with byte-offset context) when the
// byte stream does not form a recognized instruction.
var ErrDecodeFailure = fmt.Errorf("decode: unrecognized or truncated instruction")

// prefixState accumulates the legacy and REX prefixes seen before the
// opcode byte.
type prefixState struct {
	rex                       uint8
	hasRex                    bool
	operandSizeOverride       bool
	addressSizeOverride       bool
	lock                      bool
	repne, rep                bool
	segmentOverride           int8
}

func (p prefixState) rexW() bool { return p.hasRex && p.rex&0x08 != 0 }
func (p prefixState) rexR() bool { return p.hasRex && p.rex&0x04 != 0 }
func (p prefixState) rexX() bool { return p.hasRex && p.rex&0x02 != 0 }
func (p prefixState) rexB() bool { return p.hasRex && p.rex&0x01 != 0 }

// DecodeOne decodes a single instruction at code[0:], which is assumed to
// start at guest address rip.
func DecodeOne(code []byte, rip uint64) (X86InstInfo, error) {
	d := decoder{code: code, rip: rip}
	return d.decode()
}

type decoder struct {
	code []byte
	pos  int
	rip  uint64
	pfx  prefixState
}

func (d *decoder) decode() (X86InstInfo, error) {
	d.pfx = prefixState{segmentOverride: -1}
	if err := d.consumePrefixes(); err != nil {
		return X86InstInfo{}, err
	}
	if d.pos >= len(d.code) {
		return X86InstInfo{}, fmt.Errorf("%w: truncated after prefixes", ErrDecodeFailure)
	}

	opcode := d.code[d.pos]
	d.pos++

	var row opcodeRow
	var ok bool
	if opcode == 0x0F {
		// Two-byte opcode escape: the second byte selects from the 0F map
		// and becomes the instruction's identifying opcode (the condition
		// nibble of Jcc-near/SETcc lives there).
		opcode, ok = d.readByteOK()
		if !ok {
			return X86InstInfo{}, fmt.Errorf("%w: truncated two-byte opcode", ErrDecodeFailure)
		}
		row, ok = lookupOpcode0F(opcode)
	} else {
		row, ok = lookupOpcode(opcode)
	}
	if !ok {
		return X86InstInfo{}, fmt.Errorf("%w: opcode %#x", ErrDecodeFailure, opcode)
	}

	info := X86InstInfo{RIP: d.rip, Class: row.class, Mnemonic: row.mnemonic, Flags: row.flags, Opcode: opcode}

	if row.flags&FlagHasModRM != 0 {
		op1, op2, err := d.decodeModRM(row.operandSize)
		if err != nil {
			return X86InstInfo{}, err
		}
		// Normalize so Operands[0] is always the destination: with
		// FlagRegDest the ModRM reg field already is, otherwise r/m is.
		if row.flags&FlagRegDest != 0 {
			info.Operands[0], info.Operands[1] = op1, op2
		} else {
			info.Operands[0], info.Operands[1] = op2, op1
		}
		info.NumOperands = 2
	}

	if row.flags&FlagImpliedAccum != 0 {
		info.Operands[0] = DecodedOperand{Kind: OperandRegister, Size: row.operandSize, Value: 0}
		info.NumOperands = 1
	}

	if row.flags&FlagImpliedReg != 0 {
		reg := opcode & 7
		if d.pfx.rexB() {
			reg |= 0x8
		}
		info.Operands[0] = DecodedOperand{Kind: OperandRegister, Size: row.operandSize, Value: int64(reg)}
		info.NumOperands = 1
	}

	if row.immSize > 0 {
		imm, err := d.readImmediate(row.immSize, row.immSigned)
		if err != nil {
			return X86InstInfo{}, err
		}
		idx := info.NumOperands
		info.Operands[idx] = DecodedOperand{Kind: OperandImmediate, Size: row.immSize, Value: imm}
		info.NumOperands++
	}

	if row.relSize > 0 {
		rel, err := d.readImmediate(row.relSize, true)
		if err != nil {
			return X86InstInfo{}, err
		}
		info.Operands[info.NumOperands] = DecodedOperand{Kind: OperandRelative, Size: row.relSize, Value: rel}
		info.NumOperands++
		info.BranchTarget = uint64(int64(d.rip) + int64(d.pos) + rel)
	}

	info.Length = d.pos
	// RIP-relative displacements count from the next instruction; fold
	// that address in so Value is the absolute address.
	for i := 0; i < info.NumOperands; i++ {
		if op := &info.Operands[i]; op.Kind == OperandMemory && op.Base == -2 {
			op.Value += int64(d.rip) + int64(d.pos)
		}
	}
	info.Flags |= row.flags
	if d.pfx.lock {
		info.Flags |= FlagLocksBus
	}
	return info, nil
}

func (d *decoder) consumePrefixes() error {
	for d.pos < len(d.code) {
		b := d.code[d.pos]
		switch b {
		case 0x66:
			d.pfx.operandSizeOverride = true
		case 0x67:
			d.pfx.addressSizeOverride = true
		case 0xF0:
			d.pfx.lock = true
		case 0xF2:
			d.pfx.repne = true
		case 0xF3:
			d.pfx.rep = true
		case 0x2E, 0x36, 0x3E, 0x26, 0x64, 0x65:
			d.pfx.segmentOverride = int8(b)
		default:
			if b >= 0x40 && b <= 0x4F {
				d.pfx.hasRex = true
				d.pfx.rex = b
				d.pos++
				return nil // REX must immediately precede the opcode.
			}
			return nil
		}
		d.pos++
	}
	return nil
}

func (d *decoder) readByteOK() (uint8, bool) {
	b, err := d.readByte()
	return b, err == nil
}

func (d *decoder) readByte() (uint8, error) {
	if d.pos >= len(d.code) {
		return 0, fmt.Errorf("%w: ran out of bytes", ErrDecodeFailure)
	}
	b := d.code[d.pos]
	d.pos++
	return b, nil
}

func (d *decoder) readImmediate(size uint8, signed bool) (int64, error) {
	if d.pos+int(size) > len(d.code) {
		return 0, fmt.Errorf("%w: truncated immediate", ErrDecodeFailure)
	}
	var v uint64
	for i := uint8(0); i < size; i++ {
		v |= uint64(d.code[d.pos+int(i)]) << (8 * i)
	}
	d.pos += int(size)
	if !signed {
		return int64(v), nil
	}
	shift := 64 - size*8
	return int64(v<<shift) >> shift, nil
}
