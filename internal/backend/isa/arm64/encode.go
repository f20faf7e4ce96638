package arm64

import "github.com/crosscore-rt/crosscore/internal/backend"

// This file builds the raw 32-bit instruction words for the subset of
// AArch64 this backend emits. Each encoder mirrors the bit layout from
// the Arm Architecture Reference Manual directly rather than going
// through an abstract instruction-kind layer: the op catalogue this
// module lowers is small and fixed, so a second intermediate
// representation between ir.Op and the encoded word would only add
// indirection without buying generality.

const (
	logAND  = 0
	logORR  = 1
	logEOR  = 2
	logANDS = 3

	shiftLSL = 0
	shiftLSR = 1
	shiftASR = 2
)

func addSubReg(rd, rn, rm backend.RealReg, isSub, setFlags bool, is64 bool) uint32 {
	var op, s uint32
	if isSub {
		op = 1
	}
	if setFlags {
		s = 1
	}
	return (b64(is64) << 31) | (op << 30) | (s << 29) | (0b01011 << 24) | (0 << 22) /*shift*/ |
		(enc(rm) << 16) | (0 << 10) /*imm6*/ | (enc(rn) << 5) | enc(rd)
}

func logicalReg(rd, rn, rm backend.RealReg, opc uint32, is64 bool) uint32 {
	return (b64(is64) << 31) | (opc << 29) | (0b01010 << 24) | (0 << 22) /*shift*/ | (0 << 21) /*N*/ |
		(enc(rm) << 16) | (0 << 10) /*imm6*/ | (enc(rn) << 5) | enc(rd)
}

// logicalRegInvert emits ORN (MVN when rn==xzr): the logical-shifted-register
// form with the "invert second operand" N bit set.
func logicalRegInvert(rd, rn, rm backend.RealReg, is64 bool) uint32 {
	return (b64(is64) << 31) | (logORR << 29) | (0b01010 << 24) | (0 << 22) | (1 << 21) |
		(enc(rm) << 16) | (0 << 10) | (enc(rn) << 5) | enc(rd)
}

// logicalShiftReg is logicalReg's shifted-second-operand form, e.g.
// EOR Rd, Rn, Rm, LSR #amount. The parity-folding sequence ReadFlag(PF)
// lowers through is built entirely from these.
func logicalShiftReg(rd, rn, rm backend.RealReg, opc, shiftKind, amount uint32, is64 bool) uint32 {
	return (b64(is64) << 31) | (opc << 29) | (0b01010 << 24) | (shiftKind << 22) | (0 << 21) |
		(enc(rm) << 16) | (amount << 10) | (enc(rn) << 5) | enc(rd)
}

func shiftReg(rd, rn, rm backend.RealReg, kind uint32, is64 bool) uint32 {
	opcode6 := uint32(0b001000) + kind // LSLV=001000, LSRV=001001, ASRV=001010
	return (b64(is64) << 31) | (0b11010110 << 21) | (enc(rm) << 16) | (opcode6 << 10) |
		(enc(rn) << 5) | enc(rd)
}

func madd(rd, rn, rm, ra backend.RealReg, is64 bool) uint32 {
	return (b64(is64) << 31) | (0b11011 << 24) | (enc(rm) << 16) | (0 << 15) |
		(enc(ra) << 10) | (enc(rn) << 5) | enc(rd)
}

func csel(rd, rn, rm backend.RealReg, cond condCode, is64 bool) uint32 {
	return (b64(is64) << 31) | (0b11010100 << 21) | (enc(rm) << 16) | (uint32(cond) << 12) |
		(0 << 10) | (enc(rn) << 5) | enc(rd)
}

// csinc encodes CSINC Rd, Rn, Rm, cond; cset below is its aliased
// "materialize a condition as 0/1" form.
func csinc(rd, rn, rm backend.RealReg, cond condCode, is64 bool) uint32 {
	return (b64(is64) << 31) | (0b11010100 << 21) | (enc(rm) << 16) | (uint32(cond) << 12) |
		(0b01 << 10) | (enc(rn) << 5) | enc(rd)
}

func cset(rd backend.RealReg, cond condCode, is64 bool) uint32 {
	return csinc(rd, rZR, rZR, cond.invert(), is64)
}

func movWide(rd backend.RealReg, imm16 uint16, hw uint32, isK bool, is64 bool) uint32 {
	opc := uint32(0b10) // MOVZ
	if isK {
		opc = 0b11 // MOVK
	}
	return (b64(is64) << 31) | (opc << 29) | (0b100101 << 23) | (hw << 21) | (uint32(imm16) << 5) | enc(rd)
}

func addSubImm(rd, rn backend.RealReg, imm12 uint32, isSub bool, is64 bool) uint32 {
	var op uint32
	if isSub {
		op = 1
	}
	return (b64(is64) << 31) | (op << 30) | (0 << 29) | (0b100010 << 23) | (0 << 22) /*shift*/ |
		(imm12 << 10) | (enc(rn) << 5) | enc(rd)
}

// ldStImm encodes the unsigned-immediate-offset LDR/STR form. offsetBytes
// must be a non-negative multiple of 1<<sizeBits, scaled internally to the
// instruction's imm12 field.
func ldStImm(rt, rn backend.RealReg, offsetBytes uint32, sizeBits uint32, isLoad bool) uint32 {
	imm12 := offsetBytes >> sizeBits
	opc := uint32(0b00)
	if isLoad {
		opc = 0b01
	}
	return (sizeBits << 30) | (0b111 << 27) | (0 << 26) | (0b01 << 24) | (opc << 22) |
		(imm12 << 10) | (enc(rn) << 5) | enc(rt)
}

func bUncond(wordDelta int32) uint32 {
	return (0b000101 << 26) | (uint32(wordDelta) & 0x3ffffff)
}

func bCond(wordDelta int32, cond condCode) uint32 {
	return (0b0101010 << 25) | ((uint32(wordDelta) & 0x7ffff) << 5) | uint32(cond)
}

func brReg(rn backend.RealReg) uint32 {
	return 0xD61F0000 | (enc(rn) << 5)
}

func blrReg(rn backend.RealReg) uint32 {
	return 0xD63F0000 | (enc(rn) << 5)
}

// Barrier options for dmb.
const (
	barrierISHLD = 0b1001
	barrierISH   = 0b1011
)

func dmb(option uint32) uint32 {
	return 0xD50330BF | (option << 8)
}

// casal encodes the ARMv8.1 LSE compare-and-swap with acquire-release
// ordering: Rs holds the expected value going in and receives the observed
// value; Rt is the desired value; Rn the address. The size field follows
// the usual 00/01/10/11 = byte/half/word/doubleword scheme, which is how
// the sub-word CASALB/CASALH forms are reached.
func casal(rs, rt, rn backend.RealReg, sizeBits uint32) uint32 {
	return (sizeBits << 30) | (0b0010001 << 23) | (1 << 22) | (1 << 21) |
		(enc(rs) << 16) | (1 << 15) | (0b11111 << 10) | (enc(rn) << 5) | enc(rt)
}

func retReg(rn backend.RealReg) uint32 {
	return 0xD65F0000 | (enc(rn) << 5)
}

func b64(is64 bool) uint32 {
	if is64 {
		return 1
	}
	return 0
}
