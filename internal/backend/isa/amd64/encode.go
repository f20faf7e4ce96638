package amd64

import "github.com/crosscore-rt/crosscore/internal/backend"

// rex builds a REX prefix byte. w is set for a 64-bit operand size; r/x/b
// are the extension bits for the ModRM.reg, SIB.index and ModRM.rm/opcode+rd
// fields respectively. Returns 0 (omit the prefix) only when the caller
// passes needed=false and every extension bit is clear, matching how a real
// assembler elides REX for plain 32-bit operations on the low 8 registers.
func rex(w, r, x, b bool, needed bool) (byte, bool) {
	if !w && !r && !x && !b && !needed {
		return 0, false
	}
	v := byte(0x40)
	if w {
		v |= 1 << 3
	}
	if r {
		v |= 1 << 2
	}
	if x {
		v |= 1 << 1
	}
	if b {
		v |= 1
	}
	return v, true
}

func modrmReg(mod byte, reg, rm backend.RealReg) byte {
	return (mod << 6) | (low3(reg) << 3) | low3(rm)
}

// aluRegReg encodes the two-byte-opcode-free register/register form of one
// of the ALU ops whose "r/m, r" opcode is opcode (ADD=0x01, SUB=0x29,
// AND=0x21, OR=0x09, XOR=0x31, CMP=0x39, TEST=0x85, MOV=0x89): dst op= src.
func aluRegReg(buf *backend.CodeBuffer, opcode byte, dst, src backend.RealReg, is64 bool) {
	if p, ok := rex(is64, ext(src), false, ext(dst), false); ok {
		buf.Emit8(p)
	}
	buf.Emit8(opcode)
	buf.Emit8(modrmReg(0b11, src, dst))
}

// memDisp32 encodes [base+disp32], used for guest-CPU-state access (base
// rState) and spill-slot access (base rSP). ModRM.rm=0b100 is the SIB
// escape code regardless of which register has that low-3-bit pattern, so
// whenever base is RSP (or R12, though gprPool never uses it as a base) a
// trailing no-index SIB byte is required even though there is no actual
// index register in play.
func memDisp32(buf *backend.CodeBuffer, opcode byte, reg, base backend.RealReg, disp int32, is64 bool) {
	if p, ok := rex(is64, ext(reg), false, ext(base), false); ok {
		buf.Emit8(p)
	}
	buf.Emit8(opcode)
	rm := low3(base)
	buf.Emit8((0b10 << 6) | (low3(reg) << 3) | rm) // mod=10: disp32
	if rm == 0b100 {
		buf.Emit8((0b00 << 6) | (0b100 << 3) | low3(base)) // SIB: no index, base=base
	}
	buf.Emit32(uint32(disp))
}

// memDisp32Byte is memDisp32's one-byte-operand form, used for the
// flags-byte-array load/store (opcode 0x8A = MOV r8, r/m8; 0x88 = MOV
// r/m8, r8). A REX prefix is always emitted so reg/base in R8-R15 encode
// correctly even when neither extension bit would otherwise be needed.
func memDisp32Byte(buf *backend.CodeBuffer, opcode byte, reg, base backend.RealReg, disp int32) {
	p, _ := rex(false, ext(reg), false, ext(base), true)
	buf.Emit8(p)
	buf.Emit8(opcode)
	buf.Emit8((0b10 << 6) | (low3(reg) << 3) | low3(base))
	buf.Emit32(uint32(disp))
}

// setcc encodes 0F 90+cc /0 (SETcc r/m8) on a register byte destination. A
// REX prefix is always emitted so every pool register addresses its low
// byte rather than a legacy AH-class alias.
func setcc(buf *backend.CodeBuffer, cc byte, dst backend.RealReg) {
	p, _ := rex(false, false, false, ext(dst), true)
	buf.Emit8(p)
	buf.Emit8(0x0F)
	buf.Emit8(0x90 + cc)
	buf.Emit8((0b11 << 6) | (0 << 3) | low3(dst))
}

// movzxRegByte encodes 0F B6 /r (MOVZX r32, r/m8) register form, clearing
// the stale upper bits SETcc leaves behind.
func movzxRegByte(buf *backend.CodeBuffer, dst, src backend.RealReg) {
	p, _ := rex(false, ext(dst), false, ext(src), true)
	buf.Emit8(p)
	buf.Emit8(0x0F)
	buf.Emit8(0xB6)
	buf.Emit8(modrmReg(0b11, dst, src))
}

// movzxMem encodes 0F B6/B7 (MOVZX r32, m8/m16) with a [base+disp32]
// operand, the sub-word guest-register load forms.
func movzxMem(buf *backend.CodeBuffer, opcode2 byte, dst, base backend.RealReg, disp int32) {
	p, _ := rex(false, ext(dst), false, ext(base), true)
	buf.Emit8(p)
	buf.Emit8(0x0F)
	buf.Emit8(opcode2)
	rm := low3(base)
	buf.Emit8((0b10 << 6) | (low3(dst) << 3) | rm)
	if rm == 0b100 {
		buf.Emit8((0b00 << 6) | (0b100 << 3) | low3(base))
	}
	buf.Emit32(uint32(disp))
}

// shiftImm8 encodes C1 /digit ib (SHL=/4, SHR=/5, SAR=/7 by immediate).
func shiftImm8(buf *backend.CodeBuffer, digit byte, rm backend.RealReg, imm byte, is64 bool) {
	if p, ok := rex(is64, false, false, ext(rm), false); ok {
		buf.Emit8(p)
	}
	buf.Emit8(0xC1)
	buf.Emit8((0b11 << 6) | (digit << 3) | low3(rm))
	buf.Emit8(imm)
}

// aluImm8 encodes 83 /digit ib, the sign-extended-imm8 ALU group
// (ADD=/0, AND=/4, SUB=/5, XOR=/6, CMP=/7).
func aluImm8(buf *backend.CodeBuffer, digit byte, rm backend.RealReg, imm byte, is64 bool) {
	if p, ok := rex(is64, false, false, ext(rm), false); ok {
		buf.Emit8(p)
	}
	buf.Emit8(0x83)
	buf.Emit8((0b11 << 6) | (digit << 3) | low3(rm))
	buf.Emit8(imm)
}

// cmpxchgMem encodes 0F B0/B1 /r (CMPXCHG m8/m, r) against [base+disp32];
// the caller emits the LOCK (and, for 16-bit, operand-size) prefix.
func cmpxchgMem(buf *backend.CodeBuffer, src, base backend.RealReg, disp int32, size uint8) {
	opcode2 := byte(0xB1)
	if size == 1 {
		opcode2 = 0xB0
	}
	p, _ := rex(size == 8, ext(src), false, ext(base), true)
	buf.Emit8(p)
	buf.Emit8(0x0F)
	buf.Emit8(opcode2)
	rm := low3(base)
	buf.Emit8((0b10 << 6) | (low3(src) << 3) | rm)
	if rm == 0b100 {
		buf.Emit8((0b00 << 6) | (0b100 << 3) | low3(base))
	}
	buf.Emit32(uint32(disp))
}

// callIndirect encodes FF /2 (CALL r/m64).
func callIndirect(buf *backend.CodeBuffer, target backend.RealReg) {
	if p, ok := rex(false, false, false, ext(target), ext(target)); ok {
		buf.Emit8(p)
	}
	buf.Emit8(0xFF)
	buf.Emit8((0b11 << 6) | (2 << 3) | low3(target))
}

// cmovRegReg encodes 0F 40+cc /r (CMOVcc r64, r/m64): dst = cc ? src : dst.
func cmovRegReg(buf *backend.CodeBuffer, cc byte, dst, src backend.RealReg, is64 bool) {
	if p, ok := rex(is64, ext(dst), false, ext(src), false); ok {
		buf.Emit8(p)
	}
	buf.Emit8(0x0F)
	buf.Emit8(0x40 + cc)
	buf.Emit8(modrmReg(0b11, dst, src))
}

func movImm64(buf *backend.CodeBuffer, dst backend.RealReg, value uint64) {
	p, _ := rex(true, false, false, ext(dst), true)
	buf.Emit8(p)
	buf.Emit8(0xB8 + low3(dst))
	buf.Emit64(value)
}

func movImm32(buf *backend.CodeBuffer, dst backend.RealReg, value uint32) {
	if p, ok := rex(false, false, false, ext(dst), false); ok {
		buf.Emit8(p)
	}
	buf.Emit8(0xB8 + low3(dst))
	buf.Emit32(value)
}

// group3F7 encodes the F7 /digit unary forms: NEG (/3), NOT (/2).
func group3F7(buf *backend.CodeBuffer, digit byte, rm backend.RealReg, is64 bool) {
	if p, ok := rex(is64, false, false, ext(rm), false); ok {
		buf.Emit8(p)
	}
	buf.Emit8(0xF7)
	buf.Emit8((0b11 << 6) | (digit << 3) | low3(rm))
}

// shiftCL encodes D3 /digit (SHL=/4, SHR=/5, SAR=/7), shift count always
// implicitly CL.
func shiftCL(buf *backend.CodeBuffer, digit byte, rm backend.RealReg, is64 bool) {
	if p, ok := rex(is64, false, false, ext(rm), false); ok {
		buf.Emit8(p)
	}
	buf.Emit8(0xD3)
	buf.Emit8((0b11 << 6) | (digit << 3) | low3(rm))
}

// mov8 encodes MOV r/m8, r8 (opcode 0x88), used to stage a shift count into
// CL.
func mov8(buf *backend.CodeBuffer, dst, src backend.RealReg) {
	if p, ok := rex(false, ext(src), false, ext(dst), ext(src) || ext(dst)); ok {
		buf.Emit8(p)
	}
	buf.Emit8(0x88)
	buf.Emit8(modrmReg(0b11, src, dst))
}

// imulRegReg encodes 0F AF /r (IMUL r64, r/m64): dst *= src.
func imulRegReg(buf *backend.CodeBuffer, dst, src backend.RealReg, is64 bool) {
	if p, ok := rex(is64, ext(dst), false, ext(src), false); ok {
		buf.Emit8(p)
	}
	buf.Emit8(0x0F)
	buf.Emit8(0xAF)
	buf.Emit8(modrmReg(0b11, dst, src))
}

func jmpRel32(buf *backend.CodeBuffer, rel int32) {
	buf.Emit8(0xE9)
	buf.Emit32(uint32(rel))
}

func jccRel32(buf *backend.CodeBuffer, cc byte, rel int32) {
	buf.Emit8(0x0F)
	buf.Emit8(0x80 + cc)
	buf.Emit32(uint32(rel))
}

func jmpIndirect(buf *backend.CodeBuffer, target backend.RealReg) {
	if p, ok := rex(false, false, false, ext(target), ext(target)); ok {
		buf.Emit8(p)
	}
	buf.Emit8(0xFF)
	buf.Emit8((0b11 << 6) | (4 << 3) | low3(target)) // /4 = JMP r/m64
}

func ret(buf *backend.CodeBuffer) { buf.Emit8(0xC3) }

func pushReg(buf *backend.CodeBuffer, r backend.RealReg) {
	if ext(r) {
		buf.Emit8(0x41)
	}
	buf.Emit8(0x50 + low3(r))
}

func popReg(buf *backend.CodeBuffer, r backend.RealReg) {
	if ext(r) {
		buf.Emit8(0x41)
	}
	buf.Emit8(0x58 + low3(r))
}

// subRSPImm32/addRSPImm32 adjust the stack pointer for the spill-slot frame.
func subRSPImm32(buf *backend.CodeBuffer, n uint32) {
	buf.Emit8(0x48) // REX.W
	buf.Emit8(0x81)
	buf.Emit8((0b11 << 6) | (5 << 3) | low3(rSP)) // /5 = SUB
	buf.Emit32(n)
}

func addRSPImm32(buf *backend.CodeBuffer, n uint32) {
	buf.Emit8(0x48)
	buf.Emit8(0x81)
	buf.Emit8((0b11 << 6) | (0 << 3) | low3(rSP)) // /0 = ADD
	buf.Emit32(n)
}
