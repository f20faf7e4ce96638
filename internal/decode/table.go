package decode

// opcodeRow is one entry of the opcode table: mnemonic, semantic class,
// decode flags, and operand/immediate/displacement widths. There is no
// handler column; internal/dispatch owns lowering, the decoder only
// classifies.
type opcodeRow struct {
	mnemonic    string
	class       InstClass
	flags       InstFlags
	operandSize uint8
	immSize     uint8
	immSigned   bool
	relSize     uint8
}

// table covers the instruction classes the dispatcher and end-to-end
// runtime tests exercise: integer arithmetic/compare/test with a ModRM
// r/m,reg and reg,r/m form, mov, lea, push/pop, unconditional and
// conditional short/near jumps, call, ret, nop, hlt, and the 0F-map
// entries below (syscall, cpuid, setcc, cmpxchg, near jcc). This defines
// the decoding pattern, not the full x86 opcode map.
var table = map[uint8]opcodeRow{
	0x00: {"add", ClassArithmetic, FlagHasModRM, 1, 0, false, 0},
	0x01: {"add", ClassArithmetic, FlagHasModRM, 8, 0, false, 0},
	0x03: {"add", ClassArithmetic, FlagHasModRM | FlagRegDest, 8, 0, false, 0},
	0x05: {"add", ClassArithmetic, FlagImpliedAccum, 4, 4, true, 0},
	0x28: {"sub", ClassArithmetic, FlagHasModRM, 1, 0, false, 0},
	0x29: {"sub", ClassArithmetic, FlagHasModRM, 8, 0, false, 0},
	0x2B: {"sub", ClassArithmetic, FlagHasModRM | FlagRegDest, 8, 0, false, 0},
	0x20: {"and", ClassArithmetic, FlagHasModRM, 1, 0, false, 0},
	0x21: {"and", ClassArithmetic, FlagHasModRM, 8, 0, false, 0},
	0x08: {"or", ClassArithmetic, FlagHasModRM, 1, 0, false, 0},
	0x09: {"or", ClassArithmetic, FlagHasModRM, 8, 0, false, 0},
	0x30: {"xor", ClassArithmetic, FlagHasModRM, 1, 0, false, 0},
	0x31: {"xor", ClassArithmetic, FlagHasModRM, 8, 0, false, 0},
	0x38: {"cmp", ClassCompare, FlagHasModRM, 1, 0, false, 0},
	0x39: {"cmp", ClassCompare, FlagHasModRM, 8, 0, false, 0},
	0x3B: {"cmp", ClassCompare, FlagHasModRM | FlagRegDest, 8, 0, false, 0},
	0x3D: {"cmp", ClassCompare, FlagImpliedAccum, 4, 4, true, 0},
	0x84: {"test", ClassTest, FlagHasModRM, 1, 0, false, 0},
	0x85: {"test", ClassTest, FlagHasModRM, 8, 0, false, 0},
	0x88: {"mov", ClassMove, FlagHasModRM, 1, 0, false, 0},
	0x89: {"mov", ClassMove, FlagHasModRM, 8, 0, false, 0},
	0x8B: {"mov", ClassMove, FlagHasModRM | FlagRegDest, 8, 0, false, 0},
	0x8D: {"lea", ClassLoadEffectiveAddress, FlagHasModRM | FlagRegDest, 8, 0, false, 0},
	0xC6: {"mov", ClassMove, FlagHasModRM, 1, 1, false, 0},
	0xC7: {"mov", ClassMove, FlagHasModRM, 4, 4, true, 0},
	0xE9: {"jmp", ClassJump, FlagBlockEnd | FlagSetsRIP, 0, 0, false, 4},
	0xEB: {"jmp", ClassJump, FlagBlockEnd | FlagSetsRIP, 0, 0, false, 1},
	0xE8: {"call", ClassCall, FlagBlockEnd | FlagSetsRIP, 0, 0, false, 4},
	0xC3: {"ret", ClassReturn, FlagBlockEnd | FlagSetsRIP, 0, 0, false, 0},
	0x90: {"nop", ClassNop, 0, 0, 0, false, 0},
	0xF4: {"hlt", ClassHalt, FlagBlockEnd, 0, 0, false, 0},
}

// table0F is the two-byte (0F-escape) opcode map; the SETcc and near-Jcc
// ranges are handled in lookupOpcode0F since they key off the condition
// nibble rather than a single byte.
var table0F = map[uint8]opcodeRow{
	0x05: {"syscall", ClassSyscall, 0, 0, 0, false, 0},
	0xA2: {"cpuid", ClassCPUID, 0, 0, 0, false, 0},
	0xAF: {"imul", ClassArithmetic, FlagHasModRM | FlagRegDest, 8, 0, false, 0},
	0xB0: {"cmpxchg", ClassCmpXchg, FlagHasModRM, 1, 0, false, 0},
	0xB1: {"cmpxchg", ClassCmpXchg, FlagHasModRM, 8, 0, false, 0},
}

// jccShort marks the 0x70-0x7F short-conditional-jump range; the condition
// index lives in the opcode's low nibble (X86InstInfo.ConditionNibble).
var jccShort = map[uint8]bool{}

// movImmReg marks the B8-BF range (MOV r32, imm32, register embedded in
// the low 3 bits of the opcode byte rather than a ModRM byte).
var movImmReg = map[uint8]bool{}

// pushReg/popReg mark the 50-57/58-5F ranges, register in the low 3 bits.
var pushReg = map[uint8]bool{}
var popReg = map[uint8]bool{}

func init() {
	for b := uint8(0x70); b <= 0x7F; b++ {
		jccShort[b] = true
	}
	for b := uint8(0xB8); b <= 0xBF; b++ {
		movImmReg[b] = true
	}
	for b := uint8(0x50); b <= 0x57; b++ {
		pushReg[b] = true
	}
	for b := uint8(0x58); b <= 0x5F; b++ {
		popReg[b] = true
	}
}

func lookupOpcode(b uint8) (opcodeRow, bool) {
	if jccShort[b] {
		return opcodeRow{mnemonic: "jcc", class: ClassCondJump, flags: FlagBlockEnd | FlagSetsRIP, relSize: 1}, true
	}
	if movImmReg[b] {
		return opcodeRow{mnemonic: "mov", class: ClassMove, flags: FlagImpliedReg, operandSize: 4, immSize: 4}, true
	}
	if pushReg[b] {
		return opcodeRow{mnemonic: "push", class: ClassPush, flags: FlagImpliedReg, operandSize: 8}, true
	}
	if popReg[b] {
		return opcodeRow{mnemonic: "pop", class: ClassPop, flags: FlagImpliedReg, operandSize: 8}, true
	}
	row, ok := table[b]
	if !ok || row == (opcodeRow{}) {
		return opcodeRow{}, false
	}
	return row, true
}

func lookupOpcode0F(b uint8) (opcodeRow, bool) {
	if b >= 0x80 && b <= 0x8F {
		return opcodeRow{mnemonic: "jcc", class: ClassCondJump, flags: FlagBlockEnd | FlagSetsRIP, relSize: 4}, true
	}
	if b >= 0x90 && b <= 0x9F {
		return opcodeRow{mnemonic: "setcc", class: ClassSetcc, flags: FlagHasModRM, operandSize: 1}, true
	}
	row, ok := table0F[b]
	if !ok || row == (opcodeRow{}) {
		return opcodeRow{}, false
	}
	return row, true
}
