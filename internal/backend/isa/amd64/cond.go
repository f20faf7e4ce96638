package amd64

import "github.com/crosscore-rt/crosscore/internal/ir"

// ccFromIR maps the architecture-neutral ir.CondClass onto the x86 Jcc
// condition nibble (0x0-0xF), the same numbering decode.ConditionNibble
// extracts from a guest Jcc opcode and dispatch.conditionFromOpcode turns
// into CondClass in the first place. Unlike isa/arm64's condFromIR, this
// is close to the identity map rather than a cross-ISA translation: host
// and guest share a condition-code encoding.
func ccFromIR(c ir.CondClass) byte {
	switch c {
	case ir.CondOverflow:
		return 0x0
	case ir.CondNotOverflow:
		return 0x1
	case ir.CondUnsignedLess:
		return 0x2
	case ir.CondUnsignedGreaterEqual:
		return 0x3
	case ir.CondEqual:
		return 0x4
	case ir.CondNotEqual:
		return 0x5
	case ir.CondUnsignedLessEqual:
		return 0x6
	case ir.CondUnsignedGreater:
		return 0x7
	case ir.CondSign:
		return 0x8
	case ir.CondNotSign:
		return 0x9
	case ir.CondSignedLess:
		return 0xC
	case ir.CondSignedGreaterEqual:
		return 0xD
	case ir.CondSignedLessEqual:
		return 0xE
	case ir.CondSignedGreater:
		return 0xF
	default:
		return 0x4
	}
}
