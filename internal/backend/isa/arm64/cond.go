package arm64

import "github.com/crosscore-rt/crosscore/internal/ir"

// condCode is AArch64's 4-bit branch condition field.
type condCode uint8

const (
	ccEQ condCode = 0x0
	ccNE condCode = 0x1
	ccCS condCode = 0x2 // HS: unsigned >=
	ccCC condCode = 0x3 // LO: unsigned <
	ccMI condCode = 0x4 // negative
	ccPL condCode = 0x5 // non-negative
	ccVS condCode = 0x6
	ccVC condCode = 0x7
	ccHI condCode = 0x8 // unsigned >
	ccLS condCode = 0x9 // unsigned <=
	ccGE condCode = 0xA
	ccLT condCode = 0xB
	ccGT condCode = 0xC
	ccLE condCode = 0xD
	ccAL condCode = 0xE
)

// condFromIR maps the architecture-neutral ir.CondClass onto AArch64's
// condition codes. Because every flags-defining op this backend lowers
// (OpCmp -> SUBS, OpTestOp -> ANDS) is expressed as arm64's own native
// flags-setting form rather than being reconstructed from a stored x86 CF
// bit, the unsigned comparisons map directly with no polarity correction:
// arm64's carry-clear after a subtract already means "unsigned less than",
// the same thing x86 CF=1 means after the same subtract.
func condFromIR(c ir.CondClass) condCode {
	switch c {
	case ir.CondEqual:
		return ccEQ
	case ir.CondNotEqual:
		return ccNE
	case ir.CondSignedLess:
		return ccLT
	case ir.CondSignedLessEqual:
		return ccLE
	case ir.CondSignedGreater:
		return ccGT
	case ir.CondSignedGreaterEqual:
		return ccGE
	case ir.CondUnsignedLess:
		return ccCC
	case ir.CondUnsignedLessEqual:
		return ccLS
	case ir.CondUnsignedGreater:
		return ccHI
	case ir.CondUnsignedGreaterEqual:
		return ccCS
	case ir.CondSign:
		return ccMI
	case ir.CondNotSign:
		return ccPL
	case ir.CondOverflow:
		return ccVS
	case ir.CondNotOverflow:
		return ccVC
	default:
		return ccAL
	}
}

// invert returns the logical negation of c, used to turn a "branch if true"
// sequence into a "skip if false" one when only a single forward branch is
// available.
func (c condCode) invert() condCode {
	return c ^ 1
}
