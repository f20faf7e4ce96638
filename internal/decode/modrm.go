package decode

// decodeModRM decodes a ModRM byte (and, when present, a SIB byte and
// displacement) into a register operand and a register-or-memory operand,
// REX.R/X/B-extended per the standard x86-64 extension rule. operandSize is
// the width (bytes) the eventual dispatch handler will read/write; it does
// not affect addressing itself.
func (d *decoder) decodeModRM(operandSize uint8) (reg, rm DecodedOperand, err error) {
	b, err := d.readByte()
	if err != nil {
		return DecodedOperand{}, DecodedOperand{}, err
	}
	mod := b >> 6
	regField := (b >> 3) & 7
	rmField := b & 7

	if d.pfx.rexR() {
		regField |= 0x8
	}
	reg = DecodedOperand{Kind: OperandRegister, Size: operandSize, Value: int64(regField)}

	if mod == 3 {
		rmReg := rmField
		if d.pfx.rexB() {
			rmReg |= 0x8
		}
		rm = DecodedOperand{Kind: OperandRegister, Size: operandSize, Value: int64(rmReg)}
		return reg, rm, nil
	}

	mem := DecodedOperand{Kind: OperandMemory, Size: operandSize, Base: -1, Index: -1}

	if rmField == 4 {
		sib, err := d.readByte()
		if err != nil {
			return DecodedOperand{}, DecodedOperand{}, err
		}
		scale := sib >> 6
		index := (sib >> 3) & 7
		base := sib & 7

		if index != 4 || d.pfx.rexX() {
			idx := index
			if d.pfx.rexX() {
				idx |= 0x8
			}
			mem.Index = int8(idx)
			mem.Scale = 1 << scale
		}

		if base == 5 && mod == 0 {
			disp, err := d.readImmediate(4, true)
			if err != nil {
				return DecodedOperand{}, DecodedOperand{}, err
			}
			mem.Disp32Only(disp)
		} else {
			b := base
			if d.pfx.rexB() {
				b |= 0x8
			}
			mem.Base = int8(b)
		}
	} else if rmField == 5 && mod == 0 {
		// RIP-relative addressing.
		disp, err := d.readImmediate(4, true)
		if err != nil {
			return DecodedOperand{}, DecodedOperand{}, err
		}
		mem.Base = -2 // sentinel: RIP-relative; DecodeOne adds the next-instruction address to Value.
		mem.Value = disp
		return reg, mem, nil
	} else {
		b := rmField
		if d.pfx.rexB() {
			b |= 0x8
		}
		mem.Base = int8(b)
	}

	switch mod {
	case 1:
		disp, err := d.readImmediate(1, true)
		if err != nil {
			return DecodedOperand{}, DecodedOperand{}, err
		}
		mem.Value = disp
	case 2:
		disp, err := d.readImmediate(4, true)
		if err != nil {
			return DecodedOperand{}, DecodedOperand{}, err
		}
		mem.Value = disp
	}

	return reg, mem, nil
}

// Disp32Only records a [index*scale + disp32] addressing form with no base
// register (SIB base==101 and mod==0).
func (op *DecodedOperand) Disp32Only(disp int64) {
	op.Base = -1
	op.Value = disp
}
