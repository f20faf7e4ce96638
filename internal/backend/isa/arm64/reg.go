// Package arm64 is the primary backend.Machine implementation: it lowers
// internal/ir ops, already register-allocated by internal/ir/pass, into
// AArch64 instruction words. Guest CPU state is addressed through a
// pinned STATE register rather than an ordinary allocated value, so every
// state access is a single immediate-offset load or store.
package arm64

import (
	"github.com/crosscore-rt/crosscore/internal/backend"
	"github.com/crosscore-rt/crosscore/internal/ir/pass"
)

// Concrete arm64 GPR numbers (AArch64 0-31 numbering; 31 is xzr or sp
// depending on the instruction class that references it). Vector
// registers use RealReg values 32-63; see vFirstFPR.
const (
	// rState is pinned for the lifetime of a compiled region to a pointer
	// to the owning thread's cpu.Frame: every load/store against guest CPU
	// state addresses off this register rather than carrying the frame
	// pointer as an ordinary allocated value.
	rState backend.RealReg = 28
	rFP    backend.RealReg = 29 // x29
	rLR    backend.RealReg = 30 // x30
	rZR    backend.RealReg = 31 // xzr (register-operand context)
	rSP    backend.RealReg = 31 // sp (load/store-base context; same encoding as xzr)

	// rArg0 is the first AAPCS64 argument register, where the frame (or a
	// thunk's argument pointer) goes before an indirect helper call.
	rArg0 backend.RealReg = 0

	// rScratch0/rScratch1 are the AArch64 ABI's own intra-procedure-call
	// temporary registers (x16/x17, "IP0"/"IP1") reused here to materialize
	// a spilled operand or stage a spilled result, since their ABI role
	// already permits clobbering across any call-like sequence.
	rScratch0 backend.RealReg = 16
	rScratch1 backend.RealReg = 17

	// rScratch2 (x8, the indirect-result register, never in the allocator
	// pool) is the third staging register three-operand ops like
	// OpAtomicCAS need so a fully-spilled operand set can't alias the
	// primary scratch pair.
	rScratch2 backend.RealReg = 8
)

// vFirstGPR is the first register the allocator's RegGPR pool may be
// assigned, chosen to leave x0-x8 free for the exit-function/syscall ABI
// argument registers and x18 reserved as the platform register.
const vFirstGPR = 9

// vFirstGPRFixed is the base for the allocator's RegGPRFixed pool: values
// pinned to a specific register for the syscall/thunk calling convention,
// placed at the standard argument registers x0-x3.
const vFirstGPRFixed = 0

// vFirstFPR/vFirstFPRFixed address the vector register file the same way,
// offset by 32 so RealReg values never collide with the GPR file.
const (
	vFirstFPR      = 32
	vFirstFPRFixed = 32 + 16
)

// realGPR maps a RegGPR pool index to its concrete x register, skipping
// x16/x17 (the scratch pair) and x18 (the platform register) so the
// allocator's pool never aliases a register LowerOp may clobber while
// materializing a spilled operand. A 16-entry pool lands on x9-x15 and
// x19-x27, clear of x28 (STATE), x29 (FP) and x30 (LR).
func realGPR(index uint8) backend.RealReg {
	r := vFirstGPR + int(index)
	if r >= int(rScratch0) {
		r += 3
	}
	return backend.RealReg(r)
}

func realGPRFixed(index uint8) backend.RealReg {
	return backend.RealReg(vFirstGPRFixed + int(index))
}
func realFPR(index uint8) backend.RealReg { return backend.RealReg(vFirstFPR + int(index)) }
func realFPRFixed(index uint8) backend.RealReg {
	return backend.RealReg(vFirstFPRFixed + int(index))
}

// realReg resolves a pass.PhysicalRegister into this package's concrete
// RealReg numbering.
func realReg(pr pass.PhysicalRegister) backend.RealReg {
	switch pr.Class {
	case pass.RegGPR:
		return realGPR(pr.Index)
	case pass.RegGPRFixed:
		return realGPRFixed(pr.Index)
	case pass.RegFPR:
		return realFPR(pr.Index)
	case pass.RegFPRFixed:
		return realFPRFixed(pr.Index)
	default:
		return backend.RealRegInvalid
	}
}

// enc returns the raw 5-bit register field an instruction word encodes,
// folding the vector-file software offset back out.
func enc(r backend.RealReg) uint32 {
	if r >= vFirstFPR {
		return uint32(r-vFirstFPR) & 0x1f
	}
	return uint32(r) & 0x1f
}

// sizeField maps a byte width to the 2-bit "size" field the load/store and
// data-processing encodings share: 00=byte,01=half,10=word,11=doubleword.
func sizeField(bytes uint8) uint32 {
	switch bytes {
	case 1:
		return 0
	case 2:
		return 1
	case 4:
		return 2
	default:
		return 3
	}
}

// sf is the 1-bit "64-bit form" flag data-processing encodings use.
func sf(bytes uint8) uint32 {
	if bytes == 8 {
		return 1
	}
	return 0
}
