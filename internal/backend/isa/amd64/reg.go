// Package amd64 is the alternative backend.Machine implementation,
// targeting x86-64 hosts (arm64 is the primary target). Because host and
// guest share an instruction set family here, most IR ops map onto a
// single host instruction with no polarity correction the arm64 backend
// needs for carry flags (see cond.go); the interesting part of this
// backend is mostly encoding mechanics (REX prefixes, ModRM bytes)
// rather than semantic translation.
package amd64

import (
	"github.com/crosscore-rt/crosscore/internal/backend"
	"github.com/crosscore-rt/crosscore/internal/ir/pass"
)

// Concrete x86-64 register numbers (REX-extended 0-15 numbering:
// RAX..RDI are 0-7, R8-R15 are 8-15).
const (
	rAX backend.RealReg = 0
	rCX backend.RealReg = 1
	rDX backend.RealReg = 2
	rBX backend.RealReg = 3
	rSP backend.RealReg = 4
	rBP backend.RealReg = 5
	rSI backend.RealReg = 6
	rDI backend.RealReg = 7

	// rState is pinned to a pointer to the owning thread's cpu.Frame for
	// the lifetime of a compiled region, this backend's analogue of
	// isa/arm64's rState. R15 is callee-saved in the SysV ABI and never
	// used for argument passing, so nothing else needs to contend for it.
	rState backend.RealReg = 15

	// rScratch0/rScratch1 stand in for a spilled operand or a staged
	// result; R10/R11 are both caller-saved scratch registers the SysV ABI
	// never assigns a persistent meaning to.
	rScratch0 backend.RealReg = 10
	rScratch1 backend.RealReg = 11
)

// gprPool is the concrete register list the allocator's RegGPR pool indexes
// into, deliberately excluding RSP/RBP (frame-relative addressing), R12
// (whose low 3 bits alias RSP's ModRM/SIB special case), R15 (rState),
// R10/R11 (scratch) and RDI (the helper-call argument register OpSyscall/
// OpCPUID/OpThunk lowering stages the frame pointer through): no pool
// register has low 3 bits 0b100, so a pool register used as a memDisp32
// base never needs a SIB byte (R13's 0b101 is an ordinary base under
// memDisp32's mod=10; only mod=00 means RIP-relative). Spill-slot
// accesses address off RSP and do take memDisp32's SIB form.
var gprPool = [...]backend.RealReg{rBX, rSI, 8, 9, 13, 14}

// realGPR maps a RegGPR pool index onto gprPool. The allocator's abstract
// pool is sized to len(gprPool) via Machine.RegisterPools, so indices are
// always in range; the modulo is a defensive bound, not a real wrap.
func realGPR(index uint8) backend.RealReg {
	return gprPool[int(index)%len(gprPool)]
}

// realGPRFixed places the syscall/thunk ABI-pinned pool at the standard
// SysV argument registers.
func realGPRFixed(index uint8) backend.RealReg {
	fixed := [...]backend.RealReg{rDI, rSI, rDX, rCX}
	return fixed[int(index)%len(fixed)]
}

// realReg resolves a pass.PhysicalRegister into this package's concrete
// RealReg numbering. Vector classes are not yet lowered by this backend
// (see DESIGN.md); FPR/FPRFixed fall back to the GPR pool's first entry so
// LowerOp at least has a defined (if incorrect) register to reference
// rather than panicking.
func realReg(pr pass.PhysicalRegister) backend.RealReg {
	switch pr.Class {
	case pass.RegGPR:
		return realGPR(pr.Index)
	case pass.RegGPRFixed:
		return realGPRFixed(pr.Index)
	default:
		return gprPool[0]
	}
}

// ext reports whether r needs the REX.B/R/X extension bit (r is one of
// R8-R15).
func ext(r backend.RealReg) bool { return r >= 8 }

// low3 is the 3-bit register field ModRM/opcode+rd encodings carry; the
// high bit comes from the REX prefix.
func low3(r backend.RealReg) byte { return byte(r) & 0x7 }
