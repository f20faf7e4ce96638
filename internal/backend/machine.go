// Package backend drives the ISA-specific lowering of an optimized,
// register-allocated internal/ir.Graph into executable host machine code.
// Machine is implemented once per supported host architecture
// (internal/backend/isa/arm64 is the primary target, internal/backend/isa/amd64
// the alternative); Compiler is architecture-neutral and the same for both.
package backend

import (
	"github.com/crosscore-rt/crosscore/internal/ir"
	"github.com/crosscore-rt/crosscore/internal/ir/pass"
)

// Machine is a backend for one target ISA.
type Machine interface {
	// Name identifies the target, e.g. "arm64" or "amd64".
	Name() string

	// RegisterPools reports how many general-purpose and floating-point
	// registers this ISA can hand the allocator, after the pinned STATE
	// register, scratch pair, and ABI-reserved registers are carved out.
	// Compiler feeds these into pass.Manager so the allocator never
	// assigns an abstract register the target cannot map one-to-one.
	RegisterPools() (numGPR, numFPR int)

	// Prologue appends the function entry sequence: stack frame allocation
	// for frameBytes of spill slots plus whatever callee-saved registers
	// this ISA's ABI requires the translator to preserve.
	Prologue(buf *CodeBuffer, frameBytes int)

	// Epilogue appends the matching frame teardown before a host return;
	// lowering OpExitFunction instead jumps to the dispatcher loop and
	// never reaches here, so Epilogue only guards against a region that
	// somehow runs off its last block without an explicit exit.
	Epilogue(buf *CodeBuffer, frameBytes int)

	// LowerOp appends the host instructions implementing one IR op to buf.
	// id/op identify the op within g; ra carries the physical register or
	// spill slot assigned to it and to every value it references.
	LowerOp(buf *CodeBuffer, g *ir.Graph, id ir.NodeID, op *ir.Op, ra *pass.RegisterAllocationData) error

	// PatchBranch rewrites the branch encoding LowerOp left at siteOffset
	// (of the kind it recorded via CodeBuffer.AddFixup) so that it targets
	// delta bytes ahead of siteOffset.
	PatchBranch(buf *CodeBuffer, kind FixupKind, siteOffset, delta int)
}
