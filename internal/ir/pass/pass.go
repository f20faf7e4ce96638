// Package pass implements the SSA-level optimization and register
// allocation passes run over an *ir.Graph after a translated region has
// been fully emitted, before the backend lowers it to machine code.
//
// Ordering: validation first, optimizations that can create new dead code
// in the middle, dead-code elimination last among the SSA passes, and
// register allocation as the final step before handing off to the
// backend.
package pass

import "github.com/crosscore-rt/crosscore/internal/ir"

// Pass is one optimization or analysis step over a graph. Passes that
// produce auxiliary data (register allocation) stash it on the Manager
// rather than returning it, so a fixed pipeline can be expressed as a plain
// slice of Pass values.
type Pass func(m *Manager) error

// Manager threads shared results between passes that run in sequence on
// one Graph, carrying pass-to-pass state as fields rather than
// parameters.
type Manager struct {
	Graph *ir.Graph

	// NumGPR/NumFPR size the register allocator's general pools for the
	// target ISA (backend.Machine.RegisterPools); zero means the package
	// defaults. arm64 can hand the allocator 16 of each, amd64 only has 6
	// safe general registers once the pinned/scratch set is carved out.
	NumGPR int
	NumFPR int

	// RegAlloc holds the result of the register allocator, populated by
	// RunDefault and consumed by internal/backend.
	RegAlloc *RegisterAllocationData
}

// NewManager creates a Manager over g.
func NewManager(g *ir.Graph) *Manager { return &Manager{Graph: g} }

// RunDefault runs the standard pipeline: validate, then fold constants,
// eliminate redundant loads, elide unread deferred flags, eliminate dead
// code, and finally allocate registers. The first error encountered
// aborts compilation of the region.
func (m *Manager) RunDefault() error {
	pipeline := []Pass{
		Validate,
		ConstantFold,
		EliminateRedundantLoads,
		ElideUnreadDeferredFlags,
		EliminateDeadCode,
		AllocateRegisters,
		ValidateRegisterAllocation,
	}
	for _, p := range pipeline {
		if err := p(m); err != nil {
			return err
		}
	}
	return nil
}
