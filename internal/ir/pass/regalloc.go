package pass

import (
	"sort"

	"github.com/crosscore-rt/crosscore/internal/ir"
)

// PhysicalRegClass is the concrete register-file partition a value is
// assigned to, distinguishing the general pool from the small set of
// ABI-fixed registers syscalls and thunks require a specific physical
// register for, plus the GPR-pair class OpUMul/OpAtomicCASPair need for a
// 128-bit result.
type PhysicalRegClass uint8

const (
	RegInvalid PhysicalRegClass = iota
	RegGPR
	RegGPRFixed
	RegFPR
	RegFPRFixed
	RegGPRPair
)

func (c PhysicalRegClass) String() string {
	switch c {
	case RegGPR:
		return "gpr"
	case RegGPRFixed:
		return "gpr_fixed"
	case RegFPR:
		return "fpr"
	case RegFPRFixed:
		return "fpr_fixed"
	case RegGPRPair:
		return "gpr_pair"
	default:
		return "invalid"
	}
}

// PhysicalRegister names one concrete machine register: Class partitions
// the register file, Index selects within it (0..31, matching both ARM64's
// 32 GPRs/32 vector regs and this package's fixed-size RegState arrays).
type PhysicalRegister struct {
	Class PhysicalRegClass
	Index uint8
}

// SpillSlotBytes is the fixed size of one spill slot: wide enough to hold a
// 128-bit vector register, the largest value class this IR spills (spec
// §4.F).
const SpillSlotBytes = 16

// numGPR/numFPR bound the general allocation pool; numGPRFixed/numFPRFixed
// are reserved ABI registers the allocator never assigns to general values.
const (
	numGPR      = 16
	numFPR      = 16
	numGPRFixed = 4
	numFPRFixed = 2
)

// RegisterAllocationData is the output of AllocateRegisters: a physical
// register or spill slot for every value that survived dead-code
// elimination, consumed by internal/backend during lowering.
type RegisterAllocationData struct {
	Assignment map[ir.NodeID]PhysicalRegister
	SpillSlot  map[ir.NodeID]int
	NumSlots   int
}

// interval is a value's local live range expressed as a position in the
// flattened, per-block op order: [def, lastUse].
type interval struct {
	node        ir.NodeID
	def, last   int
	class       ir.RegClass
}

// AllocateRegisters runs a linear-scan allocator over each block
// independently: live ranges are computed from def position to last local
// use, and registers are assigned greedily, evicting (spilling) the active
// interval whose range extends furthest into the future when the pool is
// exhausted. That is the standard linear-scan spill heuristic, chosen over
// a full graph-coloring implementation because the value graph here is
// already a tree of small, block-scoped live ranges rather than arbitrary
// interference (see DESIGN.md).
func AllocateRegisters(m *Manager) error {
	g := m.Graph
	data := &RegisterAllocationData{
		Assignment: map[ir.NodeID]PhysicalRegister{},
		SpillSlot:  map[ir.NodeID]int{},
	}

	for _, blk := range g.Blocks() {
		ops := g.BlockOps(blk)
		pos := make(map[ir.NodeID]int, len(ops))
		for i, id := range ops {
			pos[id] = i
		}

		intervals := make([]*interval, 0, len(ops))
		byNode := make(map[ir.NodeID]*interval, len(ops))
		for i, id := range ops {
			op := g.Op(id)
			if !definesValue(op.Kind) {
				continue
			}
			iv := &interval{node: id, def: i, last: i, class: valueClass(op)}
			intervals = append(intervals, iv)
			byNode[id] = iv
		}
		for i, id := range ops {
			op := g.Op(id)
			for _, ref := range ir.Args(op) {
				if iv, ok := byNode[ref]; ok && i > iv.last {
					iv.last = i
				}
			}
		}

		sort.Slice(intervals, func(i, j int) bool { return intervals[i].def < intervals[j].def })
		allocateClass(intervals, ir.RegClassGPR, poolSize(m.NumGPR, numGPR), RegGPR, data)
		allocateClass(intervals, ir.RegClassFPR, poolSize(m.NumFPR, numFPR), RegFPR, data)
	}

	m.RegAlloc = data
	return nil
}

func poolSize(configured, fallback int) int {
	if configured > 0 {
		return configured
	}
	return fallback
}

func allocateClass(intervals []*interval, want ir.RegClass, poolSize int, class PhysicalRegClass, data *RegisterAllocationData) {
	type active struct {
		iv  *interval
		reg uint8
	}
	var actives []active
	free := make([]uint8, poolSize)
	for i := range free {
		free[i] = uint8(poolSize - 1 - i) // pop from the end below
	}

	expireBefore := func(pos int) {
		kept := actives[:0]
		for _, a := range actives {
			if a.iv.last < pos {
				free = append(free, a.reg)
			} else {
				kept = append(kept, a)
			}
		}
		actives = kept
	}

	for _, iv := range intervals {
		if iv.class != want {
			continue
		}
		expireBefore(iv.def)

		if len(free) == 0 {
			// Spill the active interval with the furthest-extending range,
			// freeing its register for the new (shorter-lived, by
			// construction of arrival order) value.
			worstIdx := -1
			for i, a := range actives {
				if worstIdx == -1 || a.iv.last > actives[worstIdx].iv.last {
					worstIdx = i
				}
			}
			if worstIdx == -1 || actives[worstIdx].iv.last <= iv.last {
				data.SpillSlot[iv.node] = data.NumSlots
				data.NumSlots++
				continue
			}
			victim := actives[worstIdx]
			actives = append(actives[:worstIdx], actives[worstIdx+1:]...)
			data.SpillSlot[victim.iv.node] = data.NumSlots
			data.NumSlots++
			delete(data.Assignment, victim.iv.node)
			free = append(free, victim.reg)
		}

		reg := free[len(free)-1]
		free = free[:len(free)-1]
		data.Assignment[iv.node] = PhysicalRegister{Class: class, Index: reg}
		actives = append(actives, active{iv: iv, reg: reg})
	}
}

// definesValue reports whether op produces a value worth allocating a
// register to, as opposed to a pure control/marker/void op. The host-call
// ops (syscall, CPUID, thunk) deliver their results through guest state
// rather than a register-carried value, so they define nothing either.
func definesValue(k ir.Opcode) bool {
	switch k {
	case ir.OpJump, ir.OpCondJump, ir.OpExitFunction, ir.OpStoreMem, ir.OpStoreMemTSO,
		ir.OpStoreMemVector, ir.OpStoreMemVectorTSO, ir.OpWriteFlag, ir.OpStoreRegister,
		ir.OpValidateCode, ir.OpSyscall, ir.OpInlineSyscall, ir.OpCPUID, ir.OpXGETBV, ir.OpThunk,
		ir.OpBeginBlock, ir.OpEndBlock, ir.OpCodeBlock, ir.OpSpillRegister, ir.OpInvalid:
		return false
	default:
		return true
	}
}

// valueClass reports the coarse register class an op's result belongs to.
func valueClass(op *ir.Op) ir.RegClass {
	switch op.Kind {
	case ir.OpFillRegister:
		return op.Class
	case ir.OpVAdd, ir.OpVSub, ir.OpVMul, ir.OpVFAdd, ir.OpVFSub, ir.OpVFMul, ir.OpVFDiv,
		ir.OpLoadMemVector, ir.OpLoadMemVectorTSO,
		ir.OpConvertIntToFloat, ir.OpConvertFloatToInt, ir.OpConvertFloatToFloat,
		ir.OpConvertFloatToHalf, ir.OpConvertHalfToFloat:
		return ir.RegClassFPR
	default:
		return ir.RegClassGPR
	}
}
