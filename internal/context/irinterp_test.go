package context

import (
	"math/bits"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/crosscore-rt/crosscore/internal/cpu"
	"github.com/crosscore-rt/crosscore/internal/decode"
	"github.com/crosscore-rt/crosscore/internal/dispatch"
	"github.com/crosscore-rt/crosscore/internal/ir"
	"github.com/crosscore-rt/crosscore/internal/pool"
)

// irMachine interprets a lowered ir.Graph against a guest CPU state and a
// flat guest data RAM. The scenario tests use it to check the
// architectural outcomes of a translated region (register values, memory
// effects, lazy-flag derivations) without a host EntryFunc trampoline:
// the interpreter gives every IR op the same semantics the backends lower
// it to, so a wrong dispatch lowering or a wrong raw-flag formula shows
// up as a wrong register value here rather than hiding behind
// "compiles without error".
type irMachine struct {
	t     *testing.T
	g     *ir.Graph
	state cpu.State
	ram   *guestRAM

	values map[ir.NodeID]uint64

	// flagsNode is the most recent OpCmp/OpTestOp executed, standing in
	// for the host condition codes a later branch or ZF assertion reads.
	flagsNode ir.NodeID

	exited bool
}

// guestRAM is a flat byte-addressed data memory starting at base.
type guestRAM struct {
	base uint64
	b    []byte
}

func (m *guestRAM) load(addr uint64, size uint8) uint64 {
	off := addr - m.base
	var v uint64
	for i := uint8(0); i < size; i++ {
		v |= uint64(m.b[off+uint64(i)]) << (8 * i)
	}
	return v
}

func (m *guestRAM) store(addr uint64, size uint8, v uint64) {
	off := addr - m.base
	for i := uint8(0); i < size; i++ {
		m.b[off+uint64(i)] = byte(v >> (8 * i))
	}
}

// buildIR lowers guest bytes at base into a fresh graph and returns the
// graph plus the entry block node, the same decode+dispatch front half
// CompileRIP runs before handing off to the backend.
func buildIR(t *testing.T, base uint64, code []byte) (*ir.Graph, ir.NodeID) {
	t.Helper()
	g := ir.NewGraph(pool.New())
	b := dispatch.NewBuilder(g, nil)
	blocks, err := decode.DecodeBlocks(decode.SliceMemory{Base: base, Code: code}, base, 0)
	require.NoError(t, err)
	require.NoError(t, b.Lower(blocks))
	return g, b.JumpTargets[base]
}

func newIRMachine(t *testing.T, g *ir.Graph, ram *guestRAM) *irMachine {
	return &irMachine{t: t, g: g, ram: ram, values: map[ir.NodeID]uint64{}}
}

func maskBytes(v uint64, size uint8) uint64 {
	if size == 0 || size >= 8 {
		return v
	}
	return v & ((uint64(1) << (8 * size)) - 1)
}

func signExtend(v uint64, size uint8) int64 {
	if size == 0 || size >= 8 {
		return int64(v)
	}
	shift := 64 - 8*uint(size)
	return int64(v<<shift) >> shift
}

// evalCond evaluates cond over a compare of x and y at the given width,
// the semantics both backends reach via SUBS/CMP plus a condition code.
func evalCond(cond ir.CondClass, size uint8, x, y uint64) bool {
	mx, my := maskBytes(x, size), maskBytes(y, size)
	sx, sy := signExtend(mx, size), signExtend(my, size)
	diff := maskBytes(mx-my, size)
	signBit := uint64(1) << (8*uint(sizeOr8(size)) - 1)
	sign := diff&signBit != 0
	overflow := ((mx^my)&(mx^diff))&signBit != 0

	switch cond {
	case ir.CondEqual:
		return mx == my
	case ir.CondNotEqual:
		return mx != my
	case ir.CondUnsignedLess:
		return mx < my
	case ir.CondUnsignedLessEqual:
		return mx <= my
	case ir.CondUnsignedGreater:
		return mx > my
	case ir.CondUnsignedGreaterEqual:
		return mx >= my
	case ir.CondSignedLess:
		return sx < sy
	case ir.CondSignedLessEqual:
		return sx <= sy
	case ir.CondSignedGreater:
		return sx > sy
	case ir.CondSignedGreaterEqual:
		return sx >= sy
	case ir.CondSign:
		return sign
	case ir.CondNotSign:
		return !sign
	case ir.CondOverflow:
		return overflow
	case ir.CondNotOverflow:
		return !overflow
	default:
		return false
	}
}

func sizeOr8(size uint8) uint8 {
	if size == 0 || size > 8 {
		return 8
	}
	return size
}

func (m *irMachine) loadReg(idx, size uint8) uint64 {
	var full uint64
	switch idx {
	case cpu.RegPFRaw:
		full = m.state.PFRaw
	case cpu.RegAFRaw:
		full = m.state.AFRaw
	default:
		full = m.state.GRegs[idx]
	}
	return maskBytes(full, size)
}

func (m *irMachine) storeReg(idx, size uint8, v uint64) {
	var target *uint64
	switch idx {
	case cpu.RegPFRaw:
		target = &m.state.PFRaw
	case cpu.RegAFRaw:
		target = &m.state.AFRaw
	default:
		target = &m.state.GRegs[idx]
	}
	if size == 0 || size >= 8 {
		*target = v
		return
	}
	// Sub-word stores merge into the register's low bytes, the same
	// semantics the backends' narrow frame stores have.
	mask := (uint64(1) << (8 * size)) - 1
	*target = (*target &^ mask) | (v & mask)
}

// condFromFlagsNode evaluates cond against the flags-defining node a
// branch or setcc references: compares judge their operand pair, tests
// judge their and-result against zero, and value-producing ALU ops judge
// their own result against zero.
func (m *irMachine) condFromFlagsNode(node ir.NodeID, cond ir.CondClass) bool {
	op := m.g.Op(node)
	switch op.Kind {
	case ir.OpCmp:
		return evalCond(cond, op.Size, m.values[op.Args[0]], m.values[op.Args[1]])
	case ir.OpTestOp:
		r := maskBytes(m.values[op.Args[0]]&m.values[op.Args[1]], op.Size)
		return evalCond(cond, op.Size, r, 0)
	default:
		return evalCond(cond, op.Size, maskBytes(m.values[node], op.Size), 0)
	}
}

// zeroFlag reports ZF as left by the most recent flags-defining
// instruction, for post-run assertions.
func (m *irMachine) zeroFlag() bool {
	if !m.flagsNode.Valid() {
		return false
	}
	return m.condFromFlagsNode(m.flagsNode, ir.CondEqual)
}

// run interprets the graph starting at entry until an ExitFunction fires
// or maxSteps ops have executed (a guest spin loop never exits), and
// reports whether the region exited.
func (m *irMachine) run(entry ir.NodeID, maxSteps int) bool {
	blk := m.g.BlockByID(entry)
	steps := 0
	for blk != nil {
		var next *ir.Block
		for _, id := range m.g.BlockOps(blk) {
			steps++
			if steps > maxSteps {
				return false
			}
			op := m.g.Op(id)
			switch op.Kind {
			case ir.OpInvalid, ir.OpBeginBlock, ir.OpEndBlock, ir.OpCodeBlock,
				ir.OpEntry, ir.OpValidateCode:

			case ir.OpConstant:
				m.values[id] = op.ConstValue

			case ir.OpAdd:
				m.values[id] = maskBytes(m.values[op.Args[0]]+m.values[op.Args[1]], op.Size)
			case ir.OpSub:
				m.values[id] = maskBytes(m.values[op.Args[0]]-m.values[op.Args[1]], op.Size)
			case ir.OpAnd:
				m.values[id] = maskBytes(m.values[op.Args[0]]&m.values[op.Args[1]], op.Size)
			case ir.OpOr:
				m.values[id] = maskBytes(m.values[op.Args[0]]|m.values[op.Args[1]], op.Size)
			case ir.OpXor:
				m.values[id] = maskBytes(m.values[op.Args[0]]^m.values[op.Args[1]], op.Size)
			case ir.OpMul:
				m.values[id] = maskBytes(m.values[op.Args[0]]*m.values[op.Args[1]], op.Size)
			case ir.OpNeg:
				m.values[id] = maskBytes(-m.values[op.Args[0]], op.Size)
			case ir.OpNot:
				m.values[id] = maskBytes(^m.values[op.Args[0]], op.Size)
			case ir.OpShl:
				m.values[id] = maskBytes(m.values[op.Args[0]]<<(m.values[op.Args[1]]&63), op.Size)
			case ir.OpShrLogical:
				m.values[id] = maskBytes(m.values[op.Args[0]], op.Size) >> (m.values[op.Args[1]] & 63)
			case ir.OpShrArithmetic:
				m.values[id] = maskBytes(uint64(signExtend(m.values[op.Args[0]], op.Size)>>(m.values[op.Args[1]]&63)), op.Size)

			case ir.OpLoadRegister:
				m.values[id] = m.loadReg(uint8(op.ConstValue), op.Size)
			case ir.OpStoreRegister:
				m.storeReg(uint8(op.ConstValue), op.Size, m.values[op.Args[0]])

			case ir.OpLoadMem, ir.OpLoadMemTSO:
				m.values[id] = m.ram.load(m.values[op.Args[0]], op.Size)
			case ir.OpStoreMem, ir.OpStoreMemTSO:
				m.ram.store(m.values[op.Args[0]], op.Size, m.values[op.Args[1]])

			case ir.OpCmp, ir.OpTestOp:
				m.flagsNode = id

			case ir.OpReadFlag:
				switch op.Flag {
				case cpu.FlagPF:
					m.values[id] = uint64(bits.OnesCount8(byte(m.state.PFRaw)^1) & 1)
				case cpu.FlagAF:
					m.values[id] = ((m.state.AFRaw ^ m.state.PFRaw) >> 4) & 1
				default:
					m.values[id] = uint64(m.state.Flags[op.Flag])
				}
			case ir.OpWriteFlag:
				m.state.Flags[op.Flag] = byte(m.values[op.Args[0]] & 1)

			case ir.OpCondClassCmp:
				if evalCond(op.Cond, op.Size, m.values[op.Args[0]], m.values[op.Args[1]]) {
					m.values[id] = 1
				} else {
					m.values[id] = 0
				}
			case ir.OpSelect:
				if m.values[op.Args[0]] != 0 {
					m.values[id] = m.values[op.Args[1]]
				} else {
					m.values[id] = m.values[op.Args[2]]
				}

			case ir.OpAtomicCAS:
				addr := m.values[op.Args[0]]
				expected := maskBytes(m.values[op.Args[1]], op.Size)
				observed := m.ram.load(addr, op.Size)
				if observed == expected {
					m.ram.store(addr, op.Size, m.values[op.Args[2]])
				}
				m.values[id] = observed

			case ir.OpJump:
				next = m.g.BlockByID(op.Target)
			case ir.OpCondJump:
				if m.condFromFlagsNode(op.Args[0], op.Cond) {
					next = m.g.BlockByID(op.Target)
				} else {
					next = m.g.BlockByID(op.TargetElse)
				}
			case ir.OpExitFunction:
				m.state.RIP = m.values[op.Args[0]]
				m.exited = true
				return true

			default:
				m.t.Fatalf("irinterp: unhandled op %s at node %d", op.Kind, id)
			}
			if next != nil {
				break
			}
		}
		if next == nil {
			return m.exited // ran off the block with no terminator
		}
		blk = next
	}
	return m.exited
}
