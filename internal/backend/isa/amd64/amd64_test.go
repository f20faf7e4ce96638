package amd64

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/crosscore-rt/crosscore/internal/backend"
	"github.com/crosscore-rt/crosscore/internal/cpu"
	"github.com/crosscore-rt/crosscore/internal/ir"
	"github.com/crosscore-rt/crosscore/internal/ir/pass"
	"github.com/crosscore-rt/crosscore/internal/pool"
)

func TestRetEncodesSingleByte(t *testing.T) {
	buf := backend.NewCodeBuffer()
	ret(buf)
	require.Equal(t, []byte{0xC3}, buf.Code)
}

func TestMovImm32EncodesOpcodeAndLittleEndianImmediate(t *testing.T) {
	buf := backend.NewCodeBuffer()
	movImm32(buf, rAX, 0x1234)
	require.Equal(t, []byte{0xB8, 0x34, 0x12, 0, 0}, buf.Code)
}

func TestMovImm64UsesRexWAndExtendedOpcodeForR8Plus(t *testing.T) {
	buf := backend.NewCodeBuffer()
	movImm64(buf, rState, 0xdeadbeefcafebabe) // rState = R15
	require.Equal(t, byte(0x49), buf.Code[0], "REX.WB")
	require.Equal(t, byte(0xB8+7), buf.Code[1], "opcode+rd uses low3(R15)=7")
}

func TestCcFromIRMapsUnsignedComparisonsToJccNibble(t *testing.T) {
	require.Equal(t, byte(0x2), ccFromIR(ir.CondUnsignedLess))
	require.Equal(t, byte(0x3), ccFromIR(ir.CondUnsignedGreaterEqual))
	require.Equal(t, byte(0x4), ccFromIR(ir.CondEqual))
}

func TestGprPoolAvoidsSIBAliasingRegisters(t *testing.T) {
	for _, r := range gprPool {
		require.NotEqual(t, rSP, r)
		require.NotEqual(t, rBP, r)
		require.NotEqual(t, backend.RealReg(12), r, "R12 aliases RSP's low 3 bits")
		require.NotEqual(t, rDI, r, "RDI stages helper-call arguments")
		require.NotEqual(t, rScratch0, r)
		require.NotEqual(t, rScratch1, r)
		require.NotEqual(t, rState, r)
	}
}

func TestRegisterPoolsMatchesConcretePool(t *testing.T) {
	gpr, _ := New().RegisterPools()
	require.Equal(t, len(gprPool), gpr)
}

func TestSetccEncodesConditionAndByteDest(t *testing.T) {
	buf := backend.NewCodeBuffer()
	setcc(buf, 0xA, rBX) // setp bl
	require.Equal(t, []byte{0x40, 0x0F, 0x9A, 0xC3}, buf.Code)
}

func TestCmpxchgMemEncodesLockableForm(t *testing.T) {
	buf := backend.NewCodeBuffer()
	buf.Emit8(0xF0)
	cmpxchgMem(buf, rCX, rBX, 0, 8)
	require.Equal(t, []byte{0xF0, 0x48, 0x0F, 0xB1, 0x8B, 0, 0, 0, 0}, buf.Code)
}

func TestCallIndirectEncodesFF2(t *testing.T) {
	buf := backend.NewCodeBuffer()
	callIndirect(buf, rScratch1) // call r11
	require.Equal(t, []byte{0x41, 0xFF, 0xD3}, buf.Code)
}

func TestLowerRegisterRoundTripCompiles(t *testing.T) {
	buf, _ := compileOne(t, func(g *ir.Graph, e *ir.Emitter, blk ir.NodeID) {
		v := e.LoadRegister(8, 3)
		e.StoreRegister(0, 8, v.Node)
		e.ExitFunction(e.Constant(8, 0x1000).Node)
	})
	require.NotEmpty(t, buf.Code)
}

func TestLowerAtomicCASEmitsLockCmpXchg(t *testing.T) {
	buf, _ := compileOne(t, func(g *ir.Graph, e *ir.Emitter, blk ir.NodeID) {
		addr := e.Constant(8, 0x3000)
		expected := e.Constant(8, 1)
		desired := e.Constant(8, 2)
		observed := e.AtomicCAS(8, addr.Node, expected.Node, desired.Node)
		e.ExitFunction(observed.Node)
	})
	found := false
	for i := 0; i+3 <= len(buf.Code); i++ {
		if buf.Code[i] == 0xF0 && buf.Code[i+2] == 0x0F && buf.Code[i+3] == 0xB1 {
			found = true
			break
		}
	}
	require.True(t, found, "expected LOCK CMPXCHG in generated code")
}

func TestLowerReadFlagPFUsesHostParity(t *testing.T) {
	buf, _ := compileOne(t, func(g *ir.Graph, e *ir.Emitter, blk ir.NodeID) {
		pf := e.ReadFlag(cpu.FlagPF)
		e.ExitFunction(pf.Node)
	})
	found := false
	for i := 0; i+2 <= len(buf.Code); i++ {
		if buf.Code[i] == 0x0F && buf.Code[i+1] == 0x9A { // SETP
			found = true
			break
		}
	}
	require.True(t, found, "expected SETP in the PF materialization")
}

func compileOne(t *testing.T, build func(g *ir.Graph, e *ir.Emitter, blk ir.NodeID)) (*backend.CodeBuffer, *ir.Graph) {
	t.Helper()
	g := ir.NewGraph(pool.New())
	e := ir.NewEmitter(g)
	blk := g.CreateCodeNode()
	g.SetCurrentCodeBlock(blk)
	build(g, e, blk)
	g.EndCodeBlock()

	m := pass.NewManager(g)
	require.NoError(t, m.RunDefault())

	buf, err := backend.NewCompiler(New()).CompileAllocated(g, m.RegAlloc)
	require.NoError(t, err)
	return buf, g
}

func TestLowerConstantAddEmitsNonEmptyCode(t *testing.T) {
	buf, _ := compileOne(t, func(g *ir.Graph, e *ir.Emitter, blk ir.NodeID) {
		a := e.Constant(8, 5)
		b := e.Constant(8, 7)
		sum := e.Add(8, a.Node, b.Node)
		e.ExitFunction(sum.Node)
	})
	require.NotEmpty(t, buf.Code)
}

func TestLowerCmpAndCondJumpPatchesBothRel32Sites(t *testing.T) {
	g := ir.NewGraph(pool.New())
	e := ir.NewEmitter(g)

	entry := g.CreateCodeNode()
	taken := g.CreateNewCodeBlockAfter(entry)
	notTaken := g.CreateNewCodeBlockAfter(taken)

	g.SetCurrentCodeBlock(entry)
	a := e.Constant(4, 1)
	b := e.Constant(4, 1)
	cmp := e.Cmp(4, a.Node, b.Node)
	e.CondJump(cmp.Node, ir.CondEqual, taken, notTaken)
	g.EndCodeBlock()

	g.SetCurrentCodeBlock(taken)
	e.ExitFunction(e.Constant(8, 0x1000).Node)
	g.EndCodeBlock()

	g.SetCurrentCodeBlock(notTaken)
	e.ExitFunction(e.Constant(8, 0x2000).Node)
	g.EndCodeBlock()

	m := pass.NewManager(g)
	require.NoError(t, m.RunDefault())

	buf, err := backend.NewCompiler(New()).CompileAllocated(g, m.RegAlloc)
	require.NoError(t, err)

	require.Contains(t, buf.BlockOffsets, taken)
	require.Contains(t, buf.BlockOffsets, notTaken)

	// Find the Jcc rel32 site (0F 8x) and confirm it was patched away from
	// the zero placeholder PatchBranch started with.
	found := false
	for i := 0; i+6 <= len(buf.Code); i++ {
		if buf.Code[i] == 0x0F && buf.Code[i+1]&0xF0 == 0x80 {
			rel := uint32(buf.Code[i+2]) | uint32(buf.Code[i+3])<<8 | uint32(buf.Code[i+4])<<16 | uint32(buf.Code[i+5])<<24
			require.NotZero(t, rel, "conditional jump displacement should be patched")
			found = true
			break
		}
	}
	require.True(t, found, "expected a Jcc rel32 site in generated code")
}
