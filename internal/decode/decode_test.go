package decode

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeOneRegisterToRegisterAdd(t *testing.T) {
	// add eax, ecx -> 01 C8 (ModRM: mod=11 reg=001(ecx) rm=000(eax))
	inst, err := DecodeOne([]byte{0x01, 0xC8}, 0x1000)
	require.NoError(t, err)
	require.Equal(t, ClassArithmetic, inst.Class)
	require.Equal(t, 2, inst.Length)
	require.Equal(t, OperandRegister, inst.Operands[1].Kind)
}

func TestDecodeOneMemoryOperandWithDisplacement(t *testing.T) {
	// mov eax, [rbx+0x10] -> 8B 43 10
	inst, err := DecodeOne([]byte{0x8B, 0x43, 0x10}, 0x1000)
	require.NoError(t, err)
	require.Equal(t, 3, inst.Length)
	require.Equal(t, OperandMemory, inst.Operands[1].Kind)
	require.Equal(t, int64(0x10), inst.Operands[1].Value)
}

func TestDecodeOneImmediateMove(t *testing.T) {
	// mov eax, 0x2a -> C7 C0 2A 00 00 00
	inst, err := DecodeOne([]byte{0xC7, 0xC0, 0x2A, 0x00, 0x00, 0x00}, 0x1000)
	require.NoError(t, err)
	require.Equal(t, ClassMove, inst.Class)
	require.Equal(t, 3, inst.NumOperands)
	require.Equal(t, OperandImmediate, inst.Operands[2].Kind)
	require.Equal(t, int64(0x2a), inst.Operands[2].Value)
}

func TestDecodeOneShortJumpComputesBranchTarget(t *testing.T) {
	// jmp $+4 -> EB 02 (rel8 2 past the end of the 2-byte jmp)
	inst, err := DecodeOne([]byte{0xEB, 0x02}, 0x1000)
	require.NoError(t, err)
	require.Equal(t, ClassJump, inst.Class)
	require.Equal(t, uint64(0x1004), inst.BranchTarget)
	require.NotZero(t, inst.Flags&FlagBlockEnd)
}

func TestDecodeOneNormalizesDestinationFirst(t *testing.T) {
	// Both encode "add eax, ecx" semantics reversed: 01 C8 is add r/m,r
	// (eax += ecx), 03 C8 is add r,r/m (ecx += eax under the same ModRM).
	rmDst, err := DecodeOne([]byte{0x01, 0xC8}, 0x1000)
	require.NoError(t, err)
	require.Equal(t, int64(0), rmDst.Operands[0].Value, "0x01: r/m (eax) is the destination")
	require.Equal(t, int64(1), rmDst.Operands[1].Value)

	regDst, err := DecodeOne([]byte{0x03, 0xC8}, 0x1000)
	require.NoError(t, err)
	require.Equal(t, int64(1), regDst.Operands[0].Value, "0x03: reg (ecx) is the destination")
	require.Equal(t, int64(0), regDst.Operands[1].Value)
}

func TestDecodeOneAccumulatorImmediateFormsGetImplicitEAX(t *testing.T) {
	// cmp eax, 0x10 -> 3D 10 00 00 00
	inst, err := DecodeOne([]byte{0x3D, 0x10, 0x00, 0x00, 0x00}, 0x1000)
	require.NoError(t, err)
	require.Equal(t, 2, inst.NumOperands)
	require.Equal(t, OperandRegister, inst.Operands[0].Kind)
	require.Equal(t, int64(0), inst.Operands[0].Value, "implicit accumulator")
	require.Equal(t, OperandImmediate, inst.Operands[1].Kind)
	require.Equal(t, int64(0x10), inst.Operands[1].Value)
}

func TestDecodeOnePushPopEncodeRegisterInOpcode(t *testing.T) {
	push, err := DecodeOne([]byte{0x53}, 0x1000) // push rbx
	require.NoError(t, err)
	require.Equal(t, ClassPush, push.Class)
	require.Equal(t, int64(3), push.Operands[0].Value)

	pop, err := DecodeOne([]byte{0x41, 0x5D}, 0x1000) // pop r13
	require.NoError(t, err)
	require.Equal(t, ClassPop, pop.Class)
	require.Equal(t, int64(13), pop.Operands[0].Value)
}

func TestDecodeOneTwoByteSyscallAndCPUID(t *testing.T) {
	sys, err := DecodeOne([]byte{0x0F, 0x05}, 0x1000)
	require.NoError(t, err)
	require.Equal(t, ClassSyscall, sys.Class)
	require.Equal(t, 2, sys.Length)

	id, err := DecodeOne([]byte{0x0F, 0xA2}, 0x1000)
	require.NoError(t, err)
	require.Equal(t, ClassCPUID, id.Class)
}

func TestDecodeOneNearJccComputesBranchTarget(t *testing.T) {
	// je rel32 +0x10 -> 0F 84 10 00 00 00
	inst, err := DecodeOne([]byte{0x0F, 0x84, 0x10, 0x00, 0x00, 0x00}, 0x1000)
	require.NoError(t, err)
	require.Equal(t, ClassCondJump, inst.Class)
	require.Equal(t, uint8(0x4), inst.ConditionNibble())
	require.Equal(t, uint64(0x1016), inst.BranchTarget)
}

func TestDecodeOneSetccCarriesConditionAndByteDest(t *testing.T) {
	// setpe dl -> 0F 9A C2
	inst, err := DecodeOne([]byte{0x0F, 0x9A, 0xC2}, 0x1000)
	require.NoError(t, err)
	require.Equal(t, ClassSetcc, inst.Class)
	require.Equal(t, uint8(0xA), inst.ConditionNibble())
	require.Equal(t, OperandRegister, inst.Operands[0].Kind)
	require.Equal(t, int64(2), inst.Operands[0].Value)
	require.Equal(t, uint8(1), inst.Operands[0].Size)
}

func TestDecodeOneLockCmpXchgSetsBusLockFlag(t *testing.T) {
	// lock cmpxchg [rbx], rcx -> F0 48 0F B1 0B
	inst, err := DecodeOne([]byte{0xF0, 0x48, 0x0F, 0xB1, 0x0B}, 0x1000)
	require.NoError(t, err)
	require.Equal(t, ClassCmpXchg, inst.Class)
	require.NotZero(t, inst.Flags&FlagLocksBus)
	require.Equal(t, OperandMemory, inst.Operands[0].Kind)
	require.Equal(t, OperandRegister, inst.Operands[1].Kind)
}

func TestDecodeOneRejectsUnknownOpcode(t *testing.T) {
	_, err := DecodeOne([]byte{0xFF, 0xFF}, 0x1000)
	require.ErrorIs(t, err, ErrDecodeFailure)
}

func TestDecodeBlocksFollowsFallthrough(t *testing.T) {
	code := []byte{
		0xC7, 0xC0, 0x01, 0x00, 0x00, 0x00, // mov eax, 1
		0xC3, // ret
	}
	mem := SliceMemory{Base: 0x1000, Code: code}
	blocks, err := DecodeBlocks(mem, 0x1000, 0)
	require.NoError(t, err)
	require.Len(t, blocks.Blocks, 1)
	blk := blocks.Blocks[0x1000]
	require.Len(t, blk.Insts, 2)
	require.Equal(t, ClassReturn, blk.Insts[len(blk.Insts)-1].Class)
}

func TestDecodeBlocksFollowsUnconditionalJumpTarget(t *testing.T) {
	code := []byte{
		0xEB, 0x00, // jmp +0 -> targets the byte right after itself
		0xC3, // ret
	}
	mem := SliceMemory{Base: 0x2000, Code: code}
	blocks, err := DecodeBlocks(mem, 0x2000, 0)
	require.NoError(t, err)
	require.Len(t, blocks.Blocks, 2)
	require.Contains(t, blocks.Blocks, uint64(0x2002))
}

func TestDecodeBlocksRespectsInstructionBudget(t *testing.T) {
	code := make([]byte, 0, 64)
	for i := 0; i < 20; i++ {
		code = append(code, 0x90) // nop
	}
	mem := SliceMemory{Base: 0x3000, Code: code}
	blocks, err := DecodeBlocks(mem, 0x3000, 5)
	require.NoError(t, err)
	total := 0
	for _, b := range blocks.Blocks {
		total += len(b.Insts)
	}
	require.LessOrEqual(t, total, 5)
}
