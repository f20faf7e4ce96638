package backend

import (
	"encoding/binary"

	"github.com/crosscore-rt/crosscore/internal/ir"
)

// FixupKind identifies the instruction encoding a pending branch fixup needs
// to patch once its target block's offset is known; each target ISA
// interprets only the kinds its own LowerOp emits.
type FixupKind uint8

const (
	// FixupBranch26 is an arm64 unconditional B's 26-bit word-granular
	// immediate (bits [25:0] of the instruction word).
	FixupBranch26 FixupKind = iota
	// FixupCondBranch19 is an arm64 B.cond's 19-bit word-granular immediate
	// (bits [23:5]).
	FixupCondBranch19
	// FixupRel32 is an amd64 near jump/jcc's 32-bit byte displacement,
	// relative to the end of the 4-byte immediate itself.
	FixupRel32
)

// fixup is one not-yet-resolved branch: Offset is the byte position in
// CodeBuffer.Code where the encoded instruction (or its trailing
// displacement field) begins.
type fixup struct {
	Offset int
	Target ir.NodeID
	Kind   FixupKind
}

// CodeBuffer accumulates one compiled region's host machine code plus the
// block-offset table and pending branch fixups a Machine needs to link
// intra-region jumps without knowing every block's final address up front.
type CodeBuffer struct {
	Code []byte

	// BlockOffsets maps a code block's NodeID (ir.Block.ID, the same value
	// carried in OpJump/OpCondJump's Target/TargetElse) to its byte offset
	// in Code, filled in as Compiler.CompileAllocated visits blocks in
	// their graph order.
	BlockOffsets map[ir.NodeID]int

	fixups []fixup
}

// NewCodeBuffer returns an empty CodeBuffer.
func NewCodeBuffer() *CodeBuffer {
	return &CodeBuffer{BlockOffsets: map[ir.NodeID]int{}}
}

// Offset is the byte position the next Emit call will write to.
func (b *CodeBuffer) Offset() int { return len(b.Code) }

// Emit8 appends one byte.
func (b *CodeBuffer) Emit8(v uint8) { b.Code = append(b.Code, v) }

// Emit32 appends a 32-bit instruction word (arm64: always little-endian;
// amd64: used for immediates/displacements embedded in an instruction).
func (b *CodeBuffer) Emit32(v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	b.Code = append(b.Code, tmp[:]...)
}

// Emit64 appends a 64-bit little-endian immediate.
func (b *CodeBuffer) Emit64(v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	b.Code = append(b.Code, tmp[:]...)
}

// EmitBytes appends raw bytes, e.g. a multi-byte amd64 opcode+ModRM sequence
// built up by the caller before appending.
func (b *CodeBuffer) EmitBytes(bs ...byte) { b.Code = append(b.Code, bs...) }

// MarkBlock records the current offset as the entry point of block id.
func (b *CodeBuffer) MarkBlock(id ir.NodeID) { b.BlockOffsets[id] = len(b.Code) }

// AddFixup records a pending branch at the current offset, to be patched by
// applyFixups once every block in the region has been emitted.
func (b *CodeBuffer) AddFixup(target ir.NodeID, kind FixupKind) {
	b.fixups = append(b.fixups, fixup{Offset: len(b.Code), Target: target, Kind: kind})
}

// applyFixups resolves every pending branch against the now-complete
// BlockOffsets table. A fixup whose target never appears (a branch to a
// block outside this compiled region, e.g. an indirect exit) is left to the
// runtime's ExitFunctionLinker instead of being patched here.
func (b *CodeBuffer) applyFixups(m Machine) {
	for _, fx := range b.fixups {
		target, ok := b.BlockOffsets[fx.Target]
		if !ok {
			continue
		}
		m.PatchBranch(b, fx.Kind, fx.Offset, target-fx.Offset)
	}
}
