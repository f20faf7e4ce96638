// Package cpu defines the guest CPU state record and its owning per-thread
// frame. The field layout and the offset-stability invariant it upholds are
// load-bearing: every field referenced from JIT-generated code keeps the
// same offset for the life of a host process, and fields that are loaded
// together by a single paired load/store (GPRs, the PF/AF raw inputs) are
// kept within immediate-offset range of one another. Neither State nor
// Frame carries a block-cache L1 pointer/mask; the L1 table lives in
// internal/blockcache. See offsets.go for the generated-code-facing
// offset table.
package cpu

// NumGPRs is the number of architectural x86-64 general-purpose registers.
const NumGPRs = 16

// RegPFRaw/RegAFRaw extend the GPR numbering with the two synthetic
// registers (indices 16 and 17) holding the raw inputs PF and AF are
// lazily derived from. IR-level register loads/stores address all 18
// through one index space so the backend needs a single offset lookup.
const (
	RegPFRaw    = 16
	RegAFRaw    = 17
	NumArchRegs = 18
)

// NumVectorRegs is the number of AVX-class vector registers modeled.
const NumVectorRegs = 16

// Vector256 is a 256-bit (AVX) vector register. On hosts with only 128-bit
// SIMD, only the low 16 bytes are used and the upper half is zeroed; the
// backend is responsible for honoring that fallback layout on stores.
type Vector256 [32]byte

// Low128 returns the low 128 bits, the portion relevant on SSE-only hosts.
func (v *Vector256) Low128() []byte { return v[:16] }

// SegmentRegister is a segment selector paired with its cached base, so
// that address computation never needs to walk the descriptor tables on
// the common path.
type SegmentRegister struct {
	Selector uint16
	_        [6]byte // padding to keep Base 8-byte aligned
	Base     uint64
}

// Descriptor is one GDT/LDT entry, a bitfield of base/limit/attributes.
// Only the fields the translator needs to compute effective addresses and
// enforce segment limits are materialized; the rest of the architectural
// descriptor is opaque to this engine.
type Descriptor struct {
	Base       uint64
	Limit      uint32
	Attributes uint16
	Present    bool
}

// DescriptorTable is a process-wide GDT or LDT.
type DescriptorTable struct {
	Entries []Descriptor
}

// Flag identifies one architectural eflags bit. Each flag gets a dedicated
// byte slot in State.Flags rather than being packed into a single word:
// this lets flag-defining IR ops write only the flags they define without
// a read-modify-write of a shared register, and lets flag-consuming ops
// read exactly the byte they need.
type Flag uint8

const (
	FlagCF Flag = iota
	FlagPF
	FlagAF
	FlagZF
	FlagSF
	FlagTF
	FlagIF
	FlagDF
	FlagOF
	flagCount
)

// X87State holds the legacy x87/MMX state. FTW is stored in the abridged
// (8-bit) form rather than the full 16-bit architectural tag word; the
// full tag word is reconstructed from the abridged form and FSW.TOP only
// when an instruction that architecturally requires it (e.g. FSTENV) is
// executed.
type X87State struct {
	FCW uint16
	FSW uint16
	FTW uint8
	_   [5]byte
	MM  [8][16]byte // 128-bit slots overlapping the low 80 bits of the FPU stack.
}

// State is the fixed-layout guest CPU state record. Hot fields (GPRs, RIP,
// the lazy-flag raw inputs) are placed first so they land in the first
// cacheline of CpuStateFrame.
type State struct {
	// GRegs holds the 16 architectural GPRs (RAX..R15).
	GRegs [NumGPRs]uint64
	RIP   uint64

	// PFRaw/AFRaw are the synthetic registers (architectural indices 16/17)
	// holding the raw inputs PF and AF are lazily derived from:
	//   PF = popcount(PFRaw ^ 1) & 1      (PFRaw holds the low byte of the result)
	//   AF = bit4((AFRaw) ^ result)        (AFRaw holds src1 ^ src2)
	// Kept adjacent to GRegs/RIP so the common flag-materialization path is
	// a single load-pair away from the GPR file.
	PFRaw uint64
	AFRaw uint64

	// NZCV holds the host condition-code bits in host form, valid only when
	// FlagsValid is true; CF is tracked separately below because x86 and
	// ARM64 disagree on subtraction-carry polarity.
	NZCV       uint8
	CFInverted bool
	FlagsValid bool
	_          [5]byte

	Flags [flagCount]byte

	Vectors [NumVectorRegs]Vector256

	CS, DS, ES, FS, GS, SS SegmentRegister

	GDT *DescriptorTable
	LDT *DescriptorTable

	X87    X87State
	MXCSR  uint32
	_      [4]byte

	// DeferredSignalRefCount is the guest-visible, non-atomic refcount used
	// to defer signal delivery across critical sections that run on behalf
	// of the guest (as opposed to CpuStateFrame.DeferredSignalRefCount,
	// which guards the host-side dispatcher's own critical sections and is
	// atomic because it may be touched from a signal handler).
	DeferredSignalRefCount int32
}

// FlagByte returns a pointer to the byte slot backing f, for use by backend
// lowering that needs the address rather than the value.
func (s *State) FlagByte(f Flag) *byte { return &s.Flags[f] }
