package cpu

import "unsafe"

// Offset is a byte offset of a field reachable from generated code: a
// named, U32-able integer rather than a bare int, so call sites can't
// accidentally mix an offset with an unrelated count.
type Offset int32

// U32 encodes an Offset as uint32 for embedding into generated code as an
// immediate.
func (o Offset) U32() uint32 { return uint32(o) }

// FrameOffsets is the fixed table of field offsets the backend embeds into
// generated loads/stores against the STATE register. It is computed once
// via unsafe.Offsetof (rather than hand-maintained constants) so that it
// can never drift from the actual Frame/State layout.
type FrameOffsets struct {
	GRegs0   Offset
	RIP      Offset
	PFRaw    Offset
	AFRaw    Offset
	Flags0   Offset
	Vectors0 Offset

	ReturningStackLocation Offset
	InSyscall              Offset
	DeferredSignalRefCount Offset
	FaultSignalNumber      Offset
	FaultErrorCode         Offset

	JITPointersPrintHelper       Offset
	JITPointersCPUIDHelper       Offset
	JITPointersSyscallDispatcher Offset
	JITPointersExitFunctionLinker Offset
	JITPointersThunkHandler      Offset
}

// GRegOffset returns the frame-relative offset of architectural register
// idx, covering both the 16 GPRs and the two synthetic raw-flag registers
// (RegPFRaw/RegAFRaw) under the same index space.
func (f *FrameOffsets) GRegOffset(idx uint8) Offset {
	switch idx {
	case RegPFRaw:
		return f.PFRaw
	case RegAFRaw:
		return f.AFRaw
	default:
		return f.GRegs0 + Offset(idx)*8
	}
}

// ComputedFrameOffsets is the singleton offset table derived from the
// current Frame layout. Backends index into it directly rather than
// recomputing Offsetof at code-generation time.
var ComputedFrameOffsets = FrameOffsets{
	GRegs0:   Offset(unsafe.Offsetof(Frame{}.State) + unsafe.Offsetof(State{}.GRegs)),
	RIP:      Offset(unsafe.Offsetof(Frame{}.State) + unsafe.Offsetof(State{}.RIP)),
	PFRaw:    Offset(unsafe.Offsetof(Frame{}.State) + unsafe.Offsetof(State{}.PFRaw)),
	AFRaw:    Offset(unsafe.Offsetof(Frame{}.State) + unsafe.Offsetof(State{}.AFRaw)),
	Flags0:   Offset(unsafe.Offsetof(Frame{}.State) + unsafe.Offsetof(State{}.Flags)),
	Vectors0: Offset(unsafe.Offsetof(Frame{}.State) + unsafe.Offsetof(State{}.Vectors)),

	ReturningStackLocation: Offset(unsafe.Offsetof(Frame{}.ReturningStackLocation)),
	InSyscall:              Offset(unsafe.Offsetof(Frame{}.InSyscall)),
	DeferredSignalRefCount: Offset(unsafe.Offsetof(Frame{}.DeferredSignalRefCount)),
	FaultSignalNumber:      Offset(unsafe.Offsetof(Frame{}.Fault) + unsafe.Offsetof(FaultInfo{}.SignalNumber)),
	FaultErrorCode:         Offset(unsafe.Offsetof(Frame{}.Fault) + unsafe.Offsetof(FaultInfo{}.ErrorCode)),

	JITPointersPrintHelper:        Offset(unsafe.Offsetof(Frame{}.JITPointers) + unsafe.Offsetof(JITPointers{}.PrintHelper)),
	JITPointersCPUIDHelper:        Offset(unsafe.Offsetof(Frame{}.JITPointers) + unsafe.Offsetof(JITPointers{}.CPUIDHelper)),
	JITPointersSyscallDispatcher:  Offset(unsafe.Offsetof(Frame{}.JITPointers) + unsafe.Offsetof(JITPointers{}.SyscallDispatcher)),
	JITPointersExitFunctionLinker: Offset(unsafe.Offsetof(Frame{}.JITPointers) + unsafe.Offsetof(JITPointers{}.ExitFunctionLinker)),
	JITPointersThunkHandler:       Offset(unsafe.Offsetof(Frame{}.JITPointers) + unsafe.Offsetof(JITPointers{}.ThunkHandler)),
}
