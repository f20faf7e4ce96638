package context

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/crosscore-rt/crosscore/internal/blockcache"
	"github.com/crosscore-rt/crosscore/internal/config"
	"github.com/crosscore-rt/crosscore/internal/cpu"
	"github.com/crosscore-rt/crosscore/internal/decode"
	"github.com/crosscore-rt/crosscore/internal/ir/aot"
	"github.com/crosscore-rt/crosscore/internal/syscallabi"
)

func newTestContext(t *testing.T) *Context {
	t.Helper()
	c, err := CreateNewContext(config.New(), WithExecAllocator(fakeExecAlloc))
	require.NoError(t, err)
	return c
}

// fakeExecAlloc stands in for MmapExec in tests that don't need real
// executable memory, avoiding a real mmap/mprotect syscall per test.
func fakeExecAlloc(code []byte) (uintptr, error) {
	if len(code) == 0 {
		return 0, errExecEmpty
	}
	return uintptr(len(code)) + 0x10000, nil
}

var errExecEmpty = errors.New("fakeExecAlloc: empty code")

func TestCreateNewContextRejectsUnknownISA(t *testing.T) {
	cfg := config.New()
	cfg.Set("backend.isa", "mips")
	_, err := CreateNewContext(cfg)
	require.Error(t, err)
}

func TestInitCoreSeedsRIPAndStackPointer(t *testing.T) {
	c := newTestContext(t)
	th := c.InitCore(0x401000, 0x7ffe0000)
	require.Equal(t, uint64(0x401000), th.Frame.State.RIP)
	require.Equal(t, uint64(0x7ffe0000), th.Frame.State.GRegs[regRSP])
}

func TestGetCPUStateSetCPUStateRoundTrip(t *testing.T) {
	c := newTestContext(t)
	th := c.InitCore(0x1000, 0)
	th.Frame.State.GRegs[0] = 99

	var saved cpu.State
	c.GetCPUState(th, &saved)
	th.Frame.State.GRegs[0] = 0

	c.SetCPUState(th, &saved)
	require.Equal(t, uint64(99), th.Frame.State.GRegs[0])
}

func TestInvalidateGuestCodeRangeInvokesCallbackPerEntry(t *testing.T) {
	c := newTestContext(t)
	th := c.InitCore(0x1000, 0)
	th.Cache.Insert(&blockcache.Entry{GuestStart: 0x1000, GuestEnd: 0x1010})
	th.Cache.Insert(&blockcache.Entry{GuestStart: 0x2000, GuestEnd: 0x2010})

	var seen []uint64
	c.InvalidateGuestCodeRange(th, 0x1000, 0x20, func(e *blockcache.Entry) {
		seen = append(seen, e.GuestStart)
	})
	require.Equal(t, []uint64{0x1000}, seen)
	_, err := th.Cache.Lookup(0x1000)
	require.ErrorIs(t, err, blockcache.ErrNoEntry)
}

type fakeDelegator struct {
	sigaltstackCalled bool
	registeredSig     int32
}

func (f *fakeDelegator) Sigaltstack(ss []byte) error {
	f.sigaltstackCalled = true
	return nil
}

func (f *fakeDelegator) RTSigaction(sig int32, handlerRIP uint64) error {
	f.registeredSig = sig
	return nil
}

func TestSignalDelegationRequiresRegisteredDelegator(t *testing.T) {
	c := newTestContext(t)
	require.Error(t, c.Sigaltstack(nil))
	require.Error(t, c.RTSigaction(11, 0x500000))
}

func TestSignalDelegationForwardsToRegisteredDelegator(t *testing.T) {
	c := newTestContext(t)
	fd := &fakeDelegator{}
	c.SetSignalDelegator(fd)

	require.NoError(t, c.Sigaltstack([]byte{1, 2, 3}))
	require.True(t, fd.sigaltstackCalled)

	require.NoError(t, c.RTSigaction(11, 0x500000))
	require.Equal(t, int32(11), fd.registeredSig)
}

func TestSetSyscallHandlerAndHandleSyscall(t *testing.T) {
	c := newTestContext(t)
	th := c.InitCore(0x1000, 0)

	c.SetSyscallHandler(999000, func(frame *cpu.Frame, args syscallabi.Args) int64 {
		return int64(args.A0) + 1
	})
	th.Frame.State.GRegs[regRAXForTest] = 999000
	th.Frame.State.GRegs[regRDIForTest] = 41

	require.Equal(t, int64(42), c.HandleSyscall(th))
}

const (
	regRAXForTest = 0
	regRDIForTest = 7
)

func TestAppendThunkDefinitionsAndHandleThunk(t *testing.T) {
	c := newTestContext(t)
	th := c.InitCore(0x1000, 0)

	hash := [32]byte{0xaa}
	var gotPtr uint64
	c.AppendThunkDefinitions([]ThunkDefinition{{
		Hash: hash,
		Handler: func(frame *cpu.Frame, argPtr uint64) {
			gotPtr = argPtr
		},
	}})

	require.NoError(t, c.HandleThunk(th, hash, 0xdead))
	require.Equal(t, uint64(0xdead), gotPtr)
}

func TestCompileRIPProducesExecutableEntryForMovAndReturn(t *testing.T) {
	code := []byte{
		0xC7, 0xC0, 0x01, 0x00, 0x00, 0x00, // mov eax, 1
		0xC3, // ret
	}
	mem := decode.SliceMemory{Base: 0x1000, Code: code}
	c, err := CreateNewContext(config.New(), WithGuestMemory(mem), WithExecAllocator(fakeExecAlloc))
	require.NoError(t, err)
	th := c.InitCore(0x1000, 0)

	entry, err := c.CompileRIP(th, 0x1000)
	require.NoError(t, err)
	require.Equal(t, uint64(0x1000), entry.GuestStart)
	require.Equal(t, uint64(0x1007), entry.GuestEnd)
	require.NotZero(t, entry.HostCode)
}

func TestWriteAOTCacheThenLoadAOTCacheRoundTrips(t *testing.T) {
	code := []byte{
		0xC7, 0xC0, 0x01, 0x00, 0x00, 0x00, // mov eax, 1
		0xC3, // ret
	}
	mem := decode.SliceMemory{Base: 0x1000, Code: code}
	c, err := CreateNewContext(config.New(), WithGuestMemory(mem), WithExecAllocator(fakeExecAlloc))
	require.NoError(t, err)
	th := c.InitCore(0x1000, 0)

	entry, err := c.CompileRIP(th, 0x1000)
	require.NoError(t, err)
	th.Cache.Insert(entry)

	hash := aot.ContentHash(code)
	var buf bytes.Buffer
	require.NoError(t, c.WriteAOTCache(&buf, hash, th))

	c2, err := CreateNewContext(config.New(), WithExecAllocator(fakeExecAlloc))
	require.NoError(t, err)
	th2 := c2.InitCore(0x1000, 0)
	require.NoError(t, c2.LoadAOTCache(&buf, hash, th2, aot.Load))

	loaded, err := th2.Cache.Lookup(0x1000)
	require.NoError(t, err)
	require.Equal(t, entry.GuestEnd, loaded.GuestEnd)
	require.Equal(t, entry.CodeHash, loaded.CodeHash)
}
