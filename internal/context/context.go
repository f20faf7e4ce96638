// Package context implements the engine's external interface surface: the
// single entry point a host embedder (a loader, a CLI harness, a test)
// uses to stand up the engine, run guest threads, and service the
// callbacks JIT-compiled code needs from the host (compilation,
// invalidation, syscalls, signals, thunks). Every lower package this
// module is built from (decode, dispatch, ir/pass, backend, blockcache,
// runtime, syscallabi, config, ir/aot) is wired together here; nothing
// above this package.
package context

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/crosscore-rt/crosscore/internal/backend"
	"github.com/crosscore-rt/crosscore/internal/backend/isa/amd64"
	"github.com/crosscore-rt/crosscore/internal/backend/isa/arm64"
	"github.com/crosscore-rt/crosscore/internal/blockcache"
	"github.com/crosscore-rt/crosscore/internal/config"
	"github.com/crosscore-rt/crosscore/internal/cpu"
	"github.com/crosscore-rt/crosscore/internal/decode"
	"github.com/crosscore-rt/crosscore/internal/pool"
	"github.com/crosscore-rt/crosscore/internal/runtime"
	"github.com/crosscore-rt/crosscore/internal/syscallabi"
)

// ExitReason re-exports internal/runtime's exit-reason enum under spec
// §6's own name for it, so callers of this package never need to import
// internal/runtime directly.
type ExitReason = runtime.ExitReason

const (
	ExitNone         = runtime.ExitNone
	ExitWaiting      = runtime.ExitWaiting
	ExitAsyncRun     = runtime.ExitAsyncRun
	ExitShutdown     = runtime.ExitShutdown
	ExitDebug        = runtime.ExitDebug
	ExitUnknownError = runtime.ExitUnknownError
)

// Thread re-exports internal/runtime.Thread; InitCore returns one of
// these and most of the delegation methods below take one.
type Thread = runtime.Thread

// Context is the process-wide engine state shared by every guest thread
// it owns. One Context corresponds to one emulated guest process.
type Context struct {
	Config *config.Options
	log    *zap.Logger

	pool    *pool.Pool
	machine backend.Machine

	mem        decode.ReadGuestMemory
	execAlloc  ExecAllocator
	dispatcher *runtime.Dispatcher

	mu      sync.Mutex
	threads []*Thread

	codeMu sync.Mutex
	code   map[uint64][]byte // guestStart -> compiled code, for WriteAOTCache

	syscalls  *syscallabi.Table
	delegator SignalDelegator
}

// Option configures a Context at construction time.
type Option func(*Context)

// WithLogger overrides the default no-op zap.Logger.
func WithLogger(log *zap.Logger) Option { return func(c *Context) { c.log = log } }

// WithGuestMemory supplies the guest address space CompileRIP decodes
// from. Required before InitializeContext for any real (non-AOT-only) use.
func WithGuestMemory(mem decode.ReadGuestMemory) Option {
	return func(c *Context) { c.mem = mem }
}

// WithExecAllocator overrides the default host-mmap-backed ExecAllocator,
// e.g. to substitute a test double that never actually maps memory.
func WithExecAllocator(a ExecAllocator) Option {
	return func(c *Context) { c.execAlloc = a }
}

// CreateNewContext allocates a fresh engine context from cfg, selecting
// the backend.Machine named by cfg.BackendISA() (and, for arm64, its
// ParanoidTSO setting). The IR pool is created with pool.New()'s defaults;
// no other tunable of cfg is read here. InitializeContext below is the
// separate finalize-tables step.
func CreateNewContext(cfg *config.Options, opts ...Option) (*Context, error) {
	c := &Context{
		Config:    cfg,
		log:       zap.NewNop(),
		pool:      pool.New(),
		syscalls:  syscallabi.NewTable(),
		execAlloc: MmapExec,
		code:      map[uint64][]byte{},
	}
	for _, o := range opts {
		o(c)
	}

	switch cfg.BackendISA() {
	case "amd64":
		c.machine = amd64.New()
	case "arm64", "":
		m := arm64.New()
		m.ParanoidTSO = cfg.ParanoidTSO()
		c.machine = m
	default:
		return nil, errors.Errorf("context: unknown backend ISA %q", cfg.BackendISA())
	}
	return c, nil
}

// InitializeContext finalizes the context after config registration. The
// dispatcher's Entry/Compile hooks are wired here rather than in
// CreateNewContext, since Compile closes over c itself (CompileRIP needs
// the now-fully-configured Context to decode and compile from).
func (c *Context) InitializeContext(entry runtime.EntryFunc) {
	c.dispatcher = runtime.NewDispatcher(entry, c.compileForDispatcher, c.log)
}

// compileForDispatcher adapts CompileRIP to runtime.CompileFunc's
// signature (no explicit max-instruction override; it uses the
// config-provided default).
func (c *Context) compileForDispatcher(t *Thread, rip uint64) (*blockcache.Entry, error) {
	return c.CompileRIP(t, rip)
}

// InitCore allocates a new guest thread, seeds its entry RIP and stack
// pointer, and registers it with the context so
// RunUntilExit/InvalidateGuestCodeRange reach it.
//
// Each thread gets its own blockcache.Cache: L1 must be thread-private
// (unsynchronized, only the owning thread ever touches it) with only L2
// shared across threads of the same guest process. Because
// blockcache.Cache currently bundles both levels behind one constructor
// with no shared-L2 variant, this gives every thread a fully independent
// cache rather than a half-shared one. L1 privacy is preserved;
// cross-thread L2 sharing, a pure performance optimization (a thread that
// misses its own L2 simply recompiles), is not yet implemented. See
// DESIGN.md.
func (c *Context) InitCore(initialRIP, stackPtr uint64) *Thread {
	c.mu.Lock()
	id := int32(len(c.threads)) + 1
	c.mu.Unlock()

	t := runtime.NewThread(id, blockcache.New(c.log))
	t.Frame.State.RIP = initialRIP
	t.Frame.State.GRegs[regRSP] = stackPtr

	c.mu.Lock()
	c.threads = append(c.threads, t)
	c.mu.Unlock()
	return t
}

const regRSP = 4

// RunUntilExit starts every registered thread's dispatcher loop and
// blocks until the first (main) thread exits, per
// internal/runtime.Dispatcher.RunUntilExit.
func (c *Context) RunUntilExit(ctx context.Context) (ExitReason, error) {
	c.mu.Lock()
	threads := append([]*Thread(nil), c.threads...)
	c.mu.Unlock()
	return c.dispatcher.RunUntilExit(ctx, threads)
}

// GetCPUState reads t's guest CPU state into out.
func (c *Context) GetCPUState(t *Thread, out *cpu.State) {
	runtime.StoreThreadState(t.Frame, out)
}

// SetCPUState overwrites t's guest CPU state with saved.
func (c *Context) SetCPUState(t *Thread, saved *cpu.State) {
	runtime.RestoreThreadState(t.Frame, saved)
}

// HandleCallback re-enters the JIT at rip on behalf of native code
// invoking a guest function pointer.
func (c *Context) HandleCallback(ctx context.Context, t *Thread, rip uint64) ExitReason {
	return c.dispatcher.HandleCallback(ctx, t, rip)
}
