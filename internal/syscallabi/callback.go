package syscallabi

import (
	"context"

	"github.com/crosscore-rt/crosscore/internal/runtime"
)

// HandleCallback re-enters the JIT at rip on behalf of a thunked native
// library invoking a guest function pointer. This is the same re-entry
// operation internal/runtime already performs for any other nested JIT
// invocation (runtime.Dispatcher.HandleCallback); syscallabi does not
// duplicate that control transfer, it just gives thunk.go's ThunkHandler
// implementations a package-local name for it alongside HandleSyscall.
func HandleCallback(ctx context.Context, d *runtime.Dispatcher, t *runtime.Thread, rip uint64) runtime.ExitReason {
	return d.HandleCallback(ctx, t, rip)
}
