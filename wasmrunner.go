package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/sys"
	"golang.org/x/sync/semaphore"

	"github.com/llmsandbox/wasmsh/internal/fdtable"
	"github.com/llmsandbox/wasmsh/internal/hostabi"
	"github.com/llmsandbox/wasmsh/internal/kernel"
	"github.com/llmsandbox/wasmsh/internal/netbridge"
	"github.com/llmsandbox/wasmsh/internal/platform"
	"github.com/llmsandbox/wasmsh/internal/vfs"
	"github.com/llmsandbox/wasmsh/internal/wasihost"
)

// guestKindFunc classifies a program name into a guest kind so the
// right capability subset (hostabi.CapabilityMatrix) applies to it.
type guestKindFunc func(prog string) string

// wasmRunner implements shell.Runner by compiling and instantiating a
// guest wasm module per spawn, with wasi_snapshot_preview1 and the
// capability-scoped "env" module built fresh per run and torn down
// after. SPEC_FULL.md §D's "no true parallelism between guests" is
// enforced here with a single-weight semaphore: only one guest ever
// executes at a time regardless of how many kernel processes exist,
// matching rclone's pattern of guarding shared engine
// state with `golang.org/x/sync/semaphore`.
type wasmRunner struct {
	runtime wazero.Runtime
	vfs     *vfs.VFS
	kernel  *kernel.Kernel
	clock   platform.Adapter
	bridge  *netbridge.Bridge
	tools   *hostabi.ToolRegistry
	guestKind guestKindFunc

	mu      sync.Mutex
	modules map[string][]byte // prog name -> raw wasm bytes
	token   *semaphore.Weighted
}

func newWasmRunner(r wazero.Runtime, v *vfs.VFS, k *kernel.Kernel, clock platform.Adapter, bridge *netbridge.Bridge, tools *hostabi.ToolRegistry, kindOf guestKindFunc) *wasmRunner {
	return &wasmRunner{
		runtime:   r,
		vfs:       v,
		kernel:    k,
		clock:     clock,
		bridge:    bridge,
		tools:     tools,
		guestKind: kindOf,
		modules:   map[string][]byte{},
		token:     semaphore.NewWeighted(1),
	}
}

// registerModule makes prog's wasm bytes available to spawn and
// registers prog as a tool. Sandbox.RegisterModule is its only caller.
func (r *wasmRunner) registerModule(prog string, wasmBytes []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modules[prog] = wasmBytes
	r.tools.Register(prog)
}

func (r *wasmRunner) lookup(prog string) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.modules[prog]
	return b, ok
}

// Run implements shell.Runner. It acquires the sandbox-wide cooperative
// token, compiles (or reuses the compilation cache for) prog, builds a
// fresh WASI and capability-scoped host module bound to this pid's fd
// table, instantiates the guest, and maps its outcome to a POSIX-shaped
// exit code.
func (r *wasmRunner) Run(ctx context.Context, pid uint64, prog string, args, env []string, cwd string, table *fdtable.Table) int {
	if err := r.token.Acquire(ctx, 1); err != nil {
		return 126
	}
	defer r.token.Release(1)

	wasmBytes, ok := r.lookup(prog)
	if !ok {
		return 127
	}
	compiled, err := r.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return 126
	}
	defer compiled.Close(ctx)

	kind := "coreutil"
	if r.guestKind != nil {
		kind = r.guestKind(prog)
	}

	wasiHostState := &wasihost.Host{Table: table, VFS: r.vfs, Clock: r.clock, Args: append([]string{prog}, args[1:]...), Env: env}
	wasiMod, err := wasihost.Build(ctx, r.runtime, wasiHostState)
	if err != nil {
		return 126
	}
	defer wasiMod.Close(ctx)

	abiHostState := &hostabi.Host{
		GuestKind: kind,
		Caps:      hostabi.CapabilityMatrix[kind],
		Kernel:    r.kernel,
		Pid:       pid,
		Table:     table,
		VFS:       r.vfs,
		Clock:     r.clock,
		Tools:     r.tools,
		Spawner:   r.spawnerFor(),
		Bridge:    r.bridge,
		Deadline:  &hostabi.Deadline{},
	}
	abiMod, err := hostabi.Build(ctx, r.runtime, abiHostState)
	if err != nil {
		return 126
	}
	defer abiMod.Close(ctx)

	modCfg := wazero.NewModuleConfig().WithName(fmt.Sprintf("%s-%d", prog, pid))
	guest, err := r.runtime.InstantiateModule(ctx, compiled, modCfg)
	if err != nil {
		var exitErr *sys.ExitError
		if errors.As(err, &exitErr) {
			return int(exitErr.ExitCode())
		}
		return 126
	}
	defer guest.Close(ctx)

	if wasiHostState.ExitCalled {
		return int(wasiHostState.ExitCode)
	}
	return 0
}

// spawnerFor lets a guest's own spawn host call recurse through the same
// runner, so a coreutil can itself spawn another coreutil (a shell
// calling `sort` calling nothing further, but the mechanism composes).
func (r *wasmRunner) spawnerFor() hostabi.Spawner {
	return spawnerAdapter{kernel: r.kernel, runner: r}
}

// spawnerAdapter bridges hostabi.Spawner's ctx-bearing Spawn call to
// kernel.RegisterProcess's goroutine launch, closing over ctx rather
// than the context.Background() RegisterProcess's own closure runs
// under, so a guest's spawned child still observes the parent command's
// deadline (spec.md §5's suspension points compose across spawn depth).
type spawnerAdapter struct {
	kernel *kernel.Kernel
	runner *wasmRunner
}

func (s spawnerAdapter) Spawn(ctx context.Context, pid uint64, prog string, args, env []string, cwd string, table *fdtable.Table) error {
	s.kernel.RegisterProcess(pid, func(context.Context) int {
		return s.runner.Run(ctx, pid, prog, args, env, cwd, table)
	})
	return nil
}
