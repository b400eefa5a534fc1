// Package sandbox is the facade spec.md's guest-visible surface sits
// behind: construct one with NewConfig/options, Run shell command lines
// against it, read/write its virtual filesystem, and export/import its
// state as a portable blob.
package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tetratelabs/wazero"

	"github.com/llmsandbox/wasmsh/internal/errs"
	"github.com/llmsandbox/wasmsh/internal/hostabi"
	"github.com/llmsandbox/wasmsh/internal/kernel"
	"github.com/llmsandbox/wasmsh/internal/netbridge"
	"github.com/llmsandbox/wasmsh/internal/shell"
	"github.com/llmsandbox/wasmsh/internal/state"
	"github.com/llmsandbox/wasmsh/internal/vfs"
	"github.com/llmsandbox/wasmsh/internal/vfs/provider"
)

// defaultSession is the session name Run uses when the caller doesn't
// need more than one concurrent shell line of history.
const defaultSession = "default"

// defaultDirs is the layout spec.md §4.2 assumes exists: a home
// directory commands run from, /tmp for scratch files, and the package
// install roots state blobs are allowed to touch.
var defaultDirs = []string{"/home", "/tmp", "/usr/local/packages", "/usr/lib/python"}

// Sandbox is one isolated wasm/WASI execution environment.
type Sandbox struct {
	cfg    *Config
	log    *logrus.Entry
	vfs    *vfs.VFS
	kernel *kernel.Kernel
	driver *shell.Driver
	runner *wasmRunner
	runtime wazero.Runtime
	tools  *hostabi.ToolRegistry
	bridge *netbridge.Bridge

	mu        sync.Mutex
	destroyed bool
}

// New constructs a Sandbox and bootstraps its default directory layout
// and mounts. It loads no wasm: the tool registry starts empty, and a
// program becomes spawnable only through RegisterModule.
func New(ctx context.Context, opts ...Option) (*Sandbox, error) {
	cfg := NewConfig(opts...)
	log := logrus.NewEntry(cfg.Logger)

	v := vfs.New(cfg.FsLimitBytes, cfg.EntryLimit, defaultDirs, nil)
	for _, dir := range defaultDirs {
		if err := v.MkdirAll(dir, 0o755); err != nil {
			return nil, wrap(err, "bootstrap layout")
		}
	}
	if err := mountProviders(v, cfg); err != nil {
		return nil, wrap(err, "mount providers")
	}

	k := kernel.New(log)
	tools := hostabi.NewToolRegistry()
	bridge := netbridge.New(cfg.NetworkPolicy, 0)

	runtimeCfg := wazero.NewRuntimeConfig()
	if cfg.CompilationCache != nil {
		runtimeCfg = runtimeCfg.WithCompilationCache(cfg.CompilationCache)
	}
	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)

	runner := newWasmRunner(runtime, v, k, cfg.Platform, bridge, tools, classifyGuestKind(cfg))
	driver := shell.NewDriver(k, v, tools, runner)
	driver.CommandTimeout = time.Duration(cfg.TimeoutMs) * time.Millisecond

	sb := &Sandbox{
		cfg:     cfg,
		log:     log,
		vfs:     v,
		kernel:  k,
		driver:  driver,
		runner:  runner,
		runtime: runtime,
		tools:   tools,
		bridge:  bridge,
	}

	log.Info("sandbox created")
	return sb, nil
}

// classifyGuestKind returns the function wasmRunner uses to pick a
// capability subset per program: the configured shell wasm path and the
// names "sh" and "shell" get the shell capability set, "python" and
// "python3" get the python set, and everything else defaults to
// coreutil. The match is by program name only.
func classifyGuestKind(cfg *Config) guestKindFunc {
	return func(prog string) string {
		switch prog {
		case cfg.ShellWasmPath, "sh", "shell":
			return "shell"
		case "python", "python3":
			return "python"
		default:
			return "coreutil"
		}
	}
}

// mountProviders wires up the synthetic subtrees spec.md §3/§4.8
// describes: a fixed device set at /dev, process-info text files at
// /proc, and, only when the caller opted in via WithHostMount, a
// path-traversal-checked window onto a real host directory — the one
// sanctioned way a guest ever touches the host filesystem
// (SPEC_FULL.md §D).
func mountProviders(v *vfs.VFS, cfg *Config) error {
	if err := v.Mount("/dev", provider.NewDeviceProvider()); err != nil {
		return err
	}
	memInfo := func() string {
		u := v.Usage()
		return fmt.Sprintf("MemTotal: %d kB\n", cfg.FsLimitBytes/1024-u.UsedBytes/1024)
	}
	proc := provider.NewProcInfoProvider("wasmsh 1.0", cfg.Platform.Monotonic, memInfo)
	if err := v.Mount("/proc", proc); err != nil {
		return err
	}
	if cfg.HostMount != nil {
		host := provider.NewHostFSProvider(cfg.HostMount.Root, cfg.HostMount.ReadOnly)
		if err := v.Mount(cfg.HostMount.Prefix, host); err != nil {
			return err
		}
	}
	return nil
}

// RegisterModule exposes prog (compiled wasm bytes) to spawn and
// has_tool, for callers that load packages dynamically rather than at
// construction time.
func (s *Sandbox) RegisterModule(prog string, wasmBytes []byte) {
	s.runner.registerModule(prog, wasmBytes)
}

// Run executes one shell command line against the sandbox's default
// session.
func (s *Sandbox) Run(ctx context.Context, commandText string) (RunResult, error) {
	if err := s.checkAlive(); err != nil {
		return RunResult{}, err
	}
	res, err := s.driver.Run(ctx, defaultSession, commandText)
	if err != nil {
		switch errs.KindOf(err) {
		case errs.TIMEOUT:
			return RunResult{ExitCode: 124, Stderr: "command timed out\n"}, nil
		case errs.CANCELLED:
			return RunResult{ExitCode: 130, Stderr: "command cancelled\n"}, nil
		}
		return RunResult{}, wrap(err, "run")
	}
	return fromShellResult(res), nil
}

// Usage reports current quota consumption.
func (s *Sandbox) Usage() Usage {
	u := s.vfs.Usage()
	return Usage{UsedBytes: u.UsedBytes, UsedEntries: u.UsedEntries, FsLimitBytes: u.FsLimit, EntryLimit: u.EntryLimit}
}

// ExportState snapshots the VFS and default session's environment into a
// portable blob (spec.md §4.9).
func (s *Sandbox) ExportState() ([]byte, error) {
	if err := s.checkAlive(); err != nil {
		return nil, err
	}
	blob, err := state.Export(s.vfs, s.driver.Session(defaultSession).Env)
	if err != nil {
		return nil, wrap(err, "export state")
	}
	s.log.Info("state exported")
	return blob, nil
}

// ImportState applies a previously exported blob, restoring filesystem
// content under safe prefixes and the exported environment.
func (s *Sandbox) ImportState(blob []byte) error {
	if err := s.checkAlive(); err != nil {
		return err
	}
	env, err := state.Import(s.vfs, blob)
	if err != nil {
		return wrap(err, "import state")
	}
	sess := s.driver.Session(defaultSession)
	for k, v := range env {
		sess.Env[k] = v
	}
	s.log.Info("state imported")
	return nil
}

// Destroy releases the kernel's pipes/processes and the wazero runtime.
// After it, Run, the filesystem calls, SetEnv, ExportState and
// ImportState fail with ErrDestroyed; GetEnv, Usage and RegisterModule
// do not check, and a repeated Destroy returns nil.
func (s *Sandbox) Destroy(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return nil
	}
	s.destroyed = true
	s.kernel.Dispose()
	err := s.runtime.Close(ctx)
	s.log.Info("sandbox destroyed")
	return wrap(err, "destroy")
}

func (s *Sandbox) checkAlive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return errs.Newf(errs.DESTROYED, "sandbox already destroyed")
	}
	return nil
}
