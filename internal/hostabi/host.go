package hostabi

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/llmsandbox/wasmsh/internal/fdtable"
	"github.com/llmsandbox/wasmsh/internal/inode"
	"github.com/llmsandbox/wasmsh/internal/kernel"
	"github.com/llmsandbox/wasmsh/internal/netbridge"
	"github.com/llmsandbox/wasmsh/internal/platform"
	"github.com/llmsandbox/wasmsh/internal/vfs"
)

// ModuleName is the import module a guest declares these calls under.
// Grounded on builder.go's own documented HostModuleBuilder example,
// which uses "env" for a guest's non-WASI host imports.
const ModuleName = "env"

// Status is the small, call-agnostic result code hostabi functions
// return. It is deliberately coarser than wasihost's WASI errno table:
// spec.md §4.6's ABI table never asks for POSIX-grade error taxonomy on
// these calls, only success/failure.
type Status = uint32

const (
	StatusOK    Status = 0
	StatusError Status = 1
)

// Extension is a host-implemented Python extension point (spec.md §4.6
// extension_invoke): opaque bytes in, opaque bytes out.
type Extension func(ctx context.Context, payload []byte) ([]byte, error)

// Spawner loads and runs a guest program as a new kernel process. It is
// the seam between hostabi's spawn call and whatever owns compiling and
// instantiating wasm modules (the shell driver / facade) — hostabi itself
// only decides whether a spawn is capability- and tool-permitted.
type Spawner interface {
	Spawn(ctx context.Context, pid uint64, prog string, args, env []string, cwd string, table *fdtable.Table) error
}

// ToolRegistry answers has_tool and gates spawn: unknown programs never
// reach a Spawner.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]bool
}

// NewToolRegistry seeds a registry with the given known program names.
func NewToolRegistry(names ...string) *ToolRegistry {
	t := &ToolRegistry{tools: make(map[string]bool, len(names))}
	for _, n := range names {
		t.tools[n] = true
	}
	return t
}

func (t *ToolRegistry) Register(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tools[name] = true
}

func (t *ToolRegistry) Has(name string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.tools[name]
}

// Deadline is the per-command cooperative cancellation point spec.md
// §4.7 calls check_cancel: the shell driver arms it before running a
// command and the guest polls it between suspension points.
type Deadline struct {
	mu        sync.Mutex
	at        time.Time
	armed     bool
	cancelled bool
}

// Arm sets the absolute deadline a process must finish by.
func (d *Deadline) Arm(at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.at, d.armed, d.cancelled = at, true, false
}

// Cancel marks the process cancelled regardless of its deadline (e.g. a
// user-interrupted shell session).
func (d *Deadline) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelled = true
}

// Check returns 0 (ok), 1 (timeout) or 2 (cancelled) per spec.md §4.7.
func (d *Deadline) Check(now time.Time) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancelled {
		return 2
	}
	if d.armed && !now.Before(d.at) {
		return 1
	}
	return 0
}

// Host bundles everything one guest instance's "env" imports close over.
// One Host exists per kernel process.
type Host struct {
	GuestKind string
	Caps      Capability
	Kernel    *kernel.Kernel
	Pid       uint64
	Table     *fdtable.Table
	VFS       *vfs.VFS
	Clock     platform.Adapter
	Tools     *ToolRegistry
	Spawner   Spawner
	Bridge    *netbridge.Bridge

	Extensions map[string]Extension
	Deadline   *Deadline

	// Commands/Results back read_command/write_result, the shell-only
	// channel pair a driving REPL uses to hand the guest one line of
	// input at a time and collect its structured reply (spec.md §4.7).
	Commands <-chan []byte
	Results  chan<- []byte
}

// Build registers only the calls h.Caps entitles this guest to. A guest
// module importing a name Build did not export fails to instantiate,
// which is the enforcement mechanism for spec.md §4.6's capability
// matrix: there is no runtime permission check inside each call because
// an unpermitted call was never made available to link against.
func Build(ctx context.Context, r wazero.Runtime, h *Host) (api.Module, error) {
	b := r.NewHostModuleBuilder(ModuleName)

	if h.Caps.Has(CapProcess) {
		b.NewFunctionBuilder().WithFunc(h.pipe).Export("pipe")
		b.NewFunctionBuilder().WithFunc(h.spawn).Export("spawn")
		b.NewFunctionBuilder().WithFunc(h.waitpid).Export("waitpid")
		b.NewFunctionBuilder().WithFunc(h.closeFd).Export("close_fd")
		b.NewFunctionBuilder().WithFunc(h.hasTool).Export("has_tool")
	}
	if h.Caps.Has(CapTime) {
		b.NewFunctionBuilder().WithFunc(h.checkCancel).Export("check_cancel")
		b.NewFunctionBuilder().WithFunc(h.timeMs).Export("time_ms")
	}
	if h.Caps.Has(CapFilesystem) {
		b.NewFunctionBuilder().WithFunc(h.stat).Export("stat")
		b.NewFunctionBuilder().WithFunc(h.readFile).Export("read_file")
		b.NewFunctionBuilder().WithFunc(h.writeFile).Export("write_file")
		b.NewFunctionBuilder().WithFunc(h.readdir).Export("readdir")
		b.NewFunctionBuilder().WithFunc(h.glob).Export("glob")
	}
	if h.Caps.Has(CapNetwork) {
		b.NewFunctionBuilder().WithFunc(h.networkFetch).Export("network_fetch")
	}
	if h.Caps.Has(CapExtension) {
		b.NewFunctionBuilder().WithFunc(h.extensionInvoke).Export("extension_invoke")
	}
	if h.Caps.Has(CapShellIO) {
		b.NewFunctionBuilder().WithFunc(h.readCommand).Export("read_command")
		b.NewFunctionBuilder().WithFunc(h.writeResult).Export("write_result")
	}

	return b.Instantiate(ctx)
}

func (h *Host) pipe(ctx context.Context, mod api.Module, outReadFdPtr, outWriteFdPtr uint32) uint32 {
	r, w, err := h.Kernel.CreatePipe(h.Pid)
	if err != nil {
		return StatusError
	}
	mem := mod.Memory()
	mem.WriteUint32Le(ctx, outReadFdPtr, r)
	mem.WriteUint32Le(ctx, outWriteFdPtr, w)
	return StatusOK
}

// spawn decodes prog/args/env/cwd as (pointer, length) strings (args and
// env are NUL-joined lists), resolves a pid synchronously whether or not the
// program is actually runnable, and only calls into h.Spawner for a
// program that passes the capability and has_tool gates. A disallowed or
// unknown prog never touches a Spawner: the pid finishes immediately
// with exit code 126 (found but not permitted) or 127 (not found), so
// the guest's subsequent waitpid observes ordinary POSIX-shaped failure
// instead of a distinguished error path.
func (h *Host) spawn(
	ctx context.Context, mod api.Module,
	progPtr, progLen uint32,
	argsPtr, argsLen uint32,
	envPtr, envLen uint32,
	cwdPtr, cwdLen uint32,
	stdinFd, stdoutFd, stderrFd uint32,
	outPidPtr uint32,
) uint32 {
	mem := mod.Memory()
	prog, ok := readString(ctx, mem, progPtr, progLen)
	if !ok {
		return StatusError
	}
	args := splitNulList(readRaw(ctx, mem, argsPtr, argsLen))
	env := splitNulList(readRaw(ctx, mem, envPtr, envLen))
	cwd, _ := readString(ctx, mem, cwdPtr, cwdLen)

	table, err := h.Kernel.BuildFdTableForSpawn(h.Pid, stdinFd, stdoutFd, stderrFd)
	if err != nil {
		return StatusError
	}

	pid := h.Kernel.AllocPid()
	h.Kernel.InitProcess(pid)
	h.Kernel.SetFdTarget(pid, 0, mustGet(table, 0))
	h.Kernel.SetFdTarget(pid, 1, mustGet(table, 1))
	h.Kernel.SetFdTarget(pid, 2, mustGet(table, 2))

	if !h.Caps.Has(CapProcess) {
		h.Kernel.FinishProcess(pid, 126)
	} else if !h.Tools.Has(prog) {
		h.Kernel.FinishProcess(pid, 127)
	} else if err := h.Spawner.Spawn(ctx, pid, prog, args, env, cwd, table); err != nil {
		h.Kernel.FinishProcess(pid, 126)
	}

	mem.WriteUint64Le(ctx, outPidPtr, pid)
	return StatusOK
}

func mustGet(t *fdtable.Table, fd uint32) *fdtable.Target {
	target, _ := t.Get(fd)
	return target
}

func (h *Host) waitpid(ctx context.Context, mod api.Module, pid uint64, outExitCodePtr uint32) uint32 {
	code, err := h.Kernel.Waitpid(ctx, pid)
	if err != nil {
		return StatusError
	}
	mod.Memory().WriteUint32Le(ctx, outExitCodePtr, uint32(int32(code)))
	return StatusOK
}

func (h *Host) closeFd(ctx context.Context, mod api.Module, fd uint32) uint32 {
	if err := h.Kernel.CloseFd(h.Pid, fd); err != nil {
		return StatusError
	}
	return StatusOK
}

func (h *Host) hasTool(ctx context.Context, mod api.Module, progPtr, progLen uint32) uint32 {
	prog, ok := readString(ctx, mod.Memory(), progPtr, progLen)
	if !ok || !h.Tools.Has(prog) {
		return 0
	}
	return 1
}

func (h *Host) checkCancel(ctx context.Context, mod api.Module) uint32 {
	return h.Deadline.Check(h.Clock.Now())
}

func (h *Host) timeMs(ctx context.Context, mod api.Module) uint64 {
	return uint64(h.Clock.Monotonic().Milliseconds())
}

type statPayload struct {
	Kind  string `json:"kind"`
	Size  int    `json:"size"`
	Perm  uint32 `json:"perm"`
	Mtime int64  `json:"mtime_ms"`
}

func (h *Host) stat(ctx context.Context, mod api.Module, pathPtr, pathLen, outPtr, outCap uint32) uint32 {
	mem := mod.Memory()
	path, ok := readString(ctx, mem, pathPtr, pathLen)
	if !ok {
		return 0
	}
	st, err := h.VFS.Stat(path)
	if err != nil {
		return 0
	}
	payload, err := json.Marshal(statPayload{
		Kind:  kindName(st.Kind),
		Size:  st.Size,
		Perm:  st.Permissions,
		Mtime: st.Mtime.UnixMilli(),
	})
	if err != nil {
		return 0
	}
	return writeOut(ctx, mem, outPtr, outCap, payload)
}

func kindName(k inode.Kind) string {
	switch k {
	case inode.KindDir:
		return "dir"
	case inode.KindSymlink:
		return "symlink"
	default:
		return "file"
	}
}

func (h *Host) readFile(ctx context.Context, mod api.Module, pathPtr, pathLen, outPtr, outCap uint32) uint32 {
	mem := mod.Memory()
	path, ok := readString(ctx, mem, pathPtr, pathLen)
	if !ok {
		return 0
	}
	data, err := h.VFS.ReadFile(path)
	if err != nil {
		return 0
	}
	return writeOut(ctx, mem, outPtr, outCap, data)
}

func (h *Host) writeFile(ctx context.Context, mod api.Module, pathPtr, pathLen, dataPtr, dataLen, perm uint32) uint32 {
	mem := mod.Memory()
	path, ok := readString(ctx, mem, pathPtr, pathLen)
	if !ok {
		return StatusError
	}
	data, ok := readBytes(ctx, mem, dataPtr, dataLen)
	if !ok {
		return StatusError
	}
	if err := h.VFS.WriteFile(path, data, perm); err != nil {
		return StatusError
	}
	return StatusOK
}

type dirEntryPayload struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
}

func (h *Host) readdir(ctx context.Context, mod api.Module, pathPtr, pathLen, outPtr, outCap uint32) uint32 {
	mem := mod.Memory()
	path, ok := readString(ctx, mem, pathPtr, pathLen)
	if !ok {
		return 0
	}
	entries, err := h.VFS.Readdir(path)
	if err != nil {
		return 0
	}
	payload := make([]dirEntryPayload, len(entries))
	for i, e := range entries {
		payload[i] = dirEntryPayload{Name: e.Name, Kind: kindName(e.Kind)}
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return 0
	}
	return writeOut(ctx, mem, outPtr, outCap, encoded)
}

// glob matches pattern against every path reachable under base,
// in-guest globbing being a VFS operation rather than a shell builtin
// per spec.md §4.8 ("globbing done in-guest via a host call against the
// VFS"). The pattern is matched against each full path, and it is
// compiled with "/" as the separator, so "*" and "?" never match across
// a "/".
func (h *Host) glob(ctx context.Context, mod api.Module, patternPtr, patternLen, basePtr, baseLen, outPtr, outCap uint32) uint32 {
	mem := mod.Memory()
	pattern, ok := readString(ctx, mem, patternPtr, patternLen)
	if !ok {
		return 0
	}
	base, ok := readString(ctx, mem, basePtr, baseLen)
	if !ok {
		return 0
	}
	g, err := glob.Compile(pattern, '/')
	if err != nil {
		return 0
	}
	var matches []string
	walkGlob(h.VFS, base, g, &matches)
	encoded, err := json.Marshal(matches)
	if err != nil {
		return 0
	}
	return writeOut(ctx, mem, outPtr, outCap, encoded)
}

func walkGlob(v *vfs.VFS, dir string, g glob.Glob, matches *[]string) {
	entries, err := v.Readdir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		full := dir
		if full == "" || full[len(full)-1] != '/' {
			full += "/"
		}
		full += e.Name
		if g.Match(full) {
			*matches = append(*matches, full)
		}
		if e.Kind == inode.KindDir {
			walkGlob(v, full, g, matches)
		}
	}
}

type fetchResultPayload struct {
	Status  int               `json:"status"`
	Body    []byte            `json:"body"`
	Headers map[string]string `json:"headers,omitempty"`
	Error   string            `json:"error,omitempty"`
}

func (h *Host) networkFetch(
	ctx context.Context, mod api.Module,
	urlPtr, urlLen uint32,
	methodPtr, methodLen uint32,
	headersPtr, headersLen uint32,
	bodyPtr, bodyLen uint32,
	outPtr, outCap uint32,
) uint32 {
	mem := mod.Memory()
	url, ok := readString(ctx, mem, urlPtr, urlLen)
	if !ok {
		return 0
	}
	method, _ := readString(ctx, mem, methodPtr, methodLen)
	headersRaw, _ := readBytes(ctx, mem, headersPtr, headersLen)
	body, _ := readBytes(ctx, mem, bodyPtr, bodyLen)

	var headers map[string]string
	if len(headersRaw) > 0 {
		_ = json.Unmarshal(headersRaw, &headers)
	}

	resp := h.Bridge.Fetch(ctx, netbridge.Request{URL: url, Method: method, Headers: headers, Body: body})
	encoded, err := json.Marshal(fetchResultPayload{Status: resp.Status, Body: resp.Body, Headers: resp.Headers, Error: resp.Error})
	if err != nil {
		return 0
	}
	return writeOut(ctx, mem, outPtr, outCap, encoded)
}

func (h *Host) extensionInvoke(ctx context.Context, mod api.Module, namePtr, nameLen, payloadPtr, payloadLen, outPtr, outCap uint32) uint32 {
	mem := mod.Memory()
	name, ok := readString(ctx, mem, namePtr, nameLen)
	if !ok {
		return 0
	}
	ext, ok := h.Extensions[name]
	if !ok {
		return 0
	}
	payload, ok := readBytes(ctx, mem, payloadPtr, payloadLen)
	if !ok {
		return 0
	}
	result, err := ext(ctx, payload)
	if err != nil {
		return 0
	}
	return writeOut(ctx, mem, outPtr, outCap, result)
}

func (h *Host) readCommand(ctx context.Context, mod api.Module, outPtr, outCap uint32) uint32 {
	select {
	case cmd, open := <-h.Commands:
		if !open {
			return 0
		}
		return writeOut(ctx, mod.Memory(), outPtr, outCap, cmd)
	case <-ctx.Done():
		return 0
	}
}

func (h *Host) writeResult(ctx context.Context, mod api.Module, dataPtr, dataLen uint32) uint32 {
	data, ok := readBytes(ctx, mod.Memory(), dataPtr, dataLen)
	if !ok {
		return StatusError
	}
	select {
	case h.Results <- data:
		return StatusOK
	case <-ctx.Done():
		return StatusError
	}
}

func readRaw(ctx context.Context, mem api.Memory, ptr, length uint32) []byte {
	b, _ := readBytes(ctx, mem, ptr, length)
	return b
}

// splitNulList splits a NUL-separated byte string into its components,
// the wire format spawn uses for argv/envp — simpler than a length-
// prefixed vector and sufficient since guest-supplied args/env entries
// never contain embedded NULs.
func splitNulList(b []byte) []string {
	if len(b) == 0 {
		return nil
	}
	var out []string
	start := 0
	for i, c := range b {
		if c == 0 {
			out = append(out, string(b[start:i]))
			start = i + 1
		}
	}
	if start < len(b) {
		out = append(out, string(b[start:]))
	}
	return out
}
