// Package wasihost builds the WASI preview1 host module a guest imports
// to do anything observable: write/read its fds, touch the VFS, read the
// clock and randomness, and exit. It is the one place spec.md §4.4's ABI
// table and §3's fd-target union meet wazero's api.Module.
//
// Grounded on the teacher's own wasi_snapshot_preview1 host module (read
// for shape only — that package is internal to wazero and not imported;
// this one is built entirely on the public wazero/api surface per
// builder.go's HostModuleBuilder contract).
package wasihost

import (
	"context"
	"io"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/llmsandbox/wasmsh/internal/fdtable"
	"github.com/llmsandbox/wasmsh/internal/platform"
	"github.com/llmsandbox/wasmsh/internal/vfs"
)

// ModuleName is the import module name guests reference, per the WASI
// preview1 ABI.
const ModuleName = "wasi_snapshot_preview1"

// Host is one guest process's view of the WASI ABI: its fd table, the
// VFS it resolves paths against, the platform clock/RNG, and its
// args/env. A new Host is built per spawned guest.
type Host struct {
	Table *fdtable.Table
	VFS   *vfs.VFS
	Clock platform.Adapter
	Args  []string
	Env   []string // "NAME=value" pairs, in the order environ_get reports them

	// ExitCode latches the value passed to proc_exit. A guest that never
	// calls it exits with whatever its _start return conveys instead; the
	// sandbox's wasm runner checks this field once the guest's
	// instantiation returns.
	ExitCode  uint32
	ExitCalled bool
}

// Build instantiates a wasi_snapshot_preview1 host module bound to h.
// Each call produces an independent module instance so concurrently
// running guests never share fd tables through a shared compiled module
// (per builder.go's HostModuleBuilder.Instantiate contract).
func Build(ctx context.Context, r wazero.Runtime, h *Host) (api.Module, error) {
	b := r.NewHostModuleBuilder(ModuleName)

	b.NewFunctionBuilder().WithFunc(h.fdWrite).
		WithParameterNames("fd", "iovs", "iovs_len", "nwritten").Export("fd_write")
	b.NewFunctionBuilder().WithFunc(h.fdRead).
		WithParameterNames("fd", "iovs", "iovs_len", "nread").Export("fd_read")
	b.NewFunctionBuilder().WithFunc(h.fdClose).
		WithParameterNames("fd").Export("fd_close")

	b.NewFunctionBuilder().WithFunc(h.pathOpen).
		WithParameterNames("fd", "dirflags", "path", "path_len", "oflags",
			"fs_rights_base", "fs_rights_inheriting", "fdflags", "result_fd").
		Export("path_open")
	b.NewFunctionBuilder().WithFunc(h.pathCreateDirectory).
		WithParameterNames("fd", "path", "path_len").Export("path_create_directory")
	b.NewFunctionBuilder().WithFunc(h.pathRemoveDirectory).
		WithParameterNames("fd", "path", "path_len").Export("path_remove_directory")
	b.NewFunctionBuilder().WithFunc(h.pathUnlinkFile).
		WithParameterNames("fd", "path", "path_len").Export("path_unlink_file")

	b.NewFunctionBuilder().WithFunc(h.clockTimeGet).
		WithParameterNames("id", "precision", "result_timestamp").Export("clock_time_get")
	b.NewFunctionBuilder().WithFunc(h.randomGet).
		WithParameterNames("buf", "buf_len").Export("random_get")

	b.NewFunctionBuilder().WithFunc(h.argsSizesGet).
		WithParameterNames("result_argc", "result_argv_buf_size").Export("args_sizes_get")
	b.NewFunctionBuilder().WithFunc(h.argsGet).
		WithParameterNames("argv", "argv_buf").Export("args_get")
	b.NewFunctionBuilder().WithFunc(h.environSizesGet).
		WithParameterNames("result_count", "result_buf_size").Export("environ_sizes_get")
	b.NewFunctionBuilder().WithFunc(h.environGet).
		WithParameterNames("environ", "environ_buf").Export("environ_get")

	b.NewFunctionBuilder().WithFunc(h.procExit).
		WithParameterNames("rval").Export("proc_exit")

	return b.Instantiate(ctx)
}

func (h *Host) target(fd uint32) (*fdtable.Target, Errno) {
	t, ok := h.Table.Get(fd)
	if !ok {
		return nil, ErrnoBadf
	}
	return t, ErrnoSuccess
}

func (h *Host) fdWrite(ctx context.Context, mod api.Module, fd, iovsPtr, iovsLen, nwrittenPtr uint32) Errno {
	t, errno := h.target(fd)
	if errno != ErrnoSuccess {
		return errno
	}
	mem := mod.Memory()
	iovs, ok := readIOVecs(ctx, mem, iovsPtr, iovsLen)
	if !ok {
		return ErrnoFault
	}
	data, ok := gatherWrite(ctx, mem, iovs)
	if !ok {
		return ErrnoFault
	}

	var n int
	switch t.Kind {
	case fdtable.KindBuffer:
		n, _ = t.AppendBuffer(data)
	case fdtable.KindNull:
		n = len(data)
	case fdtable.KindPipeWrite:
		written, err := t.Pipe.WriteAsync(ctx, data)
		if err != nil {
			return errnoFromErr(err)
		}
		n = written
	case fdtable.KindVFSFile:
		written, err := t.VFS.WriteAt(t.Path, t.VFSOffset(), data)
		if err != nil {
			return errnoFromErr(err)
		}
		t.AdvanceVFSOffset(written)
		n = written
	default:
		return ErrnoBadf
	}
	if !mem.WriteUint32Le(ctx, nwrittenPtr, uint32(n)) {
		return ErrnoFault
	}
	return ErrnoSuccess
}

func (h *Host) fdRead(ctx context.Context, mod api.Module, fd, iovsPtr, iovsLen, nreadPtr uint32) Errno {
	t, errno := h.target(fd)
	if errno != ErrnoSuccess {
		return errno
	}
	mem := mod.Memory()
	iovs, ok := readIOVecs(ctx, mem, iovsPtr, iovsLen)
	if !ok {
		return ErrnoFault
	}
	capacity := uint32(0)
	for _, v := range iovs {
		capacity += v.len
	}

	var data []byte
	switch t.Kind {
	case fdtable.KindStatic:
		buf := make([]byte, capacity)
		n := t.ReadStatic(buf)
		data = buf[:n]
	case fdtable.KindNull:
		data = nil
	case fdtable.KindPipeRead:
		read, err := t.Pipe.Read(ctx, int(capacity))
		if err != nil && err != io.EOF {
			return errnoFromErr(err)
		}
		data = read
	case fdtable.KindVFSFile:
		read, err := t.VFS.ReadAt(t.Path, t.VFSOffset(), int(capacity))
		if err != nil {
			return errnoFromErr(err)
		}
		t.AdvanceVFSOffset(len(read))
		data = read
	default:
		return ErrnoBadf
	}

	n, ok := scatterRead(ctx, mem, iovs, data)
	if !ok {
		return ErrnoFault
	}
	if !mem.WriteUint32Le(ctx, nreadPtr, n) {
		return ErrnoFault
	}
	return ErrnoSuccess
}

func (h *Host) fdClose(ctx context.Context, mod api.Module, fd uint32) Errno {
	target, ok := h.Table.Close(fd)
	if !ok {
		return ErrnoBadf
	}
	switch target.Kind {
	case fdtable.KindPipeRead:
		target.Pipe.CloseRead()
	case fdtable.KindPipeWrite:
		target.Pipe.CloseWrite()
	}
	return ErrnoSuccess
}

func (h *Host) pathOpen(
	ctx context.Context, mod api.Module,
	_ uint32, _ uint32, pathPtr, pathLen, oflags uint32,
	_ uint64, _ uint64, fdflags uint32, resultFdPtr uint32,
) Errno {
	mem := mod.Memory()
	path, ok := readString(ctx, mem, pathPtr, pathLen)
	if !ok {
		return ErrnoFault
	}

	const oflagCreat = 1 << 0
	const oflagExcl = 1 << 1
	const oflagTrunc = 1 << 3
	const fdflagAppend = 1 << 0

	exists := h.VFS.Exists(path)
	if !exists {
		if oflags&oflagCreat == 0 {
			return ErrnoNoent
		}
		if err := h.VFS.WriteFile(path, nil, 0o644); err != nil {
			return errnoFromErr(err)
		}
	} else if oflags&oflagCreat != 0 && oflags&oflagExcl != 0 {
		return ErrnoExist
	}

	offset := 0
	if oflags&oflagTrunc != 0 {
		if err := h.VFS.WriteFile(path, nil, 0o644); err != nil {
			return errnoFromErr(err)
		}
	} else if fdflags&fdflagAppend != 0 {
		st, err := h.VFS.Stat(path)
		if err != nil {
			return errnoFromErr(err)
		}
		offset = st.Size
	}

	fd := h.Table.Alloc(fdtable.NewVFSFile(h.VFS, path, offset))
	if !mem.WriteUint32Le(ctx, resultFdPtr, fd) {
		return ErrnoFault
	}
	return ErrnoSuccess
}

func (h *Host) pathCreateDirectory(ctx context.Context, mod api.Module, _ uint32, pathPtr, pathLen uint32) Errno {
	path, ok := readString(ctx, mod.Memory(), pathPtr, pathLen)
	if !ok {
		return ErrnoFault
	}
	return errnoFromErr(h.VFS.Mkdir(path, 0o755))
}

func (h *Host) pathRemoveDirectory(ctx context.Context, mod api.Module, _ uint32, pathPtr, pathLen uint32) Errno {
	path, ok := readString(ctx, mod.Memory(), pathPtr, pathLen)
	if !ok {
		return ErrnoFault
	}
	return errnoFromErr(h.VFS.Rmdir(path))
}

func (h *Host) pathUnlinkFile(ctx context.Context, mod api.Module, _ uint32, pathPtr, pathLen uint32) Errno {
	path, ok := readString(ctx, mod.Memory(), pathPtr, pathLen)
	if !ok {
		return ErrnoFault
	}
	return errnoFromErr(h.VFS.Remove(path))
}

// clockid_t values per the WASI ABI: realtime=0, monotonic=1.
const (
	clockRealtime  = 0
	clockMonotonic = 1
)

func (h *Host) clockTimeGet(ctx context.Context, mod api.Module, id uint32, _ uint64, resultPtr uint32) Errno {
	var nanos uint64
	switch id {
	case clockMonotonic:
		nanos = uint64(h.Clock.Monotonic())
	default:
		nanos = uint64(h.Clock.Now().UnixNano())
	}
	if !mod.Memory().WriteUint64Le(ctx, resultPtr, nanos) {
		return ErrnoFault
	}
	return ErrnoSuccess
}

func (h *Host) randomGet(ctx context.Context, mod api.Module, bufPtr, bufLen uint32) Errno {
	buf := make([]byte, bufLen)
	if err := h.Clock.Random(buf); err != nil {
		return ErrnoIo
	}
	if !mod.Memory().Write(ctx, bufPtr, buf) {
		return ErrnoFault
	}
	return ErrnoSuccess
}

func (h *Host) argsSizesGet(ctx context.Context, mod api.Module, argcPtr, bufSizePtr uint32) Errno {
	return writeSizesGet(ctx, mod, h.Args, argcPtr, bufSizePtr)
}

func (h *Host) argsGet(ctx context.Context, mod api.Module, argvPtr, argvBufPtr uint32) Errno {
	return writeStringVector(ctx, mod, h.Args, argvPtr, argvBufPtr)
}

func (h *Host) environSizesGet(ctx context.Context, mod api.Module, countPtr, bufSizePtr uint32) Errno {
	return writeSizesGet(ctx, mod, h.Env, countPtr, bufSizePtr)
}

func (h *Host) environGet(ctx context.Context, mod api.Module, environPtr, environBufPtr uint32) Errno {
	return writeStringVector(ctx, mod, h.Env, environPtr, environBufPtr)
}

func writeSizesGet(ctx context.Context, mod api.Module, items []string, countPtr, bufSizePtr uint32) Errno {
	bufSize := 0
	for _, s := range items {
		bufSize += len(s) + 1
	}
	mem := mod.Memory()
	if !mem.WriteUint32Le(ctx, countPtr, uint32(len(items))) {
		return ErrnoFault
	}
	if !mem.WriteUint32Le(ctx, bufSizePtr, uint32(bufSize)) {
		return ErrnoFault
	}
	return ErrnoSuccess
}

// writeStringVector writes a NUL-terminated string table, plus the
// pointer array indexing into it, matching args_get/environ_get's shared
// encoding (WASI ABI: argv/environ is an array of pointers into
// argv_buf/environ_buf, each entry NUL-terminated).
func writeStringVector(ctx context.Context, mod api.Module, items []string, ptrArray, buf uint32) Errno {
	mem := mod.Memory()
	cursor := buf
	for i, s := range items {
		if !mem.WriteUint32Le(ctx, ptrArray+uint32(i)*4, cursor) {
			return ErrnoFault
		}
		if !mem.Write(ctx, cursor, append([]byte(s), 0)) {
			return ErrnoFault
		}
		cursor += uint32(len(s)) + 1
	}
	return ErrnoSuccess
}

func (h *Host) procExit(ctx context.Context, mod api.Module, rval uint32) {
	h.ExitCode = rval
	h.ExitCalled = true
	_ = mod.CloseWithExitCode(ctx, rval)
}
