// Package kernel implements the in-process "POSIX-shaped" process table
// described by spec.md §3 "Process" and §4.5: pid allocation, per-process
// fd tables, pipe creation wired into those tables, spawn bookkeeping and
// waitpid, and disposal. It is not an OS kernel — it manages goroutines,
// not threads or address spaces.
package kernel

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/llmsandbox/wasmsh/internal/errs"
	"github.com/llmsandbox/wasmsh/internal/fdtable"
	"github.com/llmsandbox/wasmsh/internal/pipe"
)

// DefaultPipeCapacity is the byte capacity new pipes are created with
// when a caller does not specify one.
const DefaultPipeCapacity = 64 * 1024

// Kernel owns the process table and fd tables exclusively; only its
// methods mutate them (spec.md §5 "Shared resources").
type Kernel struct {
	mu        sync.Mutex
	nextPid   uint64
	processes map[uint64]*Process
	pipes     []*pipe.Pipe
	log       *logrus.Entry
}

// New creates an empty kernel.
func New(log *logrus.Entry) *Kernel {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Kernel{processes: map[uint64]*Process{}, log: log}
}

// AllocPid returns a monotonically increasing, non-zero pid.
func (k *Kernel) AllocPid() uint64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.nextPid++
	return k.nextPid
}

// InitProcess registers pid with a fresh fd table (stdin defaulting to
// null and stdout/stderr to uncapped buffers until the caller overwrites
// them) and returns the table for the caller to populate before Spawn.
func (k *Kernel) InitProcess(pid uint64) *fdtable.Table {
	table := fdtable.NewTable(fdtable.NewNull(), fdtable.NewBuffer(0), fdtable.NewBuffer(0))
	k.mu.Lock()
	k.processes[pid] = newProcess(pid, table)
	k.mu.Unlock()
	return table
}

// Process returns the process table entry for pid, if present.
func (k *Kernel) Process(pid uint64) (*Process, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	p, ok := k.processes[pid]
	return p, ok
}

// CreatePipe allocates a new async pipe and inserts its two endpoints
// into callerPid's fd table at the next two free fds, returning them as
// a contiguous (read, write) pair (spec.md §4.5).
func (k *Kernel) CreatePipe(callerPid uint64) (readFd, writeFd uint32, err error) {
	proc, ok := k.Process(callerPid)
	if !ok {
		return 0, 0, errs.Newf(errs.EBADF, "no such process %d", callerPid)
	}
	p := pipe.New(DefaultPipeCapacity)
	k.mu.Lock()
	k.pipes = append(k.pipes, p)
	k.mu.Unlock()
	r, w := proc.Table.AllocPair(fdtable.NewPipeRead(p), fdtable.NewPipeWrite(p))
	k.log.WithFields(logrus.Fields{"pid": callerPid, "read_fd": r, "write_fd": w}).Debug("kernel: pipe created")
	return r, w, nil
}

// BuildFdTableForSpawn produces a new fd table for a child process by
// copying the caller's targets at stdinFd/stdoutFd/stderrFd into the
// child's positions 0/1/2. This is NOT a deep clone: pipe endpoints and
// buffers are shared objects, so the child observes data the parent
// already wrote and the parent observes what the child writes (spec.md
// §4.5).
func (k *Kernel) BuildFdTableForSpawn(callerPid uint64, stdinFd, stdoutFd, stderrFd uint32) (*fdtable.Table, error) {
	proc, ok := k.Process(callerPid)
	if !ok {
		return nil, errs.Newf(errs.EBADF, "no such process %d", callerPid)
	}
	stdin, ok := proc.Table.Get(stdinFd)
	if !ok {
		return nil, fdtable.ErrBadFd(stdinFd)
	}
	stdout, ok := proc.Table.Get(stdoutFd)
	if !ok {
		return nil, fdtable.ErrBadFd(stdoutFd)
	}
	stderr, ok := proc.Table.Get(stderrFd)
	if !ok {
		return nil, fdtable.ErrBadFd(stderrFd)
	}
	return fdtable.NewTable(stdin, stdout, stderr), nil
}

// SetFdTarget/GetFdTarget/CloseFd give direct access to one process's fd
// table. CloseFd also closes the underlying pipe.Pipe endpoint, if the
// target is a pipe endpoint — a process that owns the last reference to
// an endpoint must close it for the peer to ever observe EOF/EPIPE
// (spec.md §4.5 invariant).
func (k *Kernel) SetFdTarget(pid uint64, fd uint32, target *fdtable.Target) error {
	proc, ok := k.Process(pid)
	if !ok {
		return errs.Newf(errs.EBADF, "no such process %d", pid)
	}
	proc.Table.Set(fd, target)
	return nil
}

func (k *Kernel) GetFdTarget(pid uint64, fd uint32) (*fdtable.Target, error) {
	proc, ok := k.Process(pid)
	if !ok {
		return nil, errs.Newf(errs.EBADF, "no such process %d", pid)
	}
	target, ok := proc.Table.Get(fd)
	if !ok {
		return nil, fdtable.ErrBadFd(fd)
	}
	return target, nil
}

func (k *Kernel) CloseFd(pid uint64, fd uint32) error {
	proc, ok := k.Process(pid)
	if !ok {
		return errs.Newf(errs.EBADF, "no such process %d", pid)
	}
	target, ok := proc.Table.Close(fd)
	if !ok {
		return fdtable.ErrBadFd(fd)
	}
	closePipeEndpoint(target)
	return nil
}

func closePipeEndpoint(target *fdtable.Target) {
	switch target.Kind {
	case fdtable.KindPipeRead:
		target.Pipe.CloseRead()
	case fdtable.KindPipeWrite:
		target.Pipe.CloseWrite()
	}
}

// RegisterProcess launches run in its own goroutine (the "execution
// Promise/future" of spec.md §3) and latches its return value as the
// process's exit code once it returns, waking every Waitpid caller. It
// returns immediately: the child runs concurrently.
func (k *Kernel) RegisterProcess(pid uint64, run func(ctx context.Context) int) {
	proc, ok := k.Process(pid)
	if !ok {
		return
	}
	go func() {
		code := run(context.Background())
		proc.finish(code)
		k.log.WithFields(logrus.Fields{"pid": pid, "exit_code": code}).Debug("kernel: process exited")
	}()
}

// FinishProcess lets a caller that didn't need a goroutine (e.g. a
// capability-denied spawn, or a builtin executed inline on the caller's
// own goroutine) resolve a process immediately with an exit code.
func (k *Kernel) FinishProcess(pid uint64, exitCode int) {
	if proc, ok := k.Process(pid); ok {
		proc.finish(exitCode)
	}
}

// Waitpid blocks until pid exits or ctx is cancelled, then removes the
// process from the table ("owning waitpid consumes it", spec.md §4.5) and
// returns its exit code. Waiting twice on the same pid after the first
// call consumed it is reported as ENOENT.
func (k *Kernel) Waitpid(ctx context.Context, pid uint64) (int, error) {
	proc, ok := k.Process(pid)
	if !ok {
		return 0, errs.Newf(errs.ENOENT, "no such process %d", pid)
	}
	select {
	case <-proc.Done():
		_, code := proc.State()
		k.mu.Lock()
		delete(k.processes, pid)
		k.mu.Unlock()
		return code, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Dispose closes every pipe endpoint ever created by this kernel and
// clears the process table. Used when a sandbox is destroyed.
func (k *Kernel) Dispose() {
	k.mu.Lock()
	pipes := k.pipes
	k.pipes = nil
	k.processes = map[uint64]*Process{}
	k.mu.Unlock()
	for _, p := range pipes {
		p.CloseRead()
		p.CloseWrite()
	}
}
