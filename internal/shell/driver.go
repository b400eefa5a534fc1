package shell

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/llmsandbox/wasmsh/internal/errs"
	"github.com/llmsandbox/wasmsh/internal/fdtable"
	"github.com/llmsandbox/wasmsh/internal/hostabi"
	"github.com/llmsandbox/wasmsh/internal/kernel"
	"github.com/llmsandbox/wasmsh/internal/vfs"
)

// DefaultCommandTimeout is spec.md §4.7's "default 30s" per-command
// deadline.
const DefaultCommandTimeout = 30 * time.Second

// OutputCap is the default per-stream byte cap a driver enforces on a
// command's result stdout (the last stage's) and stderr (every stage's,
// concatenated) before reporting it truncated.
const OutputCap = 1 << 20

// Runner executes an external (non-builtin) program as a kernel process
// and returns its exit code. It is the seam between the shell's pipeline
// algorithm and whatever actually compiles/instantiates a guest module
// (the root facade, which owns the wazero runtime) — the shell package
// itself has no wazero dependency.
type Runner interface {
	Run(ctx context.Context, pid uint64, prog string, args, env []string, cwd string, table *fdtable.Table) int
}

// Driver owns the named session table and wires pipeline stages through
// the kernel's process/pipe machinery (spec.md §4.7 "named shell table").
type Driver struct {
	Kernel *kernel.Kernel
	VFS    *vfs.VFS
	Tools  *hostabi.ToolRegistry
	Runner Runner

	CommandTimeout time.Duration
	OutputCapBytes int

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewDriver constructs a driver with spec.md-default timeouts/caps.
func NewDriver(k *kernel.Kernel, v *vfs.VFS, tools *hostabi.ToolRegistry, runner Runner) *Driver {
	return &Driver{
		Kernel:         k,
		VFS:            v,
		Tools:          tools,
		Runner:         runner,
		CommandTimeout: DefaultCommandTimeout,
		OutputCapBytes: OutputCap,
		sessions:       map[string]*Session{},
	}
}

// Session returns the named session, creating one rooted at "/home" if
// it doesn't exist yet.
func (d *Driver) Session(name string) *Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sessions[name]
	if !ok {
		s = NewSession(nil, "/home")
		d.sessions[name] = s
	}
	return s
}

// Result is what one top-level Run call reports back: exit code and the
// two output streams, each independently flagged if the byte cap
// truncated it (SPEC_FULL.md §C "structured Truncated reasons").
type Result struct {
	ExitCode  int
	Stdout    string
	Stderr    string
	Truncated struct {
		Stdout bool
		Stderr bool
	}
}

// Run parses line, evaluates any command substitutions, and executes the
// resulting pipeline against the named session. A deadline or explicit
// cancellation never surfaces as a Go error here — spec.md §7 requires
// the driver to unwind it into a well-formed Result (exit 124/130, a
// short stderr line) instead.
func (d *Driver) Run(ctx context.Context, sessionName, line string) (*Result, error) {
	sess := d.Session(sessionName)
	pipeline, err := Parse(line)
	if err != nil {
		return nil, err
	}
	return d.runPipeline(ctx, sess, pipeline, 0)
}

// stage is what runPipeline tracks per pipeline stage between spawning it
// and collecting its exit code: the kernel process backing it (nil for a
// stage whose words evaluated to nothing) and the stderr buffer it was
// handed, since every stage keeps a private stderr target even when its
// stdin/stdout are shared pipe endpoints.
type stage struct {
	pid    uint64
	table  *fdtable.Table
	stderr *fdtable.Target
}

// runPipeline implements spec.md §4.7's pipeline algorithm: create a real
// pipe between every adjacent pair of stages, spawn every stage
// concurrently against those pipe endpoints (or plain buffers at the two
// ends), then waitpid each in spawn order to collect exit codes. A
// downstream stage that exits without draining its stdin closes that
// pipe's read end the moment its process finishes (see closeStagePipes),
// which is what makes an upstream producer's next write observe EPIPE
// (I3) instead of running to completion.
func (d *Driver) runPipeline(ctx context.Context, sess *Session, pipeline *Pipeline, subDepth int) (*Result, error) {
	ctx, cancel := context.WithDeadline(ctx, time.Now().Add(d.CommandTimeout))
	defer cancel()

	n := len(pipeline.Stages)
	if n == 0 {
		return &Result{}, nil
	}

	coordPid := d.Kernel.AllocPid()
	coordTable := d.Kernel.InitProcess(coordPid)
	defer d.Kernel.FinishProcess(coordPid, 0)

	// Step 1: one pipe between every adjacent pair of stages.
	pipeReads := make([]*fdtable.Target, n-1)
	pipeWrites := make([]*fdtable.Target, n-1)
	for i := 0; i < n-1; i++ {
		r, w, err := d.Kernel.CreatePipe(coordPid)
		if err != nil {
			return nil, err
		}
		pipeReads[i], _ = coordTable.Get(r)
		pipeWrites[i], _ = coordTable.Get(w)
	}

	stages := make([]stage, n)
	for i, ps := range pipeline.Stages {
		if checkErr := checkCancelled(ctx); checkErr != nil {
			return dispatchTimeout(checkErr), nil
		}
		words, err := d.evalWords(ctx, sess, ps.Words, subDepth)
		if err != nil {
			return nil, err
		}

		var stdin, stdout *fdtable.Target
		if i == 0 {
			stdin = fdtable.NewNull()
		} else {
			stdin = pipeReads[i-1]
		}
		if i == n-1 {
			stdout = fdtable.NewBuffer(0)
		} else {
			stdout = pipeWrites[i]
		}
		stderr := fdtable.NewBuffer(0)

		pid := d.Kernel.AllocPid()
		table := d.Kernel.InitProcess(pid)
		table.Set(0, stdin)
		table.Set(1, stdout)
		table.Set(2, stderr)
		stages[i] = stage{pid: pid, table: table, stderr: stderr}

		var prog string
		var fn Builtin
		var isBuiltin bool
		if len(words) > 0 {
			prog = words[0]
			fn, isBuiltin = Builtins[prog]
		}

		switch {
		case len(words) == 0:
			// A stage whose words evaluated to nothing still owns its
			// pipe endpoints and must release them so neighbours don't
			// deadlock waiting on a stage that will never run.
			d.Kernel.RegisterProcess(pid, func(runCtx context.Context) int {
				drainTarget(runCtx, stdin)
				closeStagePipes(d.Kernel, pid, table)
				return 0
			})
		case isBuiltin:
			d.Kernel.RegisterProcess(pid, func(runCtx context.Context) int {
				code := runBuiltin(runCtx, fn, sess, d.VFS, words, table)
				closeStagePipes(d.Kernel, pid, table)
				return code
			})
		case !d.Tools.Has(prog):
			// Unknown tools never reach the Runner (spec.md §4.6), but
			// the stage still owns pipe endpoints it must drain/close
			// so neighbours don't block on a process that never ran.
			d.Kernel.RegisterProcess(pid, func(runCtx context.Context) int {
				drainTarget(runCtx, stdin)
				closeStagePipes(d.Kernel, pid, table)
				return 127
			})
		default:
			args := words
			d.Kernel.RegisterProcess(pid, func(runCtx context.Context) int {
				code := d.Runner.Run(ctx, pid, prog, args, sess.EnvList(), sess.Cwd, table)
				closeStagePipes(d.Kernel, pid, table)
				return code
			})
		}
	}

	// Step 4: waitpid each spawned pid in spawn order.
	exitCodes := make([]int, n)
	for i, st := range stages {
		code, err := d.Kernel.Waitpid(ctx, st.pid)
		if err != nil {
			return dispatchTimeout(err), nil
		}
		exitCodes[i] = code
	}

	// Step 5: last stage's code, unless pipefail asks for the last
	// non-zero one encountered scanning backward.
	result := &Result{ExitCode: exitCodes[n-1]}
	if sess.Pipefail {
		for i := n - 1; i >= 0; i-- {
			if exitCodes[i] != 0 {
				result.ExitCode = exitCodes[i]
				break
			}
		}
	}
	if stdoutTarget, ok := stages[n-1].table.Get(1); ok {
		result.Stdout = string(stdoutTarget.Bytes())
	}
	var errBuf strings.Builder
	for _, st := range stages {
		errBuf.Write(st.stderr.Bytes())
	}
	result.Stderr = errBuf.String()

	if len(result.Stdout) > d.OutputCapBytes {
		result.Stdout = result.Stdout[:d.OutputCapBytes]
		result.Truncated.Stdout = true
	}
	if len(result.Stderr) > d.OutputCapBytes {
		result.Stderr = result.Stderr[:d.OutputCapBytes]
		result.Truncated.Stderr = true
	}
	return result, nil
}

// closeStagePipes closes every pipe endpoint a finished stage's table
// still holds. Closing the write end wakes a blocked downstream reader
// with EOF; closing the read end wakes a blocked upstream writer with
// EPIPE (spec.md §4.5's "pipe write-end must be closed either by the
// parent ... or by the owning child on exit" invariant). Fds are
// collected before closing since kernel.CloseFd takes the table's own
// lock, which Table.Range already holds.
func closeStagePipes(k *kernel.Kernel, pid uint64, table *fdtable.Table) {
	var fds []uint32
	table.Range(func(fd uint32, target *fdtable.Target) {
		if target.Kind == fdtable.KindPipeRead || target.Kind == fdtable.KindPipeWrite {
			fds = append(fds, fd)
		}
	})
	for _, fd := range fds {
		_ = k.CloseFd(pid, fd)
	}
}

// runBuiltin bridges a Builtin's []byte-in/strings.Builder-out signature
// onto a stage's fd table: drain whatever fd 0 resolves to (a pipe, a
// buffer, or nothing), run the builtin inline on the calling goroutine,
// then deliver its output through fd 1/2 the same way an external stage
// would (spec.md §4.7.a "execute the builtin inline ... which are now
// the pipe endpoints").
func runBuiltin(ctx context.Context, fn Builtin, sess *Session, v *vfs.VFS, words []string, table *fdtable.Table) int {
	stdinTarget, _ := table.Get(0)
	var stdoutBuf, stderrBuf strings.Builder
	code := fn(&builtinCtx{
		session: sess,
		vfs:     v,
		args:    words,
		stdin:   drainTarget(ctx, stdinTarget),
		stdout:  &stdoutBuf,
		stderr:  &stderrBuf,
	})
	if stdoutTarget, ok := table.Get(1); ok {
		writeTarget(ctx, stdoutTarget, []byte(stdoutBuf.String()))
	}
	if stderrTarget, ok := table.Get(2); ok {
		writeTarget(ctx, stderrTarget, []byte(stderrBuf.String()))
	}
	return code
}

// drainTarget reads target to exhaustion (EOF for a pipe whose write end
// has closed, or the fixed content of a static/buffer source) the way a
// non-streaming builtin needs its whole stdin up front.
func drainTarget(ctx context.Context, target *fdtable.Target) []byte {
	if target == nil {
		return nil
	}
	switch target.Kind {
	case fdtable.KindPipeRead:
		var out []byte
		for {
			chunk, err := target.Pipe.Read(ctx, 0)
			out = append(out, chunk...)
			if err != nil {
				return out
			}
		}
	case fdtable.KindStatic:
		buf := make([]byte, 1<<20)
		n := target.ReadStatic(buf)
		return buf[:n]
	case fdtable.KindBuffer:
		return target.Bytes()
	default:
		return nil
	}
}

// writeTarget delivers data to target the way fdtable's fd_write callers
// do, dispatching on Kind rather than assuming a buffer.
func writeTarget(ctx context.Context, target *fdtable.Target, data []byte) {
	if len(data) == 0 {
		return
	}
	switch target.Kind {
	case fdtable.KindPipeWrite:
		_, _ = target.Pipe.WriteAsync(ctx, data)
	case fdtable.KindBuffer:
		target.AppendBuffer(data)
	}
}

// dispatchTimeout turns a cancellation/deadline error observed at a
// suspension point into the well-formed Result spec.md §6/§7 requires:
// exit 124 with "command timed out\n" for a deadline, exit 130 with a
// short line for an explicit cancellation. It accepts both the
// *errs.Error checkCancelled raises between stages and the bare
// context error kernel.Waitpid returns when a stage is still running at
// the deadline.
func dispatchTimeout(err error) *Result {
	if errs.KindOf(err) == errs.TIMEOUT || errors.Is(err, context.DeadlineExceeded) {
		return &Result{ExitCode: 124, Stderr: "command timed out\n"}
	}
	return &Result{ExitCode: 130, Stderr: "command cancelled\n"}
}

// maxConcurrentSubstitutions bounds how many $(...) pipelines a single
// word list evaluates at once. A line with that many substitutions is
// already unusual; this just keeps a pathological one from spawning an
// unbounded goroutine fan-out.
const maxConcurrentSubstitutions = 4

// evalWords flattens each Word into a final string, running any nested
// command substitution pipelines and trimming exactly one trailing
// newline from their captured stdout (spec.md §4.8). Substitutions
// within the same word list are independent of each other (each gets
// its own session snapshot), so they run concurrently, bounded by a
// semaphore and aggregated with errgroup so the first failure cancels
// the rest instead of leaving orphaned goroutines.
func (d *Driver) evalWords(ctx context.Context, sess *Session, words []Word, subDepth int) ([]string, error) {
	results := make([][]string, len(words))
	for i, word := range words {
		results[i] = make([]string, len(word))
	}

	g, gctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(maxConcurrentSubstitutions)
	for wi, word := range words {
		for si, seg := range word {
			if seg.Sub == nil {
				results[wi][si] = seg.Literal
				continue
			}
			wi, si, sub := wi, si, seg.Sub
			g.Go(func() error {
				if err := sem.Acquire(gctx, 1); err != nil {
					return err
				}
				defer sem.Release(1)

				res, err := d.runPipeline(gctx, sess.Snapshot(), sub, subDepth+1)
				if err != nil {
					return err
				}
				results[wi][si] = strings.TrimSuffix(res.Stdout, "\n")
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]string, len(words))
	for i, segs := range results {
		out[i] = strings.Join(segs, "")
	}
	return out, nil
}

func checkCancelled(ctx context.Context) error {
	select {
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return errs.Newf(errs.TIMEOUT, "command timed out")
		}
		return errs.Newf(errs.CANCELLED, "command cancelled")
	default:
		return nil
	}
}
