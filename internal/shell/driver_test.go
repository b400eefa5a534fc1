package shell

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/llmsandbox/wasmsh/internal/fdtable"
	"github.com/llmsandbox/wasmsh/internal/hostabi"
	"github.com/llmsandbox/wasmsh/internal/kernel"
	"github.com/llmsandbox/wasmsh/internal/vfs"
)

// echoRunner is a fake Runner standing in for a real wasm coreutil: it
// writes its argv (joined by spaces) to stdout and exits 0. "fail"
// always exits 1 instead.
type echoRunner struct{}

func (echoRunner) Run(ctx context.Context, pid uint64, prog string, args, env []string, cwd string, table *fdtable.Table) int {
	stdout, _ := table.Get(1)
	if prog == "fail" {
		return 1
	}
	var out string
	for i, a := range args {
		if i > 0 {
			out += " "
		}
		out += a
	}
	stdout.AppendBuffer([]byte(out))
	return 0
}

func newTestDriver(t *testing.T) *Driver {
	t.Helper()
	v := vfs.New(0, 0, []string{"/home"}, nil)
	k := kernel.New(logrus.NewEntry(logrus.New()))
	tools := hostabi.NewToolRegistry("cat", "echoargs", "fail")
	return NewDriver(k, v, tools, echoRunner{})
}

func TestRunBuiltinEcho(t *testing.T) {
	d := newTestDriver(t)
	res, err := d.Run(context.Background(), "s1", `echo hello world`)
	require.NoError(t, err)
	require.Equal(t, 0, res.ExitCode)
	require.Equal(t, "hello world\n", res.Stdout)
}

func TestRunExternalUnknownToolExits127(t *testing.T) {
	d := newTestDriver(t)
	res, err := d.Run(context.Background(), "s1", `ghost a b`)
	require.NoError(t, err)
	require.Equal(t, 127, res.ExitCode)
}

func TestRunExternalKnownToolRuns(t *testing.T) {
	d := newTestDriver(t)
	res, err := d.Run(context.Background(), "s1", `echoargs one two`)
	require.NoError(t, err)
	require.Equal(t, 0, res.ExitCode)
	require.Equal(t, "echoargs one two", res.Stdout)
}

func TestRunPipelineExitCodeIsLastStage(t *testing.T) {
	d := newTestDriver(t)
	res, err := d.Run(context.Background(), "s1", `echoargs one | fail`)
	require.NoError(t, err)
	require.Equal(t, 1, res.ExitCode)
}

func TestPipefailSurfacesEarlierFailure(t *testing.T) {
	d := newTestDriver(t)
	sess := d.Session("s1")
	sess.Pipefail = true
	res, err := d.Run(context.Background(), "s1", `fail | echoargs two`)
	require.NoError(t, err)
	require.Equal(t, 1, res.ExitCode)
}

func TestCommandSubstitutionTrimsTrailingNewline(t *testing.T) {
	d := newTestDriver(t)
	res, err := d.Run(context.Background(), "s1", `echo result: $(echo sub value)`)
	require.NoError(t, err)
	require.Equal(t, "result: sub value\n", res.Stdout)
}

func TestMultipleSubstitutionsInOneWordListEvaluateIndependently(t *testing.T) {
	d := newTestDriver(t)
	res, err := d.Run(context.Background(), "s1", `echo $(echoargs a) $(echoargs b) $(echoargs c)`)
	require.NoError(t, err)
	require.Equal(t, "echoargs a echoargs b echoargs c\n", res.Stdout)
}

func TestSubstitutionOfUnknownToolYieldsEmptyOutputNotError(t *testing.T) {
	d := newTestDriver(t)
	res, err := d.Run(context.Background(), "s1", `echo [$(ghost-cmd)]`)
	require.NoError(t, err)
	require.Equal(t, "[]\n", res.Stdout)
}

func TestCdAndPwdMutateSession(t *testing.T) {
	d := newTestDriver(t)
	require.NoError(t, d.VFS.Mkdir("/home/sub", 0o755))
	sess := d.Session("s1")
	sess.Env["HOME"] = "/home"

	_, err := d.Run(context.Background(), "s1", "cd /home/sub")
	require.NoError(t, err)
	require.Equal(t, "/home/sub", d.Session("s1").Cwd)

	res, err := d.Run(context.Background(), "s1", "pwd")
	require.NoError(t, err)
	require.Equal(t, "/home/sub\n", res.Stdout)
}

func TestExportSetsEnvForSubsequentExternal(t *testing.T) {
	d := newTestDriver(t)
	_, err := d.Run(context.Background(), "s1", "export FOO=bar")
	require.NoError(t, err)
	require.Equal(t, "bar", d.Session("s1").Env["FOO"])
}

// hangRunner does no work and returns only once ctx is done, standing in
// for a wasm guest that runs until the driver's own deadline expires.
type hangRunner struct{}

func (hangRunner) Run(ctx context.Context, pid uint64, prog string, args, env []string, cwd string, table *fdtable.Table) int {
	<-ctx.Done()
	return 1
}

func TestRunExternalTimeoutYields124(t *testing.T) {
	v := vfs.New(0, 0, []string{"/home"}, nil)
	k := kernel.New(logrus.NewEntry(logrus.New()))
	tools := hostabi.NewToolRegistry("stall")
	d := NewDriver(k, v, tools, hangRunner{})
	d.CommandTimeout = 20 * time.Millisecond

	res, err := d.Run(context.Background(), "s1", "stall")
	require.NoError(t, err)
	require.Equal(t, 124, res.ExitCode)
	require.Equal(t, "command timed out\n", res.Stderr)
}

// seqRunner writes n numbered lines to its stdout one WriteAsync call at
// a time (never as a single bulk write), so a downstream stage closing
// its read end mid-stream is observed on seqRunner's very next write.
type seqRunner struct {
	n       int
	written *int32
}

func (s seqRunner) Run(ctx context.Context, pid uint64, prog string, args, env []string, cwd string, table *fdtable.Table) int {
	stdout, _ := table.Get(1)
	for i := 1; i <= s.n; i++ {
		line := []byte(fmt.Sprintf("%d\n", i))
		var err error
		if stdout.Kind == fdtable.KindPipeWrite {
			_, err = stdout.Pipe.WriteAsync(ctx, line)
		} else {
			stdout.AppendBuffer(line)
		}
		if s.written != nil {
			atomic.AddInt32(s.written, 1)
		}
		if err != nil {
			return 0
		}
	}
	return 0
}

// headRunner reads its stdin a pipe-read at a time, keeps only the first
// n lines, writes those to stdout, then returns — leaving the driver's
// own pipe bookkeeping to close its read end behind it.
type headRunner struct {
	n int
}

func (h headRunner) Run(ctx context.Context, pid uint64, prog string, args, env []string, cwd string, table *fdtable.Table) int {
	stdin, _ := table.Get(0)
	var buf []byte
	lines := 0
	if stdin != nil && stdin.Kind == fdtable.KindPipeRead {
		for lines < h.n {
			chunk, err := stdin.Pipe.Read(ctx, 0)
			buf = append(buf, chunk...)
			lines += countByte(chunk, '\n')
			if err != nil {
				break
			}
		}
	}
	out := takeLines(buf, h.n)
	if stdout, ok := table.Get(1); ok {
		stdout.AppendBuffer(out)
	}
	return 0
}

func countByte(b []byte, c byte) int {
	n := 0
	for _, x := range b {
		if x == c {
			n++
		}
	}
	return n
}

func takeLines(b []byte, n int) []byte {
	count := 0
	for i, x := range b {
		if x == '\n' {
			count++
			if count == n {
				return b[:i+1]
			}
		}
	}
	return b
}

// multiRunner dispatches to a fake Runner by program name, letting a
// single test pipeline mix several fake external tools.
type multiRunner map[string]Runner

func (m multiRunner) Run(ctx context.Context, pid uint64, prog string, args, env []string, cwd string, table *fdtable.Table) int {
	if r, ok := m[prog]; ok {
		return r.Run(ctx, pid, prog, args, env, cwd, table)
	}
	return 127
}

func TestPipelineEarlyCloseStopsProducer(t *testing.T) {
	const totalLines = 100000
	var written int32
	producer := seqRunner{n: totalLines, written: &written}
	consumer := headRunner{n: 5}

	v := vfs.New(0, 0, []string{"/home"}, nil)
	k := kernel.New(logrus.NewEntry(logrus.New()))
	tools := hostabi.NewToolRegistry("seqN", "head5")
	d := NewDriver(k, v, tools, multiRunner{"seqN": producer, "head5": consumer})

	res, err := d.Run(context.Background(), "s1", "seqN | head5")
	require.NoError(t, err)
	require.Equal(t, 0, res.ExitCode)
	require.Equal(t, "1\n2\n3\n4\n5\n", res.Stdout)
	// totalLines worth of data is well beyond one pipe's capacity, so the
	// producer can only stop short of totalLines if the consumer's early
	// close reached it — the early-close contract this test exists for.
	require.Less(t, int(atomic.LoadInt32(&written)), totalLines)
}
