package kernel_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/llmsandbox/wasmsh/internal/errs"
	"github.com/llmsandbox/wasmsh/internal/kernel"
)

func TestAllocPidMonotonic(t *testing.T) {
	k := kernel.New(nil)
	p1 := k.AllocPid()
	p2 := k.AllocPid()
	require.Greater(t, p2, p1)
	require.NotZero(t, p1)
}

func TestCreatePipeContiguousFds(t *testing.T) {
	k := kernel.New(nil)
	pid := k.AllocPid()
	k.InitProcess(pid)

	r, w, err := k.CreatePipe(pid)
	require.NoError(t, err)
	require.Equal(t, w, r+1)
}

func TestWaitpidReturnsExitCodeAndConsumesProcess(t *testing.T) {
	k := kernel.New(nil)
	pid := k.AllocPid()
	k.InitProcess(pid)
	k.RegisterProcess(pid, func(ctx context.Context) int { return 7 })

	code, err := k.Waitpid(context.Background(), pid)
	require.NoError(t, err)
	require.Equal(t, 7, code)

	// Second wait on the same (now consumed) pid is ENOENT.
	_, err = k.Waitpid(context.Background(), pid)
	require.True(t, errs.Is(err, errs.ENOENT))
}

func TestWaitpidBlocksUntilExit(t *testing.T) {
	k := kernel.New(nil)
	pid := k.AllocPid()
	k.InitProcess(pid)

	started := make(chan struct{})
	k.RegisterProcess(pid, func(ctx context.Context) int {
		close(started)
		time.Sleep(30 * time.Millisecond)
		return 0
	})
	<-started

	start := time.Now()
	_, err := k.Waitpid(context.Background(), pid)
	require.NoError(t, err)
	require.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestWaitpidCancellable(t *testing.T) {
	k := kernel.New(nil)
	pid := k.AllocPid()
	k.InitProcess(pid)
	// Never finishes on its own.
	k.RegisterProcess(pid, func(ctx context.Context) int {
		<-ctx.Done()
		return 130
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := k.Waitpid(ctx, pid)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBuildFdTableForSpawnSharesNotClones(t *testing.T) {
	k := kernel.New(nil)
	pid := k.AllocPid()
	table := k.InitProcess(pid)

	r, w, err := k.CreatePipe(pid)
	require.NoError(t, err)
	_ = table

	child, err := k.BuildFdTableForSpawn(pid, r, w, 2)
	require.NoError(t, err)

	parentTarget, _ := k.GetFdTarget(pid, r)
	childTarget, _ := child.Get(0)
	require.Same(t, parentTarget.Pipe, childTarget.Pipe)
}

func TestCloseFdOnPipeEndpointClosesPipe(t *testing.T) {
	k := kernel.New(nil)
	pid := k.AllocPid()
	k.InitProcess(pid)
	r, w, err := k.CreatePipe(pid)
	require.NoError(t, err)

	writeTarget, _ := k.GetFdTarget(pid, w)
	require.NoError(t, k.CloseFd(pid, w))
	require.True(t, writeTarget.Pipe.IsWriteClosed())

	readTarget, _ := k.GetFdTarget(pid, r)
	require.NoError(t, k.CloseFd(pid, r))
	require.True(t, readTarget.Pipe.IsReadClosed())
}

func TestDisposeClosesAllPipes(t *testing.T) {
	k := kernel.New(nil)
	pid := k.AllocPid()
	k.InitProcess(pid)
	_, w, err := k.CreatePipe(pid)
	require.NoError(t, err)
	target, _ := k.GetFdTarget(pid, w)

	k.Dispose()
	require.True(t, target.Pipe.IsWriteClosed())
}
