package fdtable_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/llmsandbox/wasmsh/internal/fdtable"
)

func newStdTable() *fdtable.Table {
	return fdtable.NewTable(fdtable.NewNull(), fdtable.NewBuffer(0), fdtable.NewBuffer(0))
}

func TestStandardDescriptorsPresent(t *testing.T) {
	table := newStdTable()
	for fd := uint32(0); fd < 3; fd++ {
		_, ok := table.Get(fd)
		require.True(t, ok)
	}
}

func TestAllocUsesSmallestFreeFdAtOrAbove3(t *testing.T) {
	table := newStdTable()
	fd1 := table.Alloc(fdtable.NewNull())
	require.Equal(t, uint32(3), fd1)
	fd2 := table.Alloc(fdtable.NewNull())
	require.Equal(t, uint32(4), fd2)

	table.Close(fd1)
	fd3 := table.Alloc(fdtable.NewNull())
	require.Equal(t, uint32(3), fd3, "closed fd must be reused")
}

func TestAllocPairIsContiguous(t *testing.T) {
	table := newStdTable()
	r, w := table.AllocPair(fdtable.NewNull(), fdtable.NewNull())
	require.Equal(t, w, r+1)
}

func TestCloneSharesTargetsNotDeep(t *testing.T) {
	table := newStdTable()
	buf := fdtable.NewBuffer(0)
	fd := table.Alloc(buf)

	clone := table.Clone()
	cloned, ok := clone.Get(fd)
	require.True(t, ok)
	require.Same(t, buf, cloned)
}

func TestCloseRemovesFd(t *testing.T) {
	table := newStdTable()
	fd := table.Alloc(fdtable.NewNull())
	target, ok := table.Close(fd)
	require.True(t, ok)
	require.NotNil(t, target)
	_, ok = table.Get(fd)
	require.False(t, ok)
}

func TestBufferAppendTruncatesAtCap(t *testing.T) {
	buf := fdtable.NewBuffer(4)
	n, truncated := buf.AppendBuffer([]byte("abcdef"))
	require.Equal(t, 4, n)
	require.True(t, truncated)
	require.Equal(t, "abcd", string(buf.Bytes()))
}

func TestStaticReadReturnsZeroPastEnd(t *testing.T) {
	target := fdtable.NewStatic([]byte("hi"))
	p := make([]byte, 8)
	n := target.ReadStatic(p)
	require.Equal(t, 2, n)
	n = target.ReadStatic(p)
	require.Equal(t, 0, n)
}
