package vfs_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/llmsandbox/wasmsh/internal/errs"
	"github.com/llmsandbox/wasmsh/internal/vfs"
	"github.com/llmsandbox/wasmsh/internal/vfs/provider"
)

func newTestVFS(t *testing.T) *vfs.VFS {
	t.Helper()
	v := vfs.New(0, 0, []string{"/home", "/tmp"}, func() time.Time { return time.Unix(0, 0) })
	require.NoError(t, v.MkdirAll("/home/user", 0o755))
	require.NoError(t, v.MkdirAll("/tmp", 0o755))
	return v
}

func TestWriteReadRoundTrip(t *testing.T) {
	v := newTestVFS(t)
	require.NoError(t, v.WriteFile("/home/user/a.txt", []byte("abc"), 0o644))
	data, err := v.ReadFile("/home/user/a.txt")
	require.NoError(t, err)
	require.Equal(t, "abc", string(data))
}

func TestWriteZeroBytesCreatesEmptyFile(t *testing.T) {
	v := newTestVFS(t)
	require.NoError(t, v.WriteFile("/home/user/empty.txt", nil, 0o644))
	data, err := v.ReadFile("/home/user/empty.txt")
	require.NoError(t, err)
	require.Empty(t, data)
}

func TestRewriteSameBytesDoesNotChangeTotalBytes(t *testing.T) {
	v := newTestVFS(t)
	require.NoError(t, v.WriteFile("/home/user/a.txt", []byte("abc"), 0o644))
	before := v.Usage().UsedBytes
	require.NoError(t, v.WriteFile("/home/user/a.txt", []byte("abc"), 0o644))
	require.Equal(t, before, v.Usage().UsedBytes)
}

// I1: every operation outside the writable set fails EROFS; every
// operation inside succeeds or fails with a kind that is not EROFS.
func TestWritePolicyInvariant(t *testing.T) {
	v := newTestVFS(t)
	err := v.WriteFile("/etc/passwd", []byte("x"), 0o644)
	require.True(t, errs.Is(err, errs.EROFS))

	err = v.WriteFile("/home/user/ok.txt", []byte("x"), 0o644)
	require.NoError(t, err)

	// Inside the writable set but otherwise invalid: must not be EROFS.
	err = v.WriteFile("/home/user/ok.txt/nested", []byte("x"), 0o644)
	require.Error(t, err)
	require.False(t, errs.Is(err, errs.EROFS))
}

func TestMkdirAllIdempotent(t *testing.T) {
	v := newTestVFS(t)
	require.NoError(t, v.MkdirAll("/home/user/a/b/c", 0o755))
	require.NoError(t, v.MkdirAll("/home/user/a/b/c", 0o755))
	st, err := v.Stat("/home/user/a/b/c")
	require.NoError(t, err)
	require.Equal(t, true, st.Kind.String() == "dir")
}

func TestRmdirRequiresEmpty(t *testing.T) {
	v := newTestVFS(t)
	require.NoError(t, v.MkdirAll("/home/user/d", 0o755))
	require.NoError(t, v.WriteFile("/home/user/d/f.txt", []byte("x"), 0o644))
	err := v.Rmdir("/home/user/d")
	require.True(t, errs.Is(err, errs.ENOTEMPTY))
	require.NoError(t, v.Remove("/home/user/d/f.txt"))
	require.NoError(t, v.Rmdir("/home/user/d"))
}

func TestRemoveOnDirectoryIsEISDIR(t *testing.T) {
	v := newTestVFS(t)
	require.NoError(t, v.MkdirAll("/home/user/d", 0o755))
	err := v.Remove("/home/user/d")
	require.True(t, errs.Is(err, errs.EISDIR))
}

func TestReadOnDirectoryIsEISDIR(t *testing.T) {
	v := newTestVFS(t)
	_, err := v.ReadFile("/home/user")
	require.True(t, errs.Is(err, errs.EISDIR))
}

func TestSymlinkCycleIsBoundedENOENT(t *testing.T) {
	v := newTestVFS(t)
	require.NoError(t, v.Symlink("/home/user/a", "/home/user/b", 0o777))
	require.NoError(t, v.Symlink("/home/user/b", "/home/user/a", 0o777))

	_, err := v.ReadFile("/home/user/a")
	require.True(t, errs.Is(err, errs.ENOENT))
}

func TestFsLimitExactlyMet(t *testing.T) {
	v := vfs.New(5, 0, []string{"/tmp"}, nil)
	require.NoError(t, v.WriteFile("/tmp/a.txt", []byte("12345"), 0o644))
	err := v.WriteFile("/tmp/b.txt", []byte("1"), 0o644)
	require.True(t, errs.Is(err, errs.ENOSPC))
}

func TestEntryLimit(t *testing.T) {
	// root dir counts as 1 entry.
	v := vfs.New(0, 2, []string{"/"}, nil)
	require.NoError(t, v.Mkdir("/a", 0o755))
	err := v.Mkdir("/b", 0o755)
	require.True(t, errs.Is(err, errs.ENOSPC))
}

func TestSnapshotIsFrozen(t *testing.T) {
	v := newTestVFS(t)
	require.NoError(t, v.WriteFile("/home/user/a.txt", []byte("v1"), 0o644))
	id := v.Snapshot()

	require.NoError(t, v.WriteFile("/home/user/a.txt", []byte("v2-longer"), 0o644))
	require.NoError(t, v.Remove("/home/user/a.txt"))

	require.NoError(t, v.Restore(id))
	data, err := v.ReadFile("/home/user/a.txt")
	require.NoError(t, err)
	require.Equal(t, "v1", string(data))
}

func TestRestoreIsIdempotent(t *testing.T) {
	v := newTestVFS(t)
	require.NoError(t, v.WriteFile("/home/user/a.txt", []byte("v1"), 0o644))
	id := v.Snapshot()
	require.NoError(t, v.Restore(id))
	usage1 := v.Usage()
	require.NoError(t, v.Restore(id))
	usage2 := v.Usage()
	require.Equal(t, usage1, usage2)
}

func TestCowCloneIsIndependent(t *testing.T) {
	v := newTestVFS(t)
	require.NoError(t, v.WriteFile("/home/user/a.txt", []byte("v1"), 0o644))
	clone := v.CowClone()

	require.NoError(t, clone.WriteFile("/home/user/a.txt", []byte("clone-wrote-this"), 0o644))
	data, err := v.ReadFile("/home/user/a.txt")
	require.NoError(t, err)
	require.Equal(t, "v1", string(data))
}

func TestVirtualMountCheckedBeforePhysicalTree(t *testing.T) {
	v := newTestVFS(t)
	require.NoError(t, v.Mount("/dev", provider.NewDeviceProvider()))

	data, err := v.ReadFile("/dev/null")
	require.NoError(t, err)
	require.Empty(t, data)

	err = v.WriteFile("/dev/zero", []byte("x"), 0o644)
	require.True(t, errs.Is(err, errs.EROFS))
}

func TestReadAtOnDeviceNeverShortReadsPastFixedBufferSize(t *testing.T) {
	v := newTestVFS(t)
	require.NoError(t, v.Mount("/dev", provider.NewDeviceProvider()))

	data, err := v.ReadAt("/dev/zero", 8192, 4096)
	require.NoError(t, err)
	require.Len(t, data, 4096)
	for _, b := range data {
		require.Zero(t, b)
	}
}

func TestBypassAllowsWriteOutsideWritableSet(t *testing.T) {
	v := newTestVFS(t)
	err := v.Bypass(func(b *vfs.Bypass) error {
		if err := b.MkdirAll("/usr/lib/python", 0o755); err != nil {
			return err
		}
		return b.WriteFile("/usr/lib/python/site.py", []byte("# x"), 0o644)
	})
	require.NoError(t, err)
	data, err := v.ReadFile("/usr/lib/python/site.py")
	require.NoError(t, err)
	require.Equal(t, "# x", string(data))

	// Bypass does not persist: later direct writes outside writable set
	// still fail EROFS.
	err = v.WriteFile("/usr/lib/python/other.py", []byte("x"), 0o644)
	require.True(t, errs.Is(err, errs.EROFS))
}

func TestPathResolutionDotDotNeverUnderflowsRoot(t *testing.T) {
	v := newTestVFS(t)
	require.True(t, v.Exists("/../../home/user"))
}

func TestSymlinkDepthBoundExactly(t *testing.T) {
	v := vfs.New(0, 0, []string{"/tmp"}, nil)
	require.NoError(t, v.WriteFile("/tmp/real.txt", []byte("ok"), 0o644))
	prev := "/tmp/real.txt"
	for i := 0; i < 39; i++ {
		name := fmt.Sprintf("/tmp/l%d", i)
		require.NoError(t, v.Symlink(name, prev, 0o777))
		prev = name
	}
	// 39 hops resolves fine (< 40 bound).
	data, err := v.ReadFile(prev)
	require.NoError(t, err)
	require.Equal(t, "ok", string(data))
}
