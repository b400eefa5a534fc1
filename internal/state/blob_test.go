package state_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/llmsandbox/wasmsh/internal/errs"
	"github.com/llmsandbox/wasmsh/internal/state"
	"github.com/llmsandbox/wasmsh/internal/vfs"
)

func newTestVFS() *vfs.VFS {
	return vfs.New(0, 0, []string{"/home", "/tmp"}, nil)
}

func TestExportImportRoundTrip(t *testing.T) {
	v := newTestVFS()
	require.NoError(t, v.MkdirAll("/home/user/project", 0o755))
	require.NoError(t, v.WriteFile("/home/user/project/main.py", []byte("print(1)\n"), 0o644))
	require.NoError(t, v.WriteFile("/tmp/scratch.txt", []byte("scratch"), 0o644))

	blob, err := state.Export(v, map[string]string{"PATH": "/usr/bin", "HOME": "/home/user"})
	require.NoError(t, err)

	v2 := newTestVFS()
	env, err := state.Import(v2, blob)
	require.NoError(t, err)
	require.Equal(t, "/usr/bin", env["PATH"])

	data, err := v2.ReadFile("/home/user/project/main.py")
	require.NoError(t, err)
	require.Equal(t, "print(1)\n", string(data))

	data, err = v2.ReadFile("/tmp/scratch.txt")
	require.NoError(t, err)
	require.Equal(t, "scratch", string(data))
}

func TestImportDropsUnsafePrefixes(t *testing.T) {
	v := newTestVFS()
	require.NoError(t, v.Bypass(func(b *vfs.Bypass) error {
		if err := b.MkdirAll("/etc", 0o755); err != nil {
			return err
		}
		return b.WriteFile("/etc/passwd", []byte("root:x:0:0"), 0o644)
	}))
	require.NoError(t, v.MkdirAll("/home/user", 0o755))
	require.NoError(t, v.WriteFile("/home/user/ok.txt", []byte("ok"), 0o644))

	blob, err := state.Export(v, nil)
	require.NoError(t, err)

	v2 := newTestVFS()
	_, err = state.Import(v2, blob)
	require.NoError(t, err)

	require.False(t, v2.Exists("/etc/passwd"))
	require.True(t, v2.Exists("/home/user/ok.txt"))
}

func TestImportRejectsCorruptedChecksum(t *testing.T) {
	v := newTestVFS()
	require.NoError(t, v.MkdirAll("/home/user", 0o755))
	blob, err := state.Export(v, nil)
	require.NoError(t, err)

	corrupted := append([]byte(nil), blob...)
	corrupted[len(corrupted)-1] ^= 0xFF

	v2 := newTestVFS()
	_, err = state.Import(v2, corrupted)
	require.True(t, errs.Is(err, errs.CORRUPTED))
}

func TestImportRejectsBadMagic(t *testing.T) {
	v2 := newTestVFS()
	_, err := state.Import(v2, []byte("not a state blob at all"))
	require.True(t, errs.Is(err, errs.CORRUPTED))
}

func TestExportOmitsSymlinks(t *testing.T) {
	v := newTestVFS()
	require.NoError(t, v.MkdirAll("/home/user", 0o755))
	require.NoError(t, v.WriteFile("/home/user/real.txt", []byte("x"), 0o644))
	require.NoError(t, v.Symlink("/home/user/link.txt", "/home/user/real.txt", 0o777))

	blob, err := state.Export(v, nil)
	require.NoError(t, err)

	v2 := newTestVFS()
	_, err = state.Import(v2, blob)
	require.NoError(t, err)

	require.True(t, v2.Exists("/home/user/real.txt"))
	require.False(t, v2.Exists("/home/user/link.txt"))
}

func TestImportAppliesDirectoryPermissions(t *testing.T) {
	v := newTestVFS()
	require.NoError(t, v.MkdirAll("/home/user/bin", 0o700))
	blob, err := state.Export(v, nil)
	require.NoError(t, err)

	v2 := newTestVFS()
	_, err = state.Import(v2, blob)
	require.NoError(t, err)

	st, err := v2.Stat("/home/user/bin")
	require.NoError(t, err)
	require.EqualValues(t, 0o700, st.Permissions)
}
