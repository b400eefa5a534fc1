package inode_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/llmsandbox/wasmsh/internal/inode"
)

func TestSplit(t *testing.T) {
	tests := []struct {
		name string
		path string
		want []string
	}{
		{"root", "/", nil},
		{"simple", "/home/user", []string{"home", "user"}},
		{"dot segments dropped", "/home/./user/", []string{"home", "user"}},
		{"double slash", "//home//user", []string{"home", "user"}},
		{"dotdot pops", "/home/user/../other", []string{"home", "other"}},
		{"dotdot never underflows root", "/../../etc", []string{"etc"}},
		{"relative", "a/b/c", []string{"a", "b", "c"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := inode.Split(tt.path)
			if len(tt.want) == 0 {
				require.Empty(t, got)
				return
			}
			require.Equal(t, tt.want, got)
		})
	}
}

func TestSplitParentRoot(t *testing.T) {
	parent, name := inode.SplitParent(inode.Split("/"))
	require.Empty(t, parent)
	require.Empty(t, name)
}

func TestSplitParent(t *testing.T) {
	parent, name := inode.SplitParent(inode.Split("/home/user/a.txt"))
	require.Equal(t, []string{"home", "user"}, parent)
	require.Equal(t, "a.txt", name)
}

func TestCloneSharesFileContentButNotDirMaps(t *testing.T) {
	now := time.Unix(0, 0)
	root := inode.NewDir(0o755, now)
	home := inode.NewDir(0o755, now)
	root.Set("home", home)
	file := inode.NewFile(0o644, now)
	file.Content = []byte("abc")
	home.Set("a.txt", file)

	clone := root.Clone()

	// Mutating the live tree's directory map must not affect the clone.
	root.Delete("home")
	_, ok := clone.Get("home")
	require.True(t, ok, "snapshot must retain deleted live entries")

	clonedHome, _ := clone.Get("home")
	clonedFile, _ := clonedHome.Get("a.txt")
	require.Equal(t, "abc", string(clonedFile.Content))

	// File content bytes are shared by reference (replacement semantics
	// make this safe): same backing array.
	require.Same(t, &file.Content[0], &clonedFile.Content[0])
}

func TestSizeOnlyCountsFileContent(t *testing.T) {
	now := time.Now()
	dir := inode.NewDir(0o755, now)
	require.Equal(t, 0, dir.Size())

	file := inode.NewFile(0o644, now)
	file.Content = []byte("hello")
	require.Equal(t, 5, file.Size())

	link := inode.NewSymlink("/x", 0o777, now)
	require.Equal(t, 0, link.Size())
}
