package shell

import (
	"strings"

	"github.com/llmsandbox/wasmsh/internal/inode"
	"github.com/llmsandbox/wasmsh/internal/vfs"
)

// Builtin runs in-process without a wasm guest. The driver still gives a
// builtin stage its own kernel process and goroutine like any other
// stage; the builtin itself only sees its whole stdin as bytes and the
// stdout/stderr builders it's handed, which runBuiltin then delivers to
// the stage's fd 1/2.
type Builtin func(b *builtinCtx) int

type builtinCtx struct {
	session *Session
	vfs     *vfs.VFS
	args    []string
	stdin   []byte
	stdout  *strings.Builder
	stderr  *strings.Builder
}

// Builtins is the default table spec.md §4.8 expects a driver to carry
// without spawning a wasm guest for trivial state mutation.
var Builtins = map[string]Builtin{
	"cd":     builtinCd,
	"pwd":    builtinPwd,
	"export": builtinExport,
	"unset":  builtinUnset,
	"echo":   builtinEcho,
	"true":   func(*builtinCtx) int { return 0 },
	"false":  func(*builtinCtx) int { return 1 },
}

func builtinCd(b *builtinCtx) int {
	dir := b.session.Env["HOME"]
	if len(b.args) > 1 {
		dir = b.args[1]
	}
	if dir == "" {
		dir = "/"
	}
	if !strings.HasPrefix(dir, "/") {
		dir = inode.Join(append(inode.Split(b.session.Cwd), inode.Split(dir)...))
	}
	st, err := b.vfs.Stat(dir)
	if err != nil || st.Kind != inode.KindDir {
		b.stderr.WriteString("cd: not a directory: " + dir + "\n")
		return 1
	}
	b.session.Cwd = dir
	return 0
}

func builtinPwd(b *builtinCtx) int {
	b.stdout.WriteString(b.session.Cwd + "\n")
	return 0
}

func builtinExport(b *builtinCtx) int {
	for _, arg := range b.args[1:] {
		name, value, ok := strings.Cut(arg, "=")
		if !ok {
			continue
		}
		b.session.Env[name] = value
	}
	return 0
}

func builtinUnset(b *builtinCtx) int {
	for _, name := range b.args[1:] {
		delete(b.session.Env, name)
	}
	return 0
}

func builtinEcho(b *builtinCtx) int {
	b.stdout.WriteString(strings.Join(b.args[1:], " ") + "\n")
	return 0
}
