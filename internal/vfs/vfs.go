// Package vfs implements the in-memory copy-on-write filesystem described
// by spec.md §3-§4.2: path resolution over a typed inode tree, a write
// policy gating mutation to a set of writable prefixes, byte/entry
// quotas, virtual-mount dispatch to synthetic providers, and directory
// snapshots that share file content by reference.
package vfs

import (
	"strings"
	"time"

	"github.com/llmsandbox/wasmsh/internal/errs"
	"github.com/llmsandbox/wasmsh/internal/inode"
	"github.com/llmsandbox/wasmsh/internal/vfs/provider"
)

// Stat is the information VFS.Stat reports about a resolved path.
type Stat struct {
	Kind        inode.Kind
	Size        int
	Permissions uint32
	Mtime       time.Time
	Ctime       time.Time
	Atime       time.Time
}

// DirEntry is one result of VFS.Readdir.
type DirEntry struct {
	Name string
	Kind inode.Kind
}

// Usage reports the quota accounting SPEC_FULL.md §C asks the facade to
// expose.
type Usage struct {
	UsedBytes   int
	UsedEntries int
	FsLimit     int // 0 means unlimited
	EntryLimit  int // 0 means unlimited
}

// VFS is the sandbox's virtual filesystem root (spec.md §3 "VFS root").
type VFS struct {
	root         *inode.Inode
	totalBytes   int
	totalEntries int
	fsLimit      int
	entryLimit   int
	writable     []string
	mounts       map[string]provider.Provider
	snapshots    map[string]*inode.Inode
	now          func() time.Time
}

// New creates a VFS with a root directory, the given quotas (0 disables
// a quota), and the given writable path prefixes (defaults to none —
// callers typically pass {"/home", "/tmp"} per spec.md §4.2). Each
// writable prefix is created as a directory (mode 0755) as far as the
// quotas allow.
func New(fsLimit, entryLimit int, writable []string, now func() time.Time) *VFS {
	if now == nil {
		now = time.Now
	}
	root := inode.NewDir(0o755, now())
	v := &VFS{
		root:         root,
		totalEntries: 1,
		fsLimit:      fsLimit,
		entryLimit:   entryLimit,
		writable:     append([]string(nil), writable...),
		mounts:       map[string]provider.Provider{},
		snapshots:    map[string]*inode.Inode{},
		now:          now,
	}
	for _, prefix := range v.writable {
		_ = v.mkdirAll(prefix, 0o755, true)
	}
	return v
}

// Usage reports current byte/entry accounting against configured limits.
func (v *VFS) Usage() Usage {
	return Usage{UsedBytes: v.totalBytes, UsedEntries: v.totalEntries, FsLimit: v.fsLimit, EntryLimit: v.entryLimit}
}

// Mount registers a virtual provider at an absolute prefix. Prefixes must
// not overlap an existing mount (spec.md §3 invariant).
func (v *VFS) Mount(prefix string, p provider.Provider) error {
	prefix = normalizeMount(prefix)
	for existing := range v.mounts {
		if strings.HasPrefix(existing, prefix) || strings.HasPrefix(prefix, existing) {
			return errs.New(errs.EEXIST, prefix, "mount prefix overlaps an existing mount")
		}
	}
	v.mounts[prefix] = p
	return nil
}

func normalizeMount(prefix string) string {
	segs := inode.Split(prefix)
	return inode.Join(segs)
}

// mountFor returns the provider and sub-path for an absolute path, if any
// mount covers it. Mounts are checked before the physical tree on every
// operation (spec.md §3, §4.2).
func (v *VFS) mountFor(path string) (provider.Provider, string, bool) {
	segs := inode.Split(path)
	full := inode.Join(segs)
	for prefix, p := range v.mounts {
		if full == prefix {
			return p, "", true
		}
		if strings.HasPrefix(full, prefix+"/") {
			return p, strings.TrimPrefix(full, prefix+"/"), true
		}
	}
	return nil, "", false
}

// isWritable reports whether path falls under a writable prefix.
func (v *VFS) isWritable(path string) bool {
	segs := inode.Split(path)
	full := inode.Join(segs)
	for _, prefix := range v.writable {
		p := normalizeMount(prefix)
		if p == "/" || full == p || strings.HasPrefix(full, p+"/") {
			return true
		}
	}
	return false
}

// resolve walks from root following segs, chasing symlinks at every
// non-leaf and, if chaseLeaf is set, at the leaf too. It returns the
// final node plus a reason error using the shared *errs.Error taxonomy.
func (v *VFS) resolve(segs []string, chaseLeaf bool) (*inode.Inode, error) {
	depth := 0
	return v.resolveDepth(segs, chaseLeaf, &depth)
}

// resolveDepth is resolve with the symlink hop counter supplied by the
// caller, so hops taken while resolving a symlink's own target count
// against the same MaxSymlinkDepth bound.
func (v *VFS) resolveDepth(segs []string, chaseLeaf bool, depth *int) (*inode.Inode, error) {
	cur := v.root
	for i := 0; i < len(segs); i++ {
		name := segs[i]
		if !cur.IsDir() {
			return nil, errs.New(errs.ENOTDIR, inode.Join(segs[:i]), "not a directory")
		}
		child, ok := cur.Get(name)
		if !ok {
			return nil, errs.New(errs.ENOENT, inode.Join(segs[:i+1]), "no such file or directory")
		}
		isLeaf := i == len(segs)-1
		if child.IsSymlink() && (!isLeaf || chaseLeaf) {
			resolved, err := v.followSymlink(child, segs[:i], depth)
			if err != nil {
				return nil, err
			}
			child = resolved
		}
		cur = child
	}
	return cur, nil
}

func (v *VFS) followSymlink(link *inode.Inode, base []string, depth *int) (*inode.Inode, error) {
	cur := link
	for cur.IsSymlink() {
		*depth++
		if *depth > inode.MaxSymlinkDepth {
			return nil, errs.Newf(errs.ENOENT, "too many symbolic links")
		}
		target := cur.Target
		var segs []string
		if strings.HasPrefix(target, "/") {
			segs = inode.Split(target)
		} else {
			segs = append(append([]string(nil), base...), inode.Split(target)...)
			segs = inode.Split(inode.Join(segs))
		}
		next, err := v.resolveDepth(segs, false, depth)
		if err != nil {
			return nil, err
		}
		cur = next
		base = segs[:max(0, len(segs)-1)]
	}
	return cur, nil
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// resolveParent resolves the parent directory of path and returns it
// along with the final segment name. It fails EINVAL if path is root
// (mutations must not target root directly).
func (v *VFS) resolveParent(segs []string) (*inode.Inode, string, error) {
	parentSegs, name := inode.SplitParent(segs)
	if name == "" {
		return nil, "", errs.Newf(errs.EINVAL, "path must not be root")
	}
	parent, err := v.resolve(parentSegs, true)
	if err != nil {
		return nil, "", err
	}
	if !parent.IsDir() {
		return nil, "", errs.New(errs.ENOTDIR, inode.Join(parentSegs), "not a directory")
	}
	return parent, name, nil
}

// ReadFile reads the full contents of a file. Directories yield EISDIR.
func (v *VFS) ReadFile(path string) ([]byte, error) {
	if p, sub, ok := v.mountFor(path); ok {
		return p.Read(sub)
	}
	segs := inode.Split(path)
	n, err := v.resolve(segs, true)
	if err != nil {
		return nil, err
	}
	if n.IsDir() {
		return nil, errs.New(errs.EISDIR, path, "is a directory")
	}
	out := make([]byte, len(n.Content))
	copy(out, n.Content)
	return out, nil
}

// WriteFile replaces the content of a file, creating it if absent.
// Content is replaced wholesale (never mutated in place) so existing
// snapshot/[]byte references stay frozen (spec.md §4.2).
func (v *VFS) WriteFile(path string, data []byte, perm uint32) error {
	return v.writeFile(path, data, perm, false)
}

func (v *VFS) writeFile(path string, data []byte, perm uint32, bypass bool) error {
	if p, sub, ok := v.mountFor(path); ok {
		return p.Write(sub, data)
	}
	if !bypass && !v.isWritable(path) {
		return errs.New(errs.EROFS, path, "path is not writable")
	}
	segs := inode.Split(path)
	parent, name, err := v.resolveParent(segs)
	if err != nil {
		return err
	}
	existing, exists := parent.Get(name)
	if exists && existing.IsDir() {
		return errs.New(errs.EISDIR, path, "is a directory")
	}
	oldSize := 0
	newEntry := false
	if exists {
		oldSize = existing.Size()
	} else {
		newEntry = true
	}
	delta := len(data) - oldSize
	if err := v.checkQuota(delta, newEntry); err != nil {
		return err
	}
	now := v.now()
	file := inode.NewFile(perm, now)
	file.Content = append([]byte(nil), data...)
	if exists {
		file.Meta.Ctime = existing.Meta.Ctime
	}
	parent.Set(name, file)
	v.totalBytes += delta
	if newEntry {
		v.totalEntries++
	}
	return nil
}

func (v *VFS) checkQuota(byteDelta int, newEntry bool) error {
	if v.fsLimit > 0 && v.totalBytes+byteDelta > v.fsLimit {
		return errs.Newf(errs.ENOSPC, "filesystem byte quota exceeded")
	}
	if newEntry && v.entryLimit > 0 && v.totalEntries+1 > v.entryLimit {
		return errs.Newf(errs.ENOSPC, "filesystem entry quota exceeded")
	}
	return nil
}

// Mkdir creates a single directory. The parent must already exist.
func (v *VFS) Mkdir(path string, perm uint32) error {
	return v.mkdir(path, perm, false)
}

func (v *VFS) mkdir(path string, perm uint32, bypass bool) error {
	if !bypass && !v.isWritable(path) {
		return errs.New(errs.EROFS, path, "path is not writable")
	}
	segs := inode.Split(path)
	parent, name, err := v.resolveParent(segs)
	if err != nil {
		return err
	}
	if _, exists := parent.Get(name); exists {
		return errs.New(errs.EEXIST, path, "already exists")
	}
	if err := v.checkQuota(0, true); err != nil {
		return err
	}
	parent.Set(name, inode.NewDir(perm, v.now()))
	v.totalEntries++
	return nil
}

// MkdirAll creates path and every missing ancestor. A wholly-existing
// path is a no-op success (idempotent, spec.md §8).
func (v *VFS) MkdirAll(path string, perm uint32) error {
	return v.mkdirAll(path, perm, false)
}

func (v *VFS) mkdirAll(path string, perm uint32, bypass bool) error {
	segs := inode.Split(path)
	cur := v.root
	built := []string{}
	for _, name := range segs {
		built = append(built, name)
		child, ok := cur.Get(name)
		if !ok {
			p := inode.Join(built)
			if !bypass && !v.isWritable(p) {
				return errs.New(errs.EROFS, p, "path is not writable")
			}
			if err := v.checkQuota(0, true); err != nil {
				return err
			}
			child = inode.NewDir(perm, v.now())
			cur.Set(name, child)
			v.totalEntries++
		} else if !child.IsDir() {
			return errs.New(errs.ENOTDIR, inode.Join(built), "not a directory")
		}
		cur = child
	}
	return nil
}

// Readdir lists the entries of a directory.
func (v *VFS) Readdir(path string) ([]DirEntry, error) {
	if p, sub, ok := v.mountFor(path); ok {
		entries, err := p.Readdir(sub)
		if err != nil {
			return nil, err
		}
		out := make([]DirEntry, len(entries))
		for i, e := range entries {
			k := inode.KindFile
			if e.IsDir {
				k = inode.KindDir
			}
			out[i] = DirEntry{Name: e.Name, Kind: k}
		}
		return out, nil
	}
	segs := inode.Split(path)
	n, err := v.resolve(segs, true)
	if err != nil {
		return nil, err
	}
	if !n.IsDir() {
		return nil, errs.New(errs.ENOTDIR, path, "not a directory")
	}
	names := n.Names()
	out := make([]DirEntry, 0, len(names))
	for _, name := range names {
		child, _ := n.Get(name)
		out = append(out, DirEntry{Name: name, Kind: child.Kind})
	}
	return out, nil
}

// Stat reports metadata for path, chasing a trailing symlink.
func (v *VFS) Stat(path string) (Stat, error) {
	if p, sub, ok := v.mountFor(path); ok {
		info, err := p.Stat(sub)
		if err != nil {
			return Stat{}, err
		}
		k := inode.KindFile
		if info.IsDir {
			k = inode.KindDir
		}
		return Stat{Kind: k, Size: int(info.Size), Permissions: info.Permissions, Mtime: info.ModTime}, nil
	}
	segs := inode.Split(path)
	n, err := v.resolve(segs, true)
	if err != nil {
		return Stat{}, err
	}
	return Stat{Kind: n.Kind, Size: n.Size(), Permissions: n.Meta.Permissions, Mtime: n.Meta.Mtime, Ctime: n.Meta.Ctime, Atime: n.Meta.Atime}, nil
}

// Lstat is Stat without chasing a trailing symlink.
func (v *VFS) Lstat(path string) (Stat, error) {
	segs := inode.Split(path)
	n, err := v.resolve(segs, false)
	if err != nil {
		return Stat{}, err
	}
	return Stat{Kind: n.Kind, Size: n.Size(), Permissions: n.Meta.Permissions, Mtime: n.Meta.Mtime}, nil
}

// Exists reports whether path resolves to anything, mount or physical.
func (v *VFS) Exists(path string) bool {
	if p, sub, ok := v.mountFor(path); ok {
		return p.Exists(sub)
	}
	_, err := v.resolve(inode.Split(path), true)
	return err == nil
}

// Symlink creates a symlink at path pointing to target.
func (v *VFS) Symlink(path, target string, perm uint32) error {
	if !v.isWritable(path) {
		return errs.New(errs.EROFS, path, "path is not writable")
	}
	segs := inode.Split(path)
	parent, name, err := v.resolveParent(segs)
	if err != nil {
		return err
	}
	if _, exists := parent.Get(name); exists {
		return errs.New(errs.EEXIST, path, "already exists")
	}
	if err := v.checkQuota(0, true); err != nil {
		return err
	}
	parent.Set(name, inode.NewSymlink(target, perm, v.now()))
	v.totalEntries++
	return nil
}

// Readlink returns the raw target of a symlink without chasing it.
func (v *VFS) Readlink(path string) (string, error) {
	segs := inode.Split(path)
	n, err := v.resolve(segs, false)
	if err != nil {
		return "", err
	}
	if !n.IsSymlink() {
		return "", errs.New(errs.EINVAL, path, "not a symlink")
	}
	return n.Target, nil
}

// Remove unlinks a file or symlink. EISDIR on a directory (use Rmdir).
func (v *VFS) Remove(path string) error {
	if !v.isWritable(path) {
		return errs.New(errs.EROFS, path, "path is not writable")
	}
	segs := inode.Split(path)
	parent, name, err := v.resolveParent(segs)
	if err != nil {
		return err
	}
	child, exists := parent.Get(name)
	if !exists {
		return errs.New(errs.ENOENT, path, "no such file or directory")
	}
	if child.IsDir() {
		return errs.New(errs.EISDIR, path, "is a directory")
	}
	parent.Delete(name)
	v.totalBytes -= child.Size()
	v.totalEntries--
	return nil
}

// Rmdir removes an empty directory. ENOTEMPTY if it has children.
func (v *VFS) Rmdir(path string) error {
	if !v.isWritable(path) {
		return errs.New(errs.EROFS, path, "path is not writable")
	}
	segs := inode.Split(path)
	parent, name, err := v.resolveParent(segs)
	if err != nil {
		return err
	}
	child, exists := parent.Get(name)
	if !exists {
		return errs.New(errs.ENOENT, path, "no such file or directory")
	}
	if !child.IsDir() {
		return errs.New(errs.ENOTDIR, path, "not a directory")
	}
	if len(child.Children) > 0 {
		return errs.New(errs.ENOTEMPTY, path, "directory not empty")
	}
	parent.Delete(name)
	v.totalEntries--
	return nil
}

// Chmod changes the permission bits of path.
func (v *VFS) Chmod(path string, perm uint32) error {
	return v.chmod(path, perm, false)
}

func (v *VFS) chmod(path string, perm uint32, bypass bool) error {
	if !bypass && !v.isWritable(path) {
		return errs.New(errs.EROFS, path, "path is not writable")
	}
	segs := inode.Split(path)
	n, err := v.resolve(segs, true)
	if err != nil {
		return err
	}
	n.Meta.Permissions = perm
	return nil
}

// Bypass runs fn with writable-path enforcement disabled, used for the
// default layout bootstrap and for persistence import (spec.md §4.2,
// §4.9 "under a bypass writable-path scope"). fn sees a *Bypass handle
// exposing the same mutations without the EROFS gate.
func (v *VFS) Bypass(fn func(b *Bypass) error) error {
	return fn(&Bypass{v: v})
}

// Bypass is the write-policy-bypassing handle passed to VFS.Bypass.
type Bypass struct{ v *VFS }

func (b *Bypass) WriteFile(path string, data []byte, perm uint32) error {
	return b.v.writeFile(path, data, perm, true)
}
func (b *Bypass) Mkdir(path string, perm uint32) error      { return b.v.mkdir(path, perm, true) }
func (b *Bypass) MkdirAll(path string, perm uint32) error   { return b.v.mkdirAll(path, perm, true) }
func (b *Bypass) Chmod(path string, perm uint32) error      { return b.v.chmod(path, perm, true) }
func (b *Bypass) ReadFile(path string) ([]byte, error)      { return b.v.ReadFile(path) }
func (b *Bypass) Readdir(path string) ([]DirEntry, error)   { return b.v.Readdir(path) }
func (b *Bypass) Stat(path string) (Stat, error)            { return b.v.Stat(path) }

// ReadAt and WriteAt let a VFS stand in directly for fdtable.VFSFile, so
// a WASI path_open descriptor can read/write at an offset without the
// host ABI layer reimplementing file positioning. Both operate on the
// whole-file content replaced by WriteFile/ReadFile (spec.md §4.2: "content
// is never mutated in place"), so they read-modify-write rather than
// seeking into a mutable buffer.
func (v *VFS) ReadAt(path string, offset, length int) ([]byte, error) {
	if p, sub, ok := v.mountFor(path); ok {
		if rr, ok := p.(provider.RangeReader); ok {
			return rr.ReadAt(sub, offset, length)
		}
	}
	data, err := v.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if offset >= len(data) {
		return nil, nil
	}
	end := offset + length
	if end > len(data) {
		end = len(data)
	}
	out := make([]byte, end-offset)
	copy(out, data[offset:end])
	return out, nil
}

func (v *VFS) WriteAt(path string, offset int, data []byte) (int, error) {
	existing, err := v.ReadFile(path)
	if err != nil && !errs.Is(err, errs.ENOENT) {
		return 0, err
	}
	perm := uint32(0o644)
	if st, serr := v.Stat(path); serr == nil {
		perm = st.Permissions
	}
	needed := offset + len(data)
	if needed > len(existing) {
		grown := make([]byte, needed)
		copy(grown, existing)
		existing = grown
	}
	copy(existing[offset:], data)
	if err := v.writeFile(path, existing, perm, false); err != nil {
		return 0, err
	}
	return len(data), nil
}
