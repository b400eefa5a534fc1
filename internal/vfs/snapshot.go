package vfs

import (
	"github.com/google/uuid"

	"github.com/llmsandbox/wasmsh/internal/errs"
	"github.com/llmsandbox/wasmsh/internal/inode"
)

// Snapshot deep-clones the directory spine and registers it under a new
// id, sharing file content by reference (spec.md §4.2 "Snapshots"). The
// returned id is stable: subsequent mutation of the live VFS never
// changes what Restore(id) observes (I4).
func (v *VFS) Snapshot() string {
	id := uuid.NewString()
	v.snapshots[id] = v.root.Clone()
	return id
}

// Restore replaces the live root with a fresh clone of the snapshot
// identified by id. Restoring twice from the same id is idempotent: the
// live tree ends up structurally identical both times.
func (v *VFS) Restore(id string) error {
	snap, ok := v.snapshots[id]
	if !ok {
		return errs.Newf(errs.ENOENT, "no such snapshot %q", id)
	}
	v.root = snap.Clone()
	v.totalBytes, v.totalEntries = countTree(v.root)
	return nil
}

// DropSnapshot releases a snapshot's retained tree.
func (v *VFS) DropSnapshot(id string) {
	delete(v.snapshots, id)
}

// countTree recomputes byte/entry accounting after a structural swap of
// the root (Restore). Walking the tree once here is cheaper than
// threading delta bookkeeping through Clone.
func countTree(n *inode.Inode) (bytes, entries int) {
	entries = 1
	if n.IsDir() {
		for _, name := range n.Names() {
			child, _ := n.Get(name)
			b, e := countTree(child)
			bytes += b
			entries += e
		}
		return bytes, entries
	}
	return n.Size(), entries
}

// CowClone produces an independent VFS sharing the same content
// semantics as v: mutating the clone never affects v and vice versa,
// because every mutation replaces rather than edits file content.
func (v *VFS) CowClone() *VFS {
	return &VFS{
		root:         v.root.Clone(),
		totalBytes:   v.totalBytes,
		totalEntries: v.totalEntries,
		fsLimit:      v.fsLimit,
		entryLimit:   v.entryLimit,
		writable:     append([]string(nil), v.writable...),
		mounts:       v.mounts, // providers are shared capability objects, not cloned
		snapshots:    map[string]*inode.Inode{},
		now:          v.now,
	}
}
