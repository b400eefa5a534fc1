package fdtable

import (
	"sync"

	"github.com/llmsandbox/wasmsh/internal/errs"
)

// Table is one process's fd table: a mapping from non-negative integer
// fd to a Target. Fds 0/1/2 are always present (spec.md §3); new
// descriptors take the smallest free fd at or above 3, and closed fds
// are made available for reuse (mirrors the descriptor-reuse contract
// the teacher's own FileTable/FSContext pairing exercises).
type Table struct {
	mu   sync.Mutex
	fds  map[uint32]*Target
}

// NewTable creates a table with the three standard descriptors
// pre-populated.
func NewTable(stdin, stdout, stderr *Target) *Table {
	return &Table{fds: map[uint32]*Target{0: stdin, 1: stdout, 2: stderr}}
}

// Alloc inserts target at the smallest free fd >= 3 and returns it.
func (t *Table) Alloc(target *Target) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.allocLocked(target)
}

func (t *Table) allocLocked(target *Target) uint32 {
	for fd := uint32(3); ; fd++ {
		if _, used := t.fds[fd]; !used {
			t.fds[fd] = target
			return fd
		}
	}
}

// AllocPair inserts two targets at a contiguous (fd, fd+1) pair, both
// free, and returns (fd, fd+1). This is how pipe() hands back
// (read_fd, write_fd) as a contiguous pair (spec.md §4.5).
func (t *Table) AllocPair(first, second *Target) (uint32, uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for fd := uint32(3); ; fd++ {
		_, used1 := t.fds[fd]
		_, used2 := t.fds[fd+1]
		if !used1 && !used2 {
			t.fds[fd] = first
			t.fds[fd+1] = second
			return fd, fd + 1
		}
	}
}

// Set places target at an exact fd, overwriting whatever was there
// (used to wire positions 0/1/2 of a freshly built child table).
func (t *Table) Set(fd uint32, target *Target) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fds[fd] = target
}

// Get returns the target at fd, if any.
func (t *Table) Get(fd uint32) (*Target, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	target, ok := t.fds[fd]
	return target, ok
}

// Close removes fd from the table and returns what was there, if
// anything. Closing a pipe endpoint target does not itself close the
// underlying pipe.Pipe; the kernel does that (spec.md §4.5).
func (t *Table) Close(fd uint32) (*Target, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	target, ok := t.fds[fd]
	if ok {
		delete(t.fds, fd)
	}
	return target, ok
}

// Clone copies the table's (fd -> target) pairs into a new table without
// cloning the targets themselves: pipe endpoints and buffers are shared
// capability objects by design (spec.md §4.5 buildFdTableForSpawn "NO
// deep clone"). Used as the basis for a spawned child's table before the
// caller overwrites positions 0/1/2.
func (t *Table) Clone() *Table {
	t.mu.Lock()
	defer t.mu.Unlock()
	clone := &Table{fds: make(map[uint32]*Target, len(t.fds))}
	for fd, target := range t.fds {
		clone.fds[fd] = target
	}
	return clone
}

// Range calls fn for every (fd, target) pair. fn must not mutate the
// table.
func (t *Table) Range(fn func(fd uint32, target *Target)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for fd, target := range t.fds {
		fn(fd, target)
	}
}

// ErrBadFd is returned by callers that look up a missing fd and want the
// shared error taxonomy rather than a bare bool.
func ErrBadFd(fd uint32) error {
	return errs.Newf(errs.EBADF, "bad file descriptor %d", fd)
}
