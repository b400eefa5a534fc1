// Package shell implements the pipeline execution model of spec.md §4.7
// and §4.8: a named session holding the POSIX-shaped state a shell
// carries between commands (environment, working directory, arrays,
// flags), a small recursive-descent parser for pipelines and command
// substitution, a builtin registry executed inline, and a driver that
// wires external stages through the kernel's pipe/spawn/waitpid surface.
package shell

import "sort"

// Session is the mutable state one shell instance carries across
// commands — spec.md §4.7's "subshell snapshot/restore of
// {env,cwd,arrays,flags}" names exactly these four fields.
type Session struct {
	Env     map[string]string
	Cwd     string
	Arrays  map[string][]string
	Pipefail bool
}

// NewSession creates a session seeded with env and starting directory.
func NewSession(env map[string]string, cwd string) *Session {
	s := &Session{Env: map[string]string{}, Cwd: cwd, Arrays: map[string][]string{}}
	for k, v := range env {
		s.Env[k] = v
	}
	return s
}

// Snapshot deep-copies the session so a subshell can run against a copy
// and be restored (or discarded) without allocating a new guest instance
// (spec.md §4.7).
func (s *Session) Snapshot() *Session {
	clone := &Session{
		Env:      make(map[string]string, len(s.Env)),
		Cwd:      s.Cwd,
		Arrays:   make(map[string][]string, len(s.Arrays)),
		Pipefail: s.Pipefail,
	}
	for k, v := range s.Env {
		clone.Env[k] = v
	}
	for k, v := range s.Arrays {
		dup := make([]string, len(v))
		copy(dup, v)
		clone.Arrays[k] = dup
	}
	return clone
}

// Restore overwrites s's state with other's, used when a subshell's
// changes must not leak back to the parent.
func (s *Session) Restore(other *Session) {
	s.Env = other.Env
	s.Cwd = other.Cwd
	s.Arrays = other.Arrays
	s.Pipefail = other.Pipefail
}

// EnvList renders the session's environment as "NAME=value" pairs in a
// stable order, the wire format spawn's environ vector and hostabi's
// NUL-joined env list both expect.
func (s *Session) EnvList() []string {
	names := make([]string, 0, len(s.Env))
	for k := range s.Env {
		names = append(names, k)
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, k := range names {
		out = append(out, k+"="+s.Env[k])
	}
	return out
}
