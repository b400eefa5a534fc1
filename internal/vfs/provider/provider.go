// Package provider defines the virtual-provider capability contract
// (spec.md §3 "Virtual provider", §4.8) and the concrete synthetic mounts
// built on it: a /dev-like device provider, a /proc-like process-info
// provider, and a path-traversal-checked host directory provider.
package provider

import "time"

// Info is the subset of inode metadata a provider can report for Stat.
type Info struct {
	Name        string
	IsDir       bool
	Size        int64
	Permissions uint32
	ModTime     time.Time
}

// Entry is one readdir result.
type Entry struct {
	Name  string
	IsDir bool
}

// Provider presents a synthetic subtree at a mounted prefix. It receives
// only the sub-path, the portion of the resolved absolute path after the
// mount prefix (leading slash stripped, "" for the mount root itself).
// Every method shares the *errs.Error taxonomy the VFS uses for physical
// operations (spec.md §4.2): a provider that cannot satisfy a request
// returns a *errs.Error with the matching Kind, never a bare error.
type Provider interface {
	Read(subpath string) ([]byte, error)
	Write(subpath string, data []byte) error
	Exists(subpath string) bool
	Stat(subpath string) (Info, error)
	Readdir(subpath string) ([]Entry, error)
}

// RangeReader is an optional capability a Provider implements when its
// reads are not naturally bounded by a fixed Read result — an infinite
// source like /dev/zero or /dev/random has no "whole file" to slice by
// offset, so VFS.ReadAt prefers this over Read+slice when present,
// asking the provider for exactly the bytes a caller wants rather than
// truncating it to whatever Read's own synthesized length happens to be.
type RangeReader interface {
	ReadAt(subpath string, offset, length int) ([]byte, error)
}
