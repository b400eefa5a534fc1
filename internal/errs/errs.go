// Package errs defines the closed, tagged error kind shared by every
// layer of the sandbox (spec.md §6, §7): VFS errors, pipe EPIPE,
// scheduling TIMEOUT/CANCELLED, persistence corruption, and network
// policy errors all resolve to one of these kinds so a caller at any
// boundary (WASI errno mapping, shell exit code, facade error) can
// switch on Kind without string comparison.
package errs

import "fmt"

// Kind is the closed set of error kinds the sandbox can produce. Keep
// this set closed: every consumer that maps a Kind to something else
// (a POSIX errno, a shell exit code) must be exhaustive.
type Kind string

const (
	ENOENT     Kind = "ENOENT"
	ENOTDIR    Kind = "ENOTDIR"
	EISDIR     Kind = "EISDIR"
	EEXIST     Kind = "EEXIST"
	ENOTEMPTY  Kind = "ENOTEMPTY"
	EROFS      Kind = "EROFS"
	ENOSPC     Kind = "ENOSPC"
	EPIPE      Kind = "EPIPE"
	EINVAL     Kind = "EINVAL"
	EBADF      Kind = "EBADF"
	TIMEOUT    Kind = "TIMEOUT"
	CANCELLED  Kind = "CANCELLED"
	CORRUPTED  Kind = "CORRUPTED"
	NETDENIED  Kind = "NETWORK_DENIED"
	NETERROR   Kind = "NETWORK_ERROR"
	DESTROYED  Kind = "DESTROYED"
)

// Error is the sandbox's tagged error value. It always carries both the
// Kind code and a short human message (spec.md §6: "the textual
// representation always carries both the code ... and a short message").
type Error struct {
	Kind    Kind
	Path    string // optional, empty when not path-scoped
	Message string
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Path, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// New builds an Error for a path-scoped failure.
func New(kind Kind, path, message string) *Error {
	return &Error{Kind: kind, Path: path, Message: message}
}

// Newf builds a non-path-scoped Error.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Is reports whether err is an *Error of the given Kind, unwrapping
// through github.com/pkg/errors wrappers via the standard errors chain.
func Is(err error, kind Kind) bool {
	var e *Error
	for err != nil {
		if se, ok := err.(*Error); ok {
			e = se
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return e != nil && e.Kind == kind
}

// KindOf extracts the Kind of err, or "" if err is not (or does not wrap)
// an *Error.
func KindOf(err error) Kind {
	var e *Error
	cur := err
	for cur != nil {
		if se, ok := cur.(*Error); ok {
			e = se
			break
		}
		u, ok := cur.(interface{ Unwrap() error })
		if !ok {
			break
		}
		cur = u.Unwrap()
	}
	if e == nil {
		return ""
	}
	return e.Kind
}
