package sandbox

import (
	"github.com/pkg/errors"

	"github.com/llmsandbox/wasmsh/internal/errs"
)

// Re-export the closed error kind so callers outside internal/ can
// switch on it without importing internal/errs directly.
type Kind = errs.Kind

const (
	ErrNotFound      = errs.ENOENT
	ErrInvalid       = errs.EINVAL
	ErrDestroyed     = errs.DESTROYED
	ErrQuotaExceeded = errs.ENOSPC
	ErrTimeout       = errs.TIMEOUT
	ErrCancelled     = errs.CANCELLED
	ErrRofs          = errs.EROFS
)

// KindOf extracts a RunResult/operation error's Kind, "" if err doesn't
// carry one (spec.md §6/§7).
func KindOf(err error) Kind { return errs.KindOf(err) }

// wrap adds package-boundary context the way SPEC_FULL.md §A.2 asks for
// (pkg/errors.Wrap at a boundary that adds context), keeping the
// underlying *errs.Error reachable through errors.Cause/errs.Is.
func wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, context)
}
