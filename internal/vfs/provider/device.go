package provider

import (
	"crypto/rand"
	"time"

	"github.com/llmsandbox/wasmsh/internal/errs"
)

// Device-like sink/source names, the closed set spec.md §4.8 names:
// a discard sink, a zero source, and two named random sources.
const (
	NameDiscard = "null"
	NameZero    = "zero"
	NameRandom  = "random"
	NameURandom = "urandom"
)

// DeviceProvider serves the fixed leaf set {null, zero, random, urandom}
// under its mount prefix (conventionally "/dev"). Writes to "null"
// succeed silently and are discarded; every other write fails EROFS.
// Reads from "zero" yield zero-filled bytes, from "random"/"urandom"
// cryptographically strong random bytes, from "null" the empty slice.
// DeviceProvider has no notion of "how many bytes were requested" on its
// own — callers (the WASI fd_read path) pass the requested length.
type DeviceProvider struct {
	// ReadLen is the number of bytes Read synthesizes for zero/random
	// sources when the caller does not separately bound the read (the
	// WASI host bounds it using the guest's iovec length instead; this
	// is only used by direct VFS reads of the device path).
	ReadLen int
}

func NewDeviceProvider() *DeviceProvider {
	return &DeviceProvider{ReadLen: 4096}
}

func (d *DeviceProvider) Read(subpath string) ([]byte, error) {
	switch subpath {
	case NameDiscard:
		return []byte{}, nil
	case NameZero:
		return make([]byte, d.ReadLen), nil
	case NameRandom, NameURandom:
		buf := make([]byte, d.ReadLen)
		if _, err := rand.Read(buf); err != nil {
			return nil, errs.New(errs.EINVAL, subpath, "random source unavailable")
		}
		return buf, nil
	default:
		return nil, errs.New(errs.ENOENT, subpath, "no such device")
	}
}

// ReadN synthesizes exactly n bytes from the named source, used by the
// WASI fd_read path which knows the guest's requested length up front.
func (d *DeviceProvider) ReadN(subpath string, n int) ([]byte, error) {
	switch subpath {
	case NameDiscard:
		return []byte{}, nil
	case NameZero:
		return make([]byte, n), nil
	case NameRandom, NameURandom:
		buf := make([]byte, n)
		if _, err := rand.Read(buf); err != nil {
			return nil, errs.New(errs.EINVAL, subpath, "random source unavailable")
		}
		return buf, nil
	default:
		return nil, errs.New(errs.ENOENT, subpath, "no such device")
	}
}

// ReadAt implements provider.RangeReader: zero/random/urandom are
// unbounded streams with no concept of position, so offset is ignored
// and exactly length bytes are synthesized fresh, matching real
// /dev/zero and /dev/urandom semantics (a read never short-reads or
// hits EOF regardless of how far a caller's offset has advanced).
func (d *DeviceProvider) ReadAt(subpath string, offset, length int) ([]byte, error) {
	return d.ReadN(subpath, length)
}

func (d *DeviceProvider) Write(subpath string, data []byte) error {
	if subpath == NameDiscard {
		return nil
	}
	switch subpath {
	case NameZero, NameRandom, NameURandom:
		return errs.New(errs.EROFS, subpath, "device is read-only")
	default:
		return errs.New(errs.ENOENT, subpath, "no such device")
	}
}

func (d *DeviceProvider) Exists(subpath string) bool {
	switch subpath {
	case NameDiscard, NameZero, NameRandom, NameURandom:
		return true
	default:
		return false
	}
}

func (d *DeviceProvider) Stat(subpath string) (Info, error) {
	if !d.Exists(subpath) {
		return Info{}, errs.New(errs.ENOENT, subpath, "no such device")
	}
	return Info{Name: subpath, Permissions: 0o666, ModTime: time.Time{}}, nil
}

func (d *DeviceProvider) Readdir(subpath string) ([]Entry, error) {
	if subpath != "" {
		return nil, errs.New(errs.ENOTDIR, subpath, "not a directory")
	}
	return []Entry{
		{Name: NameDiscard}, {Name: NameZero}, {Name: NameRandom}, {Name: NameURandom},
	}, nil
}
