package provider

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/llmsandbox/wasmsh/internal/errs"
)

// HostFSProvider maps a real host directory into the sandbox (spec.md
// §3, §4.8). Every sub-path is resolved with filepath.Join against Root
// and then checked to be Root itself or to lie within it (symlink-free
// normalization by construction, since we never follow a guest-supplied
// absolute path): this is the "path-traversal checked" contract the
// out-of-scope boundary in spec.md §1 carves out as the one way host
// filesystem exposure is allowed.
type HostFSProvider struct {
	Root     string
	ReadOnly bool
}

func NewHostFSProvider(root string, readOnly bool) *HostFSProvider {
	return &HostFSProvider{Root: filepath.Clean(root), ReadOnly: readOnly}
}

// resolve maps a provider sub-path to a host path, rejecting any
// traversal outside Root.
func (h *HostFSProvider) resolve(subpath string) (string, error) {
	joined := filepath.Join(h.Root, subpath)
	joined = filepath.Clean(joined)
	if joined != h.Root && !strings.HasPrefix(joined, h.Root+string(filepath.Separator)) {
		return "", errs.New(errs.ENOENT, subpath, "path escapes host root")
	}
	return joined, nil
}

func (h *HostFSProvider) Read(subpath string) ([]byte, error) {
	path, err := h.resolve(subpath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, hostError(subpath, err)
	}
	return data, nil
}

func (h *HostFSProvider) Write(subpath string, data []byte) error {
	if h.ReadOnly {
		return errs.New(errs.EROFS, subpath, "host mount is read-only")
	}
	path, err := h.resolve(subpath)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return hostError(subpath, err)
	}
	return nil
}

func (h *HostFSProvider) Exists(subpath string) bool {
	path, err := h.resolve(subpath)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

func (h *HostFSProvider) Stat(subpath string) (Info, error) {
	path, err := h.resolve(subpath)
	if err != nil {
		return Info{}, err
	}
	fi, err := os.Stat(path)
	if err != nil {
		return Info{}, hostError(subpath, err)
	}
	return Info{
		Name:        fi.Name(),
		IsDir:       fi.IsDir(),
		Size:        fi.Size(),
		Permissions: uint32(fi.Mode().Perm()),
		ModTime:     fi.ModTime(),
	}, nil
}

func (h *HostFSProvider) Readdir(subpath string) ([]Entry, error) {
	path, err := h.resolve(subpath)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, hostError(subpath, err)
	}
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, Entry{Name: e.Name(), IsDir: e.IsDir()})
	}
	return out, nil
}

func hostError(subpath string, err error) error {
	switch {
	case os.IsNotExist(err):
		return errs.New(errs.ENOENT, subpath, "no such host file")
	case os.IsPermission(err):
		return errs.New(errs.EROFS, subpath, "host permission denied")
	default:
		return errs.New(errs.EINVAL, subpath, err.Error())
	}
}
