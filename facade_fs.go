package sandbox

import "github.com/llmsandbox/wasmsh/internal/vfs"

// ReadFile reads the whole content of a VFS path.
func (s *Sandbox) ReadFile(path string) ([]byte, error) {
	if err := s.checkAlive(); err != nil {
		return nil, err
	}
	data, err := s.vfs.ReadFile(path)
	return data, wrap(err, "read file")
}

// WriteFile writes data to path, creating or replacing it.
func (s *Sandbox) WriteFile(path string, data []byte, perm uint32) error {
	if err := s.checkAlive(); err != nil {
		return err
	}
	return wrap(s.vfs.WriteFile(path, data, perm), "write file")
}

// DirEntry is one result of ReadDir.
type DirEntry = vfs.DirEntry

// ReadDir lists path's immediate children.
func (s *Sandbox) ReadDir(path string) ([]DirEntry, error) {
	if err := s.checkAlive(); err != nil {
		return nil, err
	}
	entries, err := s.vfs.Readdir(path)
	return entries, wrap(err, "read dir")
}

// Mkdir creates a single directory; the parent must already exist.
func (s *Sandbox) Mkdir(path string, perm uint32) error {
	if err := s.checkAlive(); err != nil {
		return err
	}
	return wrap(s.vfs.Mkdir(path, perm), "mkdir")
}

// Stat describes a path.
type Stat = vfs.Stat

// Stat reports metadata about path.
func (s *Sandbox) Stat(path string) (Stat, error) {
	if err := s.checkAlive(); err != nil {
		return Stat{}, err
	}
	st, err := s.vfs.Stat(path)
	return st, wrap(err, "stat")
}

// Rm removes a file or, if recursive, a directory tree.
func (s *Sandbox) Rm(path string, recursive bool) error {
	if err := s.checkAlive(); err != nil {
		return err
	}
	st, err := s.vfs.Stat(path)
	if err != nil {
		return wrap(err, "rm")
	}
	if st.Kind.String() == "dir" {
		if !recursive {
			return wrap(s.vfs.Rmdir(path), "rm")
		}
		return wrap(removeTree(s.vfs, path), "rm")
	}
	return wrap(s.vfs.Remove(path), "rm")
}

func removeTree(v *vfs.VFS, path string) error {
	entries, err := v.Readdir(path)
	if err != nil {
		return err
	}
	for _, e := range entries {
		child := path + "/" + e.Name
		if e.Kind.String() == "dir" {
			if err := removeTree(v, child); err != nil {
				return err
			}
			continue
		}
		if err := v.Remove(child); err != nil {
			return err
		}
	}
	return v.Rmdir(path)
}
