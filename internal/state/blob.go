// Package state implements the persisted state blob format of spec.md
// §4.9 and §6: a small fixed header (magic, version, and from v2 a
// CRC32 of the payload) followed by UTF-8 JSON describing the VFS
// entries under a whitelist of safe prefixes, plus the environment.
package state

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"hash/crc32"
	"sort"

	"github.com/llmsandbox/wasmsh/internal/errs"
	"github.com/llmsandbox/wasmsh/internal/inode"
	"github.com/llmsandbox/wasmsh/internal/vfs"
)

// Magic is the four-byte ASCII tag every blob starts with.
var Magic = [4]byte{'W', 'S', 'N', 'D'}

// CurrentVersion is written by Export.
const CurrentVersion uint32 = 2

// SafePrefixes is the whitelist Import filters entries to (spec.md §4.9):
// home, tmp, the package-install root, and the python-lib root.
// Everything else is silently dropped on import.
var SafePrefixes = []string{"/home", "/tmp", "/usr/local/packages", "/usr/lib/python"}

// Entry is one exported filesystem item.
type Entry struct {
	Path        string `json:"path"`
	Type        string `json:"type"` // "file" | "dir"
	Data        string `json:"data"` // base64, "" for dirs
	Permissions uint32 `json:"permissions"`
}

// EnvPair is one exported environment variable, kept as a pair (not a
// map) so export is order-stable and Import can apply it without a
// non-deterministic map iteration order.
type EnvPair struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Payload is the JSON body of a state blob.
type Payload struct {
	Entries []Entry   `json:"entries"`
	Env     []EnvPair `json:"env,omitempty"`
}

// Export walks v excluding virtual-mount prefixes and symlinks
// (spec.md §9 Open Question: symlinks are deliberately omitted, matching
// the source this spec was distilled from) and serializes the result
// with env into a versioned, checksummed blob.
func Export(v *vfs.VFS, env map[string]string) ([]byte, error) {
	payload := Payload{}
	if err := walkExportable(v, "/", &payload); err != nil {
		return nil, err
	}
	sort.Slice(payload.Entries, func(i, j int) bool { return payload.Entries[i].Path < payload.Entries[j].Path })
	if len(env) > 0 {
		names := make([]string, 0, len(env))
		for name := range env {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			payload.Env = append(payload.Env, EnvPair{Name: name, Value: env[name]})
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errs.Newf(errs.EINVAL, "encode state payload: %v", err)
	}

	header := make([]byte, 12)
	copy(header[0:4], Magic[:])
	binary.LittleEndian.PutUint32(header[4:8], CurrentVersion)
	binary.LittleEndian.PutUint32(header[8:12], crc32.Checksum(body, crc32.IEEETable))
	return append(header, body...), nil
}

func walkExportable(v *vfs.VFS, path string, payload *Payload) error {
	st, err := v.Lstat(path)
	if err != nil {
		return err
	}
	switch st.Kind {
	case inode.KindSymlink:
		return nil // symlinks are never exported (spec.md §4.9, §9).
	case inode.KindDir:
		if path != "/" {
			payload.Entries = append(payload.Entries, Entry{Path: path, Type: "dir", Permissions: st.Permissions})
		}
		entries, err := v.Readdir(path)
		if err != nil {
			return err
		}
		for _, e := range entries {
			child := path
			if child != "/" {
				child += "/"
			}
			child += e.Name
			if err := walkExportable(v, child, payload); err != nil {
				return err
			}
		}
		return nil
	default: // file
		data, err := v.ReadFile(path)
		if err != nil {
			return err
		}
		payload.Entries = append(payload.Entries, Entry{
			Path: path, Type: "file", Data: base64.StdEncoding.EncodeToString(data), Permissions: st.Permissions,
		})
		return nil
	}
}

// Import verifies the header, validates the CRC32 for v2+, filters
// entries to SafePrefixes, and applies them to v in three phases under a
// write-policy bypass: directories depth-first, then files, then
// permissions (spec.md §4.9). It fails without partial mutation if the
// header is malformed or the checksum does not match.
func Import(v *vfs.VFS, blob []byte) (map[string]string, error) {
	if len(blob) < 8 || string(blob[0:4]) != string(Magic[:]) {
		return nil, errs.Newf(errs.CORRUPTED, "bad magic")
	}
	version := binary.LittleEndian.Uint32(blob[4:8])
	if version < 1 {
		return nil, errs.Newf(errs.CORRUPTED, "unsupported version %d", version)
	}

	var body []byte
	if version >= 2 {
		if len(blob) < 12 {
			return nil, errs.Newf(errs.CORRUPTED, "truncated header")
		}
		wantCRC := binary.LittleEndian.Uint32(blob[8:12])
		body = blob[12:]
		if crc32.Checksum(body, crc32.IEEETable) != wantCRC {
			return nil, errs.Newf(errs.CORRUPTED, "checksum mismatch")
		}
	} else {
		body = blob[8:]
	}

	var payload Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, errs.Newf(errs.CORRUPTED, "malformed payload: %v", err)
	}

	safe := filterSafe(payload.Entries)
	sort.Slice(safe, func(i, j int) bool { return safe[i].Path < safe[j].Path })

	if err := applyEntries(v, safe); err != nil {
		return nil, err
	}

	env := make(map[string]string, len(payload.Env))
	for _, e := range payload.Env {
		env[e.Name] = e.Value
	}
	return env, nil
}

func filterSafe(entries []Entry) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if isSafePath(e.Path) {
			out = append(out, e)
		}
	}
	return out
}

func isSafePath(path string) bool {
	norm := inode.Join(inode.Split(path))
	for _, prefix := range SafePrefixes {
		p := inode.Join(inode.Split(prefix))
		if norm == p || len(norm) > len(p) && norm[:len(p)+1] == p+"/" {
			return true
		}
	}
	return false
}

func applyEntries(v *vfs.VFS, entries []Entry) error {
	return v.Bypass(func(b *vfs.Bypass) error {
		// Phase 1: directories, depth-first (shallow paths sort first
		// because entries are already path-sorted).
		for _, e := range entries {
			if e.Type == "dir" {
				if err := b.MkdirAll(e.Path, 0o755); err != nil {
					return err
				}
			}
		}
		// Phase 2: files.
		for _, e := range entries {
			if e.Type != "file" {
				continue
			}
			data, err := base64.StdEncoding.DecodeString(e.Data)
			if err != nil {
				return errs.Newf(errs.CORRUPTED, "bad base64 for %s: %v", e.Path, err)
			}
			if err := b.WriteFile(e.Path, data, e.Permissions); err != nil {
				return err
			}
		}
		// Phase 3: permissions, applied last so phase 1/2's defaults
		// don't clobber a dir's exported mode.
		for _, e := range entries {
			if err := b.Chmod(e.Path, e.Permissions); err != nil {
				return err
			}
		}
		return nil
	})
}
