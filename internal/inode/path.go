package inode

import (
	"strings"
)

// MaxSymlinkDepth bounds recursive symlink resolution (spec.md §4.1,
// Design Notes §9: depth-bounded resolution, no cycle detection needed
// beyond the bound).
const MaxSymlinkDepth = 40

// Split parses an absolute path into its non-empty, non-"." segments,
// applying ".." as a pop that never underflows the root. The input need
// not be absolute: a relative path is split the same way and so is
// treated as if it were rooted at "/".
func Split(p string) []string {
	parts := strings.Split(p, "/")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		switch part {
		case "", ".":
			continue
		case "..":
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
		default:
			out = append(out, part)
		}
	}
	return out
}

// Join re-assembles segments into an absolute path string.
func Join(segments []string) string {
	if len(segments) == 0 {
		return "/"
	}
	return "/" + strings.Join(segments, "/")
}

// SplitParent splits segments into (parent segments, final name). It is
// the caller's job to reject a final name of "" (path was "/").
func SplitParent(segments []string) (parent []string, name string) {
	if len(segments) == 0 {
		return nil, ""
	}
	return segments[:len(segments)-1], segments[len(segments)-1]
}
