// Package itempath parses and builds the "/"-delimited absolute keys that
// address items in both the local workspace and the remote tree.
package itempath

import (
	"sort"
	"strings"

	"github.com/picostuff/lockstep/internal/syncerr"
)

// Root is the path of the tree root.
const Root = "/"

// Split validates p and returns its non-empty segments.
//
// p must start with "/". An empty segment is only tolerated as the final
// token, so "/" yields no segments and "/a/" yields ["a"], while "",
// "a/b" and "/a//b" fail with syncerr.ErrBadPath.
func Split(p string) ([]string, error) {
	parts := strings.Split(p, "/")
	if len(parts) < 2 || parts[0] != "" {
		return nil, syncerr.BadPath("split", p)
	}

	segments := make([]string, 0, len(parts)-1)
	for i := 1; i < len(parts); i++ {
		if parts[i] == "" {
			if i == len(parts)-1 {
				break
			}
			return nil, syncerr.BadPath("split", p)
		}
		segments = append(segments, parts[i])
	}
	return segments, nil
}

// ItemSegments is Split for item keys: the final segment names the item,
// so the root and any path ending in "/" are rejected.
func ItemSegments(p string) ([]string, error) {
	segments, err := Split(p)
	if err != nil {
		return nil, err
	}
	if len(segments) == 0 || strings.HasSuffix(p, "/") {
		return nil, syncerr.BadPath("item", p)
	}
	return segments, nil
}

// Validate reports whether p is a well-formed item key.
func Validate(p string) error {
	_, err := ItemSegments(p)
	return err
}

// Join constructs a child path from parent + name.
func Join(parent, name string) string {
	if parent == Root || parent == "" {
		return Root + name
	}
	return strings.TrimSuffix(parent, "/") + "/" + name
}

// FromSegments builds a path from segments. No segments yields Root.
func FromSegments(segments []string) string {
	if len(segments) == 0 {
		return Root
	}
	return Root + strings.Join(segments, "/")
}

// Name returns the final segment of p, or "" for the root.
func Name(p string) string {
	p = strings.TrimSuffix(p, "/")
	i := strings.LastIndex(p, "/")
	return p[i+1:]
}

// Parent returns the path of p's parent directory. The parent of a
// top-level item is Root.
func Parent(p string) string {
	p = strings.TrimSuffix(p, "/")
	i := strings.LastIndex(p, "/")
	if i <= 0 {
		return Root
	}
	return p[:i]
}

// Ancestors returns every proper, non-root prefix of the item key p,
// shallowest first: "/a/b/c" yields ["/a", "/a/b"].
func Ancestors(p string) ([]string, error) {
	segments, err := ItemSegments(p)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(segments)-1)
	for i := 1; i < len(segments); i++ {
		out = append(out, FromSegments(segments[:i]))
	}
	return out, nil
}

// Depth returns the number of segments in p. Malformed paths report 0.
func Depth(p string) int {
	segments, err := Split(p)
	if err != nil {
		return 0
	}
	return len(segments)
}

// IsWithin reports whether p equals dir or lies below it.
func IsWithin(p, dir string) bool {
	if dir == Root {
		return strings.HasPrefix(p, Root)
	}
	return p == dir || strings.HasPrefix(p, dir+"/")
}

// SortShallowFirst orders paths by depth, then lexically, so parents come
// before their children.
func SortShallowFirst(paths []string) {
	sort.Slice(paths, func(i, j int) bool {
		di, dj := Depth(paths[i]), Depth(paths[j])
		if di != dj {
			return di < dj
		}
		return paths[i] < paths[j]
	})
}
