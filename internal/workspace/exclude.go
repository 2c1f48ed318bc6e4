package workspace

import (
	"errors"
	"fmt"
	"path"

	"github.com/gobwas/glob"
)

// ErrInvalidPattern indicates an exclude pattern could not be compiled.
var ErrInvalidPattern = errors.New("invalid exclude pattern")

// StateDir is the directory holding lockstep's own state inside a
// workspace root. It is never synced.
const StateDir = ".lockstep"

// DefaultExcludes are patterns every workspace ignores.
var DefaultExcludes = []string{StateDir, ".git", "*.swp", "*~", ".DS_Store"}

// Matcher decides whether a workspace-relative path is excluded. A pattern
// matches if it matches either the whole slash-separated relative path or
// the final name.
type Matcher struct {
	globs []glob.Glob
}

// NewMatcher compiles DefaultExcludes plus patterns.
func NewMatcher(patterns []string) (*Matcher, error) {
	all := append(append([]string(nil), DefaultExcludes...), patterns...)
	m := &Matcher{globs: make([]glob.Glob, 0, len(all))}
	for _, pattern := range all {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, errors.Join(ErrInvalidPattern, fmt.Errorf("%q: %w", pattern, err))
		}
		m.globs = append(m.globs, g)
	}
	return m, nil
}

// Match reports whether rel (slash-separated, no leading slash) is
// excluded.
func (m *Matcher) Match(rel string) bool {
	name := path.Base(rel)
	for _, g := range m.globs {
		if g.Match(rel) || g.Match(name) {
			return true
		}
	}
	return false
}
