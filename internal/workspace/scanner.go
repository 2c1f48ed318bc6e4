package workspace

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/picostuff/lockstep/internal/item"
	"github.com/picostuff/lockstep/internal/itempath"
)

// ScanResult counts what a scan changed in the workspace.
type ScanResult struct {
	Added   int
	Changed int
	Removed int
	Errors  int
}

func (r *ScanResult) add(o ScanResult) {
	r.Added += o.Added
	r.Changed += o.Changed
	r.Removed += o.Removed
	r.Errors += o.Errors
}

// Scanner turns the contents of a directory into workspace refreshes.
// File versions are the hex SHA-256 of their content; directories carry
// item.DirVersion.
//
// The scanner remembers the version it last saw on disk for every path and
// only refreshes the workspace when the disk changes, so versions written
// into the workspace by reconciliation are not mistaken for local edits.
type Scanner struct {
	root    string
	ws      *Workspace
	exclude *Matcher
	logger  *log.Logger

	mu   sync.Mutex
	seen map[string]string
}

// NewScanner creates a scanner of root feeding ws.
func NewScanner(root string, ws *Workspace, exclude *Matcher, logger *log.Logger) (*Scanner, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to stat workspace root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace root %s is not a directory", abs)
	}
	if exclude == nil {
		if exclude, err = NewMatcher(nil); err != nil {
			return nil, err
		}
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Scanner{
		root:    abs,
		ws:      ws,
		exclude: exclude,
		logger:  logger,
		seen:    make(map[string]string),
	}, nil
}

// Root returns the absolute directory being scanned.
func (s *Scanner) Root() string {
	return s.root
}

// ItemPath converts an absolute filesystem path under the root to a
// workspace path. ok is false for the root itself, paths outside it, and
// excluded paths.
func (s *Scanner) ItemPath(abs string) (p string, ok bool) {
	rel, err := filepath.Rel(s.root, abs)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	rel = filepath.ToSlash(rel)
	if s.excluded(rel) {
		return "", false
	}
	return itempath.Root + rel, true
}

// excluded checks rel and each of its ancestors, so files inside an
// excluded directory are excluded too.
func (s *Scanner) excluded(rel string) bool {
	parts := strings.Split(rel, "/")
	for i := range parts {
		if s.exclude.Match(strings.Join(parts[:i+1], "/")) {
			return true
		}
	}
	return false
}

// FilePath converts a workspace path to its absolute filesystem path.
func (s *Scanner) FilePath(p string) string {
	return filepath.Join(s.root, filepath.FromSlash(strings.TrimPrefix(p, itempath.Root)))
}

// Scan walks the whole root.
func (s *Scanner) Scan(ctx context.Context) (ScanResult, error) {
	return s.scanTree(ctx, itempath.Root)
}

// RefreshPath rescans a single workspace path: a file is rehashed, a
// directory is rescanned recursively, and a path gone from disk is removed.
func (s *Scanner) RefreshPath(ctx context.Context, p string) (ScanResult, error) {
	if err := itempath.Validate(p); err != nil {
		return ScanResult{}, err
	}
	info, err := os.Lstat(s.FilePath(p))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return s.forget(p), nil
	case err != nil:
		return ScanResult{}, fmt.Errorf("failed to stat %s: %w", p, err)
	case info.IsDir():
		var res ScanResult
		res.add(s.observe(p, item.DirVersion))
		sub, err := s.scanTree(ctx, p)
		res.add(sub)
		return res, err
	case !info.Mode().IsRegular():
		return ScanResult{}, nil
	}

	version, err := hashFile(s.FilePath(p))
	if err != nil {
		return ScanResult{Errors: 1}, err
	}
	return s.observe(p, version), nil
}

// scanTree walks the directory at workspace path dir and reconciles what
// it finds with what was seen below dir last time.
func (s *Scanner) scanTree(ctx context.Context, dir string) (ScanResult, error) {
	var res ScanResult
	current := make(map[string]struct{})

	err := filepath.WalkDir(s.FilePath(dir), func(abs string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if walkErr != nil {
			// Vanished mid-walk; the next pass catches up
			if errors.Is(walkErr, fs.ErrNotExist) {
				return nil
			}
			return walkErr
		}

		p, ok := s.ItemPath(abs)
		if !ok {
			if d.IsDir() && abs != s.FilePath(dir) {
				return filepath.SkipDir
			}
			return nil
		}

		var version string
		switch {
		case d.IsDir():
			version = item.DirVersion
		case d.Type().IsRegular():
			v, err := hashFile(abs)
			if err != nil {
				s.logger.Printf("Warning: failed to hash %s: %v", p, err)
				res.Errors++
				return nil
			}
			version = v
		default:
			return nil
		}

		current[p] = struct{}{}
		res.add(s.observe(p, version))
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("failed to scan %s: %w", dir, err)
	}

	s.mu.Lock()
	var gone []string
	for p := range s.seen {
		if _, ok := current[p]; !ok && p != dir && itempath.IsWithin(p, dir) {
			gone = append(gone, p)
		}
	}
	s.mu.Unlock()

	itempath.SortShallowFirst(gone)
	for _, p := range gone {
		res.add(s.forget(p))
	}
	return res, nil
}

// observe records version for p and refreshes the workspace if it differs
// from what was last seen on disk.
func (s *Scanner) observe(p, version string) ScanResult {
	s.mu.Lock()
	prev, seen := s.seen[p]
	if seen && prev == version {
		s.mu.Unlock()
		return ScanResult{}
	}
	s.seen[p] = version
	s.mu.Unlock()

	existed, _ := s.ws.Read(p)
	if err := s.ws.RefreshLocalItem(p, version); err != nil {
		s.logger.Printf("Warning: failed to refresh %s: %v", p, err)
		s.mu.Lock()
		delete(s.seen, p)
		s.mu.Unlock()
		return ScanResult{Errors: 1}
	}
	switch {
	case existed == nil:
		return ScanResult{Added: 1}
	case existed.Version != version:
		return ScanResult{Changed: 1}
	default:
		return ScanResult{}
	}
}

// forget handles p and everything below it disappearing from disk.
func (s *Scanner) forget(p string) ScanResult {
	s.mu.Lock()
	_, seen := s.seen[p]
	for q := range s.seen {
		if itempath.IsWithin(q, p) {
			delete(s.seen, q)
		}
	}
	s.mu.Unlock()

	if !seen {
		return ScanResult{}
	}
	if it, _ := s.ws.Read(p); it == nil {
		return ScanResult{}
	}
	if err := s.ws.RemoveLocalItem(p); err != nil {
		s.logger.Printf("Warning: failed to remove %s: %v", p, err)
		return ScanResult{Errors: 1}
	}
	return ScanResult{Removed: 1}
}

// hashFile returns the hex SHA-256 of the file at path.
func hashFile(path string) (string, error) {
	// #nosec G304 - path comes from walking the workspace root
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
