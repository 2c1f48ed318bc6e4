package workspace

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/picostuff/lockstep/internal/itempath"
)

// IndexFile is the snapshot file name inside the state directory.
const IndexFile = "index.jsonl"

// snapshotRecord is one line of an index snapshot. Version is empty for
// paths the scanner saw on disk that are no longer indexed; Disk is empty
// for indexed items that were never on disk.
type snapshotRecord struct {
	Path    string `json:"path"`
	Version string `json:"version,omitempty"`
	Changed bool   `json:"changed,omitempty"`
	Disk    string `json:"disk,omitempty"`
}

// SaveSnapshot writes the workspace index, together with what the scanner
// last saw on disk, to path. Restoring it with LoadSnapshot before the
// next scan lets a restarted process tell local edits apart from versions
// reconciliation wrote into the index.
func SaveSnapshot(path string, ws *Workspace, s *Scanner) (int, error) {
	records := make(map[string]*snapshotRecord)
	for _, e := range ws.Entries() {
		records[e.Path] = &snapshotRecord{Path: e.Path, Version: e.Version, Changed: e.Changed}
	}
	s.mu.Lock()
	for p, v := range s.seen {
		r, ok := records[p]
		if !ok {
			r = &snapshotRecord{Path: p}
			records[p] = r
		}
		r.Disk = v
	}
	s.mu.Unlock()

	paths := make([]string, 0, len(records))
	for p := range records {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return 0, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	tmpPath := path + ".tmp"
	// #nosec G304 - path inside the workspace state directory
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}

	bw := bufio.NewWriter(f)
	enc := json.NewEncoder(bw)
	for _, p := range paths {
		if err = enc.Encode(records[p]); err != nil {
			err = fmt.Errorf("failed to encode snapshot %s: %w", p, err)
			break
		}
	}
	if err == nil {
		err = bw.Flush()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return 0, err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("failed to rename temp file: %w", err)
	}
	return len(paths), nil
}

// LoadSnapshot restores a snapshot written by SaveSnapshot into an empty
// workspace and a fresh scanner. Listeners are not notified. A missing
// file restores nothing.
func LoadSnapshot(path string, ws *Workspace, s *Scanner) (int, error) {
	// #nosec G304 - path inside the workspace state directory
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer f.Close()

	var records []snapshotRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var r snapshotRecord
		if err := json.Unmarshal([]byte(line), &r); err != nil {
			return 0, fmt.Errorf("invalid snapshot JSON at line %d: %w", lineNum, err)
		}
		if err := itempath.Validate(r.Path); err != nil {
			return 0, fmt.Errorf("invalid snapshot entry at line %d: %w", lineNum, err)
		}
		records = append(records, r)
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("failed to read snapshot: %w", err)
	}

	ws.mu.Lock()
	for _, r := range records {
		if r.Version == "" {
			continue
		}
		ws.items[r.Path] = &entry{name: itempath.Name(r.Path), version: r.Version}
		if r.Changed {
			ws.changed[r.Path] = struct{}{}
		}
	}
	ws.mu.Unlock()

	s.mu.Lock()
	for _, r := range records {
		if r.Disk != "" {
			s.seen[r.Path] = r.Disk
		}
	}
	s.mu.Unlock()

	return len(records), nil
}
