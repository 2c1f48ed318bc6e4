package baseline

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/picostuff/lockstep/internal/item"
	"github.com/picostuff/lockstep/internal/itempath"
)

// Export writes every entry of t as one JSON object per line, sorted by
// path. It returns the number of entries written.
func Export(w io.Writer, t Table) (int, error) {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)

	n := 0
	for _, e := range Entries(t) {
		if err := enc.Encode(e); err != nil {
			return n, fmt.Errorf("failed to encode baseline %s: %w", e.Path, err)
		}
		n++
	}
	if err := bw.Flush(); err != nil {
		return n, fmt.Errorf("failed to write baseline export: %w", err)
	}
	return n, nil
}

// ExportFile writes the export to path atomically via a temp file.
func ExportFile(path string, t Table) (int, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return 0, fmt.Errorf("failed to create export directory: %w", err)
	}

	tmpPath := path + ".tmp"
	// #nosec G304 - controlled path from CLI
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}

	n, err := Export(f, t)
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
	return n, nil
}

// Import reads JSONL entries from r into t. Blank lines are skipped. The
// first malformed line aborts the import; entries before it stay applied.
func Import(ctx context.Context, r io.Reader, t Table) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	n, lineNum := 0, 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var e item.Baseline
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			return n, fmt.Errorf("invalid JSON at line %d: %w", lineNum, err)
		}
		if err := itempath.Validate(e.Path); err != nil {
			return n, fmt.Errorf("invalid entry at line %d: %w", lineNum, err)
		}
		if e.Name == "" {
			e.Name = itempath.Name(e.Path)
		}
		if e.Version == "" {
			return n, fmt.Errorf("invalid entry at line %d: empty version", lineNum)
		}

		if err := t.Put(ctx, e); err != nil {
			return n, err
		}
		n++
	}
	if err := scanner.Err(); err != nil {
		return n, fmt.Errorf("failed to read baseline import: %w", err)
	}
	return n, nil
}

// ImportFile is Import reading from the file at path.
func ImportFile(ctx context.Context, path string, t Table) (int, error) {
	// #nosec G304 - controlled path from CLI
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open JSONL file: %w", err)
	}
	defer f.Close()
	return Import(ctx, f, t)
}
