package workspace

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/picostuff/lockstep/internal/item"
)

// writeFile creates a file (and its parents) under root
func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("failed to create dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", rel, err)
	}
}

func sha(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func newTestScanner(t *testing.T, root string, patterns ...string) (*Scanner, *Workspace) {
	t.Helper()
	m, err := NewMatcher(patterns)
	if err != nil {
		t.Fatalf("NewMatcher failed: %v", err)
	}
	ws := New(nil)
	s, err := NewScanner(root, ws, m, nil)
	if err != nil {
		t.Fatalf("NewScanner failed: %v", err)
	}
	return s, ws
}

func TestScan_IndexesTree(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a/b", "mydata")
	writeFile(t, root, "notes.txt", "hello")
	writeFile(t, root, ".lockstep/baseline.db", "state")
	writeFile(t, root, "build/out.o", "binary")
	writeFile(t, root, "a/.b.swp", "swap")

	s, ws := newTestScanner(t, root, "build")
	res, err := s.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}

	want := []Entry{
		{Path: "/a", Name: "a", Version: item.DirVersion, Changed: true},
		{Path: "/a/b", Name: "b", Version: sha("mydata"), Changed: true},
		{Path: "/notes.txt", Name: "notes.txt", Version: sha("hello"), Changed: true},
	}
	if diff := cmp.Diff(want, ws.Entries()); diff != "" {
		t.Errorf("Entries mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(ScanResult{Added: 3}, res); diff != "" {
		t.Errorf("ScanResult mismatch (-want +got):\n%s", diff)
	}
}

func TestScan_DetectsChangesAndRemovals(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a/b", "v1")
	writeFile(t, root, "c", "keep")

	ctx := context.Background()
	s, ws := newTestScanner(t, root)
	if _, err := s.Scan(ctx); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}

	writeFile(t, root, "a/b", "v2")
	if err := os.Remove(filepath.Join(root, "c")); err != nil {
		t.Fatalf("failed to remove c: %v", err)
	}

	res, err := s.Scan(ctx)
	if err != nil {
		t.Fatalf("second Scan failed: %v", err)
	}
	if diff := cmp.Diff(ScanResult{Changed: 1, Removed: 1}, res); diff != "" {
		t.Errorf("ScanResult mismatch (-want +got):\n%s", diff)
	}
	if got, _ := ws.Read("/a/b"); got.Version != sha("v2") {
		t.Errorf("/a/b version = %q, want hash of v2", got.Version)
	}
	if got, _ := ws.Read("/c"); got != nil {
		t.Errorf("/c still indexed after removal: %+v", got)
	}
}

func TestScan_KeepsReconciledVersions(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "f", "disk")

	ctx := context.Background()
	s, ws := newTestScanner(t, root)
	if _, err := s.Scan(ctx); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}

	// Reconciliation stored a remote version; unchanged disk must not undo it
	if err := ws.Write("/f", item.New("f", "remote-version")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if _, err := s.Scan(ctx); err != nil {
		t.Fatalf("second Scan failed: %v", err)
	}
	if got, _ := ws.Read("/f"); got.Version != "remote-version" {
		t.Errorf("version = %q, want remote-version", got.Version)
	}
}

func TestRefreshPath(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()
	s, ws := newTestScanner(t, root)

	writeFile(t, root, "dir/one", "1")
	writeFile(t, root, "dir/sub/two", "2")

	res, err := s.RefreshPath(ctx, "/dir")
	if err != nil {
		t.Fatalf("RefreshPath(/dir) failed: %v", err)
	}
	if res.Added != 4 {
		t.Errorf("Added = %d, want 4", res.Added)
	}

	if err := os.RemoveAll(filepath.Join(root, "dir", "sub")); err != nil {
		t.Fatalf("RemoveAll failed: %v", err)
	}
	if _, err := s.RefreshPath(ctx, "/dir/sub"); err != nil {
		t.Fatalf("RefreshPath(/dir/sub) failed: %v", err)
	}
	if diff := cmp.Diff([]string{"/dir", "/dir/one"}, ws.Paths()); diff != "" {
		t.Errorf("Paths mismatch (-want +got):\n%s", diff)
	}
}

func TestItemPath(t *testing.T) {
	root := t.TempDir()
	s, _ := newTestScanner(t, root, "*.tmp")

	tests := []struct {
		abs    string
		want   string
		wantOK bool
	}{
		{filepath.Join(root, "a", "b"), "/a/b", true},
		{root, "", false},
		{filepath.Join(filepath.Dir(root), "elsewhere"), "", false},
		{filepath.Join(root, ".lockstep", "config.toml"), "", false},
		{filepath.Join(root, "x", "y.tmp"), "", false},
	}
	for _, tt := range tests {
		got, ok := s.ItemPath(tt.abs)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("ItemPath(%q) = %q, %v; want %q, %v", tt.abs, got, ok, tt.want, tt.wantOK)
		}
	}

	if got := s.FilePath("/a/b"); got != filepath.Join(root, "a", "b") {
		t.Errorf("FilePath(/a/b) = %q", got)
	}
}

func TestNewMatcher_InvalidPattern(t *testing.T) {
	if _, err := NewMatcher([]string{"[unterminated"}); err == nil {
		t.Error("expected error for invalid pattern")
	}
}
