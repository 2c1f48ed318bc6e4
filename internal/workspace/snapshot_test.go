package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/picostuff/lockstep/internal/item"
)

func TestSnapshot_RestoresIndexAcrossRestart(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a/b", "mydata")
	writeFile(t, root, "c", "local")

	ctx := context.Background()
	s, ws := newTestScanner(t, root)
	if _, err := s.Scan(ctx); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	ws.MarkSynced("/a")
	ws.MarkSynced("/a/b")
	// Pulled from the remote, never on disk
	if err := ws.Write("/pulled", item.New("pulled", "r1")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	path := filepath.Join(root, StateDir, IndexFile)
	n, err := SaveSnapshot(path, ws, s)
	if err != nil {
		t.Fatalf("SaveSnapshot failed: %v", err)
	}
	if n != 4 {
		t.Errorf("SaveSnapshot wrote %d records, want 4", n)
	}

	s2, ws2 := newTestScanner(t, root)
	if _, err := LoadSnapshot(path, ws2, s2); err != nil {
		t.Fatalf("LoadSnapshot failed: %v", err)
	}
	if diff := cmp.Diff(ws.Entries(), ws2.Entries()); diff != "" {
		t.Errorf("Entries mismatch after restore (-want +got):\n%s", diff)
	}

	res, err := s2.Scan(ctx)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if diff := cmp.Diff(ScanResult{}, res); diff != "" {
		t.Errorf("rescan of unchanged disk reported changes (-want +got):\n%s", diff)
	}
	if it, _ := ws2.Read("/pulled"); it == nil || it.Version != "r1" {
		t.Errorf("pulled item lost on rescan: %v", it)
	}

	if err := os.Remove(filepath.Join(root, "c")); err != nil {
		t.Fatal(err)
	}
	res, err = s2.Scan(ctx)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if res.Removed != 1 {
		t.Errorf("Removed = %d, want 1", res.Removed)
	}
}

func TestLoadSnapshot_Missing(t *testing.T) {
	s, ws := newTestScanner(t, t.TempDir())
	n, err := LoadSnapshot(filepath.Join(t.TempDir(), IndexFile), ws, s)
	if err != nil || n != 0 {
		t.Errorf("LoadSnapshot = (%d, %v), want (0, nil)", n, err)
	}
}

func TestLoadSnapshot_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"malformed", "{not json\n"},
		{"bad path", `{"path":"relative","version":"v"}` + "\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), IndexFile)
			if err := os.WriteFile(path, []byte(tt.content), 0644); err != nil {
				t.Fatal(err)
			}
			s, ws := newTestScanner(t, t.TempDir())
			if _, err := LoadSnapshot(path, ws, s); err == nil {
				t.Error("expected error")
			}
			if ws.Len() != 0 {
				t.Errorf("workspace has %d items after failed load", ws.Len())
			}
		})
	}
}
