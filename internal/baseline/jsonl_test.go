package baseline

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/picostuff/lockstep/internal/item"
	"github.com/picostuff/lockstep/internal/syncerr"
)

func TestExport(t *testing.T) {
	ctx := context.Background()
	tbl := NewMemoryTable()
	_ = tbl.Put(ctx, item.Baseline{Path: "/b", Name: "b", Version: "v2"})
	_ = tbl.Put(ctx, item.Baseline{Path: "/a", Name: "a", Version: "v1"})

	var buf bytes.Buffer
	n, err := Export(&buf, tbl)
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Export wrote %d entries, want 2", n)
	}

	want := `{"path":"/a","name":"a","version":"v1"}
{"path":"/b","name":"b","version":"v2"}
`
	if diff := cmp.Diff(want, buf.String()); diff != "" {
		t.Errorf("export mismatch (-want +got):\n%s", diff)
	}
}

func TestImport(t *testing.T) {
	input := `{"path":"/a","name":"a","version":"dir"}

{"path":"/a/b","version":"mydata"}
`
	tbl := NewMemoryTable()
	n, err := Import(context.Background(), strings.NewReader(input), tbl)
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Import read %d entries, want 2", n)
	}

	// Missing names are derived from the path
	got, ok := tbl.Get("/a/b")
	if !ok || got.Name != "b" {
		t.Errorf("Get(/a/b) = %+v, %v; want name b", got, ok)
	}
}

func TestImport_Errors(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantN   int
		wantErr string
	}{
		{"bad json", "{\"path\":\"/a\",\"version\":\"v\"}\nnot json\n", 1, "line 2"},
		{"bad path", `{"path":"a/b","version":"v"}`, 0, "line 1"},
		{"empty version", `{"path":"/a"}`, 0, "empty version"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := Import(context.Background(), strings.NewReader(tt.input), NewMemoryTable())
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Import error = %v, want containing %q", err, tt.wantErr)
			}
			if n != tt.wantN {
				t.Errorf("Import applied %d entries, want %d", n, tt.wantN)
			}
		})
	}

	_, err := Import(context.Background(), strings.NewReader(`{"path":"/a//b","version":"v"}`), NewMemoryTable())
	if !errors.Is(err, syncerr.ErrBadPath) {
		t.Errorf("Import error = %v, want ErrBadPath", err)
	}
}

func TestExportImportFile(t *testing.T) {
	ctx := context.Background()
	src := NewMemoryTable()
	_ = src.Put(ctx, item.Baseline{Path: "/docs/readme", Name: "readme", Version: "abc123"})

	path := filepath.Join(t.TempDir(), "out", "baseline.jsonl")
	if _, err := ExportFile(path, src); err != nil {
		t.Fatalf("ExportFile failed: %v", err)
	}

	dst := NewMemoryTable()
	if _, err := ImportFile(ctx, path, dst); err != nil {
		t.Fatalf("ImportFile failed: %v", err)
	}
	if diff := cmp.Diff(Entries(src), Entries(dst)); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}
